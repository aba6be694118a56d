// Package segment implements one segment file: Writer appends framed
// records to the currently open (unsealed) tail segment and tracks
// their byte offsets in memory; Reader performs positional reads
// against either an open tail (via Writer's in-memory offsets) or a
// sealed segment (via a persisted offset-index block).
package segment

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/little-pan/logbuffers/codec"
	"github.com/little-pan/logbuffers/types"
)

// Writer is the open tail segment file. All writes are serialized by
// the store's single writer lock; ReadAt may be called concurrently by
// the store's single reader.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	offsets []uint32
	nextOff uint32
}

// OpenWriter opens f (already created/opened by the caller) as a
// segment tail, recovering any frames already present. If the file
// ends with a partially written final frame — possible after a crash
// mid-append — that frame is detected and truncated away.
func OpenWriter(f *os.File) (*Writer, error) {
	w := &Writer{f: f}
	if err := w.recover(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) recover() error {
	info, err := w.f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	var off int64
	header := make([]byte, codec.HeaderLen)
	for off < size {
		n, err := w.f.ReadAt(header, off)
		if n < codec.HeaderLen || err != nil {
			// Partial header at EOF: truncate it away.
			break
		}
		payloadLen, err := codec.PayloadLen(header)
		if err != nil {
			break
		}
		frameLen := int64(codec.HeaderLen) + int64(payloadLen)
		if off+frameLen > size {
			// Partial payload at EOF: truncate it away.
			break
		}
		w.offsets = append(w.offsets, uint32(off))
		off += frameLen
	}

	if off != size {
		if err := w.f.Truncate(off); err != nil {
			return fmt.Errorf("logbuffers: truncating partial tail frame: %w", err)
		}
	}
	w.nextOff = uint32(off)
	return nil
}

// Append writes a fully framed record and returns its byte offset
// within this segment file.
func (w *Writer) Append(frame []byte) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	offset := w.nextOff
	if _, err := w.f.WriteAt(frame, int64(offset)); err != nil {
		return 0, err
	}
	w.nextOff += uint32(len(frame))
	w.offsets = append(w.offsets, offset)
	return offset, nil
}

// Sync forces the segment's writes to stable storage.
func (w *Writer) Sync() error { return w.f.Sync() }

// Len reports how many records have been appended to this segment.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.offsets)
}

// ReadAt implements io.ReaderAt so this segment's own reader can serve
// positional reads while it is still the open tail.
func (w *Writer) ReadAt(p []byte, off int64) (int, error) { return w.f.ReadAt(p, off) }

// Close releases the underlying file handle.
func (w *Writer) Close() error { return w.f.Close() }

// OffsetForFrame returns the byte offset of the localIdx-th frame
// appended to this segment (0-based, relative to the segment's
// BaseIndex), satisfying the tailWriter contract Reader uses for an
// open segment.
func (w *Writer) OffsetForFrame(localIdx uint64) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if localIdx >= uint64(len(w.offsets)) {
		return 0, types.ErrNotFound
	}
	return w.offsets[localIdx], nil
}

// WriteIndexBlock appends a persisted offset-index block (one
// little-endian uint32 per record) to the segment file and returns its
// starting byte offset, for use when sealing this segment.
func (w *Writer) WriteIndexBlock() (indexStart uint32, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	indexStart = w.nextOff
	buf := make([]byte, 4*len(w.offsets))
	for i, off := range w.offsets {
		binary.LittleEndian.PutUint32(buf[i*4:], off)
	}
	if _, err := w.f.WriteAt(buf, int64(indexStart)); err != nil {
		return 0, err
	}
	w.nextOff += uint32(len(buf))
	return indexStart, nil
}
