package segment

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/little-pan/logbuffers/codec"
	"github.com/little-pan/logbuffers/types"
)

// tailWriter lets a Reader address frames in a still-open segment by
// their in-memory offsets, without a persisted index block.
type tailWriter interface {
	io.ReaderAt
	OffsetForFrame(localIdx uint64) (uint32, error)
}

// Reader performs positional reads of framed records from a segment.
// A sealed segment is read through its persisted offset-index block; an
// unsealed (tail) segment is read through the live Writer's in-memory
// offsets.
type Reader struct {
	info types.SegmentInfo
	rf   types.ReadableFile // sealed segment
	tail tailWriter         // unsealed (open) segment

	scratchHeader []byte
}

// NewSealedReader wraps a closed, fully-indexed segment file.
func NewSealedReader(info types.SegmentInfo, rf types.ReadableFile) *Reader {
	return &Reader{info: info, rf: rf}
}

// NewTailReader wraps the currently open tail segment.
func NewTailReader(info types.SegmentInfo, w *Writer) *Reader {
	return &Reader{info: info, tail: w}
}

// Close implements io.Closer. Closing a tail reader is a no-op; the
// Writer itself owns that file handle.
func (r *Reader) Close() error {
	if r.rf != nil {
		return r.rf.Close()
	}
	return nil
}

// ReadFrame returns the raw framed bytes (header+payload) at the
// global index idx, without decoding them.
func (r *Reader) ReadFrame(idx uint64) ([]byte, error) {
	offset, err := r.findFrameOffset(idx)
	if err != nil {
		return nil, err
	}
	return r.readFrame(offset)
}

// GetRecord returns the fully decoded record at the global index idx.
// Returns types.ErrNotFound if idx falls outside this segment.
func (r *Reader) GetRecord(idx uint64) (types.Record, error) {
	offset, err := r.findFrameOffset(idx)
	if err != nil {
		return types.Record{}, err
	}
	frame, err := r.readFrame(offset)
	if err != nil {
		return types.Record{}, err
	}
	return codec.ToRecord(idx, frame)
}

// PeekHeader returns only the type and timestamp at the global index
// idx, without reading the payload, so that time-range and
// type-filter scans don't materialize payloads they will discard.
func (r *Reader) PeekHeader(idx uint64) (typ uint64, timestampMs int64, err error) {
	offset, err := r.findFrameOffset(idx)
	if err != nil {
		return 0, 0, err
	}
	if cap(r.scratchHeader) < codec.HeaderLen {
		r.scratchHeader = make([]byte, codec.HeaderLen)
	}
	header := r.scratchHeader[:codec.HeaderLen]
	if err := r.readAt(header, int64(offset)); err != nil {
		return 0, 0, err
	}
	return codec.PeekHeader(header)
}

func (r *Reader) readAt(p []byte, off int64) error {
	var n int
	var err error
	if r.tail != nil {
		n, err = r.tail.ReadAt(p, off)
	} else {
		n, err = r.rf.ReadAt(p, off)
	}
	if err == io.EOF && n == len(p) {
		// We read exactly what we asked for and just happened to land on
		// EOF; that's not an error.
		err = nil
	}
	return err
}

func (r *Reader) readFrame(offset uint32) ([]byte, error) {
	if cap(r.scratchHeader) < codec.HeaderLen {
		r.scratchHeader = make([]byte, codec.HeaderLen)
	}
	header := r.scratchHeader[:codec.HeaderLen]
	if err := r.readAt(header, int64(offset)); err != nil {
		return nil, err
	}
	payloadLen, err := codec.PayloadLen(header)
	if err != nil {
		return nil, err
	}
	if payloadLen > codec.MaxPayloadLen {
		return nil, fmt.Errorf("%w: frame declares a payload larger than MaxPayloadLen (%d bytes)", types.ErrCorrupt, codec.MaxPayloadLen)
	}

	frame := make([]byte, codec.HeaderLen+int(payloadLen))
	copy(frame, header)
	if payloadLen > 0 {
		if err := r.readAt(frame[codec.HeaderLen:], int64(offset)+int64(codec.HeaderLen)); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

func (r *Reader) findFrameOffset(idx uint64) (uint32, error) {
	if r.tail != nil {
		if idx < r.info.BaseIndex {
			return 0, types.ErrNotFound
		}
		return r.tail.OffsetForFrame(idx - r.info.BaseIndex)
	}

	// Sealed segment: read from the persisted on-disk index block.
	if r.info.IndexStart == 0 {
		return 0, fmt.Errorf("logbuffers: sealed segment has no index block")
	}
	if idx < r.info.MinIndex || (r.info.MaxIndex > 0 && idx > r.info.MaxIndex) {
		return 0, types.ErrNotFound
	}

	entryOffset := idx - r.info.BaseIndex
	byteOffset := int64(r.info.IndexStart) + int64(entryOffset)*4

	var bs [4]byte
	if err := r.readAt(bs[:], byteOffset); err != nil {
		return 0, fmt.Errorf("logbuffers: reading segment index: %w", err)
	}
	return binary.LittleEndian.Uint32(bs[:]), nil
}
