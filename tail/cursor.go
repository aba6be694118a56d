package tail

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CursorStore is the tiny dedicated append-only store a tail's read
// cursor lives in: each write appends a fixed
// 8-byte big-endian index, and recovery is simply "read the last
// entry, or 0 if empty". It reuses the append-then-recover-on-crash
// discipline of the main segment store (segment.Writer.recover) at a
// much smaller, fixed-record-size scale, since a cursor never needs
// rotation.
type CursorStore struct {
	mu  sync.Mutex
	f   *os.File
	len int64 // number of valid 8-byte entries
}

const cursorEntryLen = 8

// OpenCursorStore opens (creating if necessary) the cursor file under
// dir, recovering any partially written final entry.
func OpenCursorStore(dir string) (*CursorStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logbuffers: creating tail cursor dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "cursor.log"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logbuffers: opening tail cursor: %w", err)
	}
	cs := &CursorStore{f: f}
	if err := cs.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return cs, nil
}

func (cs *CursorStore) recover() error {
	info, err := cs.f.Stat()
	if err != nil {
		return err
	}
	n := info.Size() / cursorEntryLen
	validSize := n * cursorEntryLen
	if validSize != info.Size() {
		if err := cs.f.Truncate(validSize); err != nil {
			return fmt.Errorf("logbuffers: truncating partial tail cursor entry: %w", err)
		}
	}
	cs.len = n
	return nil
}

// ReadIndex returns the last persisted cursor value, or 0 if the
// cursor has never been written to.
func (cs *CursorStore) ReadIndex() (uint64, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.len == 0 {
		return 0, nil
	}
	var buf [cursorEntryLen]byte
	if _, err := cs.f.ReadAt(buf[:], (cs.len-1)*cursorEntryLen); err != nil {
		return 0, fmt.Errorf("logbuffers: reading tail cursor: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// Append durably records index as the tail's new cursor.
func (cs *CursorStore) Append(index uint64) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var buf [cursorEntryLen]byte
	binary.BigEndian.PutUint64(buf[:], index)
	if _, err := cs.f.WriteAt(buf[:], cs.len*cursorEntryLen); err != nil {
		return err
	}
	if err := cs.f.Sync(); err != nil {
		return err
	}
	cs.len++
	return nil
}

// Close releases the cursor file handle.
func (cs *CursorStore) Close() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.f.Close()
}
