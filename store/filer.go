package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/little-pan/logbuffers/segment"
	"github.com/little-pan/logbuffers/types"
)

// osFiler is the default types.SegmentFiler, backing each segment with
// one file named by its segment ID directly under dir.
type osFiler struct {
	dir string
}

func newOSFiler(dir string) *osFiler { return &osFiler{dir: dir} }

func (f *osFiler) path(id uint64) string {
	return filepath.Join(f.dir, fmt.Sprintf("%020d.seg", id))
}

// Create opens (creating if necessary) the file for info.ID read-write
// and wraps it as a segment.Writer, recovering any previously written
// frames (including truncating away a partially written final frame).
func (f *osFiler) Create(info types.SegmentInfo) (types.WritableFile, error) {
	file, err := os.OpenFile(f.path(info.ID), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logbuffers: opening segment %d: %w", info.ID, err)
	}
	w, err := segment.OpenWriter(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

// Open opens a sealed segment's file read-only.
func (f *osFiler) Open(info types.SegmentInfo) (types.ReadableFile, error) {
	file, err := os.Open(f.path(info.ID))
	if err != nil {
		return nil, fmt.Errorf("logbuffers: opening sealed segment %d: %w", info.ID, err)
	}
	return file, nil
}

// Delete removes a segment's backing file. Never called by the store
// itself — there is no built-in truncation/compaction — but is part
// of the SegmentFiler contract for operators managing disk space
// externally.
func (f *osFiler) Delete(id uint64) error {
	err := os.Remove(f.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
