// Package metadb persists a SegmentedStore's segment catalog — which
// segment files exist, their index bounds, and which one is still open
// — in a small embedded bbolt database, satisfying types.MetaStore.
//
// Implements types.MetaStore's Load/Commit/Close contract on top
// of go.etcd.io/bbolt, a small embedded key/value store well suited to
// a catalog this size.
package metadb

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/little-pan/logbuffers/types"
)

var (
	metaBucket    = []byte("meta")
	segmentBucket = []byte("segments")

	nextSegmentIDKey = []byte("next_segment_id")
)

// DB is a bbolt-backed types.MetaStore.
type DB struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the catalog database under dir.
func Open(dir string) (*DB, error) {
	db, err := bolt.Open(filepath.Join(dir, "catalog.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("logbuffers: opening metadb: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(segmentBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("logbuffers: initializing metadb buckets: %w", err)
	}
	return &DB{db: db}, nil
}

// Load returns the persisted catalog, or an empty one if the database
// has never been committed to. Segments come back in ascending ID
// order, since Commit stores them under big-endian keys.
func (d *DB) Load() (types.PersistentState, error) {
	var st types.PersistentState
	err := d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if v := meta.Get(nextSegmentIDKey); v != nil {
			st.NextSegmentID = binary.LittleEndian.Uint64(v)
		}

		segs := tx.Bucket(segmentBucket)
		return segs.ForEach(func(k, v []byte) error {
			info, err := decodeSegmentInfo(v)
			if err != nil {
				return err
			}
			st.Segments = append(st.Segments, info)
			return nil
		})
	})
	if err != nil {
		return types.PersistentState{}, fmt.Errorf("logbuffers: loading metadb: %w", err)
	}
	return st, nil
}

// Commit durably replaces the persisted catalog with st. Segment keys
// are big-endian so bbolt's lexicographic key order doubles as ID
// order; Load relies on this to hand segments back in ID order
// without a separate sort.
func (d *DB) Commit(st types.PersistentState) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, st.NextSegmentID)
		if err := meta.Put(nextSegmentIDKey, buf); err != nil {
			return err
		}

		segs := tx.Bucket(segmentBucket)
		if err := segs.ForEach(func(k, _ []byte) error {
			return segs.Delete(k)
		}); err != nil {
			return err
		}
		for _, info := range st.Segments {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, info.ID)
			if err := segs.Put(key, encodeSegmentInfo(info)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the database file handle.
func (d *DB) Close() error { return d.db.Close() }

const segmentInfoLen = 8*4 + 4 + 1 // ID, BaseIndex, MinIndex, MaxIndex, IndexStart, Sealed

func encodeSegmentInfo(info types.SegmentInfo) []byte {
	buf := make([]byte, segmentInfoLen)
	binary.LittleEndian.PutUint64(buf[0:8], info.ID)
	binary.LittleEndian.PutUint64(buf[8:16], info.BaseIndex)
	binary.LittleEndian.PutUint64(buf[16:24], info.MinIndex)
	binary.LittleEndian.PutUint64(buf[24:32], info.MaxIndex)
	binary.LittleEndian.PutUint32(buf[32:36], info.IndexStart)
	if info.Sealed {
		buf[36] = 1
	}
	return buf
}

func decodeSegmentInfo(buf []byte) (types.SegmentInfo, error) {
	if len(buf) != segmentInfoLen {
		return types.SegmentInfo{}, fmt.Errorf("logbuffers: corrupt segment catalog entry (%d bytes): %w", len(buf), types.ErrCorrupt)
	}
	return types.SegmentInfo{
		ID:         binary.LittleEndian.Uint64(buf[0:8]),
		BaseIndex:  binary.LittleEndian.Uint64(buf[8:16]),
		MinIndex:   binary.LittleEndian.Uint64(buf[16:24]),
		MaxIndex:   binary.LittleEndian.Uint64(buf[24:32]),
		IndexStart: binary.LittleEndian.Uint32(buf[32:36]),
		Sealed:     buf[36] == 1,
	}, nil
}
