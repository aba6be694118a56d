// Package store implements SegmentedStore, a logical infinite
// append-only array over rolling segment files, addressed by a dense
// 64-bit index. Segment-file rotation is this package's one internal
// concern; everything above it sees only Append/Read/WriteIndex/Close.
//
// An immutable snapshot of the segment catalog is published for
// lock-free reads via atomic.Value, and all mutation (append-triggered
// rotation) goes through a single writer lock.
package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/little-pan/logbuffers/metadb"
	"github.com/little-pan/logbuffers/segment"
	"github.com/little-pan/logbuffers/types"
)

// Options configures a Store.
type Options struct {
	// LogsPerFile is the number of records a segment file holds before
	// it is sealed and a new one is rolled. Defaults to 32767.
	LogsPerFile int
	// SyncOnWrite forces an fsync after every append when true.
	SyncOnWrite bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.LogsPerFile <= 0 {
		out.LogsPerFile = 32767
	}
	return out
}

// Store is a SegmentedStore: a logical append-only array of framed
// records, addressed by a 64-bit index, backed by rolling segment
// files.
type Store struct {
	dir   string
	filer types.SegmentFiler
	meta  types.MetaStore
	opts  Options

	closed uint32

	writeMu sync.Mutex
	s       atomic.Value // *state
}

// Open opens or creates a store rooted at dir, recovering from an
// existing catalog if present. filer and meta default to an
// os.File-backed filer and a bbolt-backed metadb respectively when nil
// — callers mainly override them in tests.
func Open(dir string, filer types.SegmentFiler, meta types.MetaStore, opts Options) (*Store, error) {
	if err := ensureDir(dir); err != nil {
		return nil, fmt.Errorf("logbuffers: creating store dir: %w", err)
	}
	if filer == nil {
		filer = newOSFiler(dir)
	}
	if meta == nil {
		db, err := metadb.Open(dir)
		if err != nil {
			return nil, err
		}
		meta = db
	}

	st := &Store{
		dir:   dir,
		filer: filer,
		meta:  meta,
		opts:  opts.withDefaults(),
	}

	persisted, err := meta.Load()
	if err != nil {
		return nil, err
	}

	segments := &immutable.SortedMap[uint64, *segmentEntry]{}
	var tailBase uint64
	haveTail := false

	for i, info := range persisted.Segments {
		if !info.Sealed {
			if i != len(persisted.Segments)-1 {
				return nil, fmt.Errorf("logbuffers: unsealed segment %d is not at tail of catalog", info.ID)
			}
			w, err := filer.Create(info)
			if err != nil {
				return nil, err
			}
			sw, ok := w.(*segment.Writer)
			if !ok {
				return nil, fmt.Errorf("logbuffers: SegmentFiler.Create must return a *segment.Writer")
			}
			entry := &segmentEntry{info: info, w: sw, rdr: segment.NewTailReader(info, sw)}
			segments = segments.Set(info.BaseIndex, entry)
			tailBase = info.BaseIndex
			haveTail = true
			continue
		}

		rf, err := filer.Open(info)
		if err != nil {
			return nil, err
		}
		entry := &segmentEntry{info: info, rdr: segment.NewSealedReader(info, rf)}
		segments = segments.Set(info.BaseIndex, entry)
	}

	if !haveTail {
		info := types.SegmentInfo{ID: persisted.NextSegmentID, BaseIndex: 0, MinIndex: 0}
		persisted.NextSegmentID++
		w, err := filer.Create(info)
		if err != nil {
			return nil, err
		}
		sw, ok := w.(*segment.Writer)
		if !ok {
			return nil, fmt.Errorf("logbuffers: SegmentFiler.Create must return a *segment.Writer")
		}
		entry := &segmentEntry{info: info, w: sw, rdr: segment.NewTailReader(info, sw)}
		segments = segments.Set(info.BaseIndex, entry)
		tailBase = info.BaseIndex

		if err := meta.Commit(types.PersistentState{NextSegmentID: persisted.NextSegmentID, Segments: []types.SegmentInfo{info}}); err != nil {
			return nil, err
		}
	}

	st.s.Store(&state{segments: segments, tailBaseIndex: tailBase, nextSegmentID: persisted.NextSegmentID})
	return st, nil
}

func (s *Store) loadState() *state { return s.s.Load().(*state) }

func (s *Store) checkClosed() error {
	if atomic.LoadUint32(&s.closed) != 0 {
		return types.ErrClosed
	}
	return nil
}

// Append assigns the next index to frame, durably appends it (to at
// least the OS page cache; fsync'd first if Options.SyncOnWrite is
// set), and returns the assigned index.
func (s *Store) Append(frame []byte) (uint64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	st := s.loadState()
	tail := st.tail()

	if _, err := tail.w.Append(frame); err != nil {
		return 0, err
	}
	if s.opts.SyncOnWrite {
		if err := tail.w.Sync(); err != nil {
			return 0, err
		}
	}

	index := tail.info.BaseIndex + uint64(tail.w.Len()) - 1

	if tail.w.Len() >= s.opts.LogsPerFile {
		if err := s.rotateLocked(st, tail, index); err != nil {
			return 0, err
		}
	}

	return index, nil
}

// rotateLocked seals the current tail (persisting its offset-index
// block and catalog entry) and opens a fresh one. Must be called with
// writeMu held.
func (s *Store) rotateLocked(st *state, tail *segmentEntry, lastIndex uint64) error {
	indexStart, err := tail.w.WriteIndexBlock()
	if err != nil {
		return err
	}
	sealedInfo := tail.info
	sealedInfo.Sealed = true
	sealedInfo.MaxIndex = lastIndex
	sealedInfo.IndexStart = indexStart
	sealedEntry := &segmentEntry{info: sealedInfo, rdr: segment.NewSealedReader(sealedInfo, tail.w)}

	newInfo := types.SegmentInfo{ID: st.nextSegmentID, BaseIndex: lastIndex + 1, MinIndex: lastIndex + 1}
	w, err := s.filer.Create(newInfo)
	if err != nil {
		return err
	}
	sw, ok := w.(*segment.Writer)
	if !ok {
		return fmt.Errorf("logbuffers: SegmentFiler.Create must return a *segment.Writer")
	}
	newEntry := &segmentEntry{info: newInfo, w: sw, rdr: segment.NewTailReader(newInfo, sw)}

	newSegments := st.segments.Set(sealedInfo.BaseIndex, sealedEntry).Set(newInfo.BaseIndex, newEntry)
	newState := &state{segments: newSegments, tailBaseIndex: newInfo.BaseIndex, nextSegmentID: st.nextSegmentID + 1}

	if err := s.meta.Commit(newState.persistent()); err != nil {
		return err
	}
	s.s.Store(newState)
	return nil
}

// Read returns the raw framed bytes at index, or found=false if index
// has not been written yet (index >= WriteIndex()).
func (s *Store) Read(index uint64) (frame []byte, found bool, err error) {
	if err := s.checkClosed(); err != nil {
		return nil, false, err
	}
	st := s.loadState()
	if index >= st.writeIndex() {
		return nil, false, nil
	}
	entry := st.findSegment(index)
	if entry == nil {
		return nil, false, fmt.Errorf("logbuffers: no segment covers index %d", index)
	}
	frame, err = entry.rdr.ReadFrame(index)
	if err != nil {
		return nil, false, err
	}
	return frame, true, nil
}

// PeekHeader returns only the type and timestamp at index, without
// reading its payload, so range scans can skip uninteresting records
// cheaply.
func (s *Store) PeekHeader(index uint64) (typ uint64, timestampMs int64, found bool, err error) {
	if err := s.checkClosed(); err != nil {
		return 0, 0, false, err
	}
	st := s.loadState()
	if index >= st.writeIndex() {
		return 0, 0, false, nil
	}
	entry := st.findSegment(index)
	if entry == nil {
		return 0, 0, false, fmt.Errorf("logbuffers: no segment covers index %d", index)
	}
	typ, timestampMs, err = entry.rdr.PeekHeader(index)
	if err != nil {
		return 0, 0, false, err
	}
	return typ, timestampMs, true, nil
}

// WriteIndex returns the next index that will be assigned.
func (s *Store) WriteIndex() (uint64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	return s.loadState().writeIndex(), nil
}

// Close releases all open segment file handles and the catalog
// database. Idempotent.
func (s *Store) Close() error {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	st := s.loadState()
	it := st.segments.Iterator()
	var firstErr error
	for !it.Done() {
		_, e, ok := it.Next()
		if !ok {
			break
		}
		var cerr error
		if e.w != nil {
			cerr = e.w.Close()
		} else {
			cerr = e.rdr.Close()
		}
		if cerr != nil && firstErr == nil {
			firstErr = cerr
		}
	}
	if err := s.meta.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
