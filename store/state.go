package store

import (
	"github.com/benbjohnson/immutable"

	"github.com/little-pan/logbuffers/segment"
	"github.com/little-pan/logbuffers/types"
)

// segmentEntry is one segment's live state: its catalog info plus
// whichever of a Writer (open tail) or Reader (sealed) is live for it.
// w is non-nil only for the unsealed tail; rdr is always set, to a
// tail Reader wrapping w for the tail and to a sealed Reader otherwise.
type segmentEntry struct {
	info types.SegmentInfo
	w    *segment.Writer // non-nil only for the unsealed tail
	rdr  *segment.Reader
}

// state is an immutable snapshot of the store's segment catalog,
// published via atomic.Value so readers never block the writer.
type state struct {
	segments      *immutable.SortedMap[uint64, *segmentEntry]
	tailBaseIndex uint64
	nextSegmentID uint64
}

func (s *state) tail() *segmentEntry {
	e, _ := s.segments.Get(s.tailBaseIndex)
	return e
}

// writeIndex is the next index that will be assigned.
func (s *state) writeIndex() uint64 {
	t := s.tail()
	if t == nil {
		return 0
	}
	return t.info.BaseIndex + uint64(t.w.Len())
}

// findSegment returns the entry with the greatest BaseIndex <= idx, or
// nil if none exists (idx before the first segment, or the catalog is
// empty).
func (s *state) findSegment(idx uint64) *segmentEntry {
	var best *segmentEntry
	it := s.segments.Iterator()
	for !it.Done() {
		_, e, ok := it.Next()
		if !ok {
			break
		}
		if e.info.BaseIndex > idx {
			break
		}
		best = e
	}
	return best
}

// persistent renders the in-memory catalog into the durable shape
// metadb.DB (or any types.MetaStore) commits.
func (s *state) persistent() types.PersistentState {
	ps := types.PersistentState{NextSegmentID: s.nextSegmentID}
	it := s.segments.Iterator()
	for !it.Done() {
		_, e, ok := it.Next()
		if !ok {
			break
		}
		ps.Segments = append(ps.Segments, e.info)
	}
	return ps
}
