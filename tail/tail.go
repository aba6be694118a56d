// Package tail implements a named, durable read cursor over a log,
// advanced only when its callback succeeds (at-least-once delivery).
// Two variants are implemented: the default whole-backlog tail, and a
// chunked variant that batches delivery into fixed wall-clock windows.
//
// Tail identity is always an explicit caller-supplied name: nothing
// here keys a tail by reflecting over its callback value.
package tail

import (
	"fmt"
	"time"

	"github.com/little-pan/logbuffers/types"
)

// Source is the read surface a TailRunner needs from its LogBuffer.
// Defined here (rather than depended on from the logbuffers package)
// to avoid an import cycle: logbuffers depends on tail, not vice versa.
type Source interface {
	// WriteIndex reports the store's current write index.
	WriteIndex() (uint64, error)
	// LatestRecord returns the most recently appended record, or
	// ok=false if the store is empty.
	LatestRecord() (rec types.Record, ok bool, err error)
	// SelectRange returns records with index in [fromIndex, toIndex),
	// optionally filtered to a single type tag (nil means all types).
	SelectRange(fromIndex, toIndex uint64, typeTag *uint64) ([]types.Record, error)
	// SelectForwardTyped scans forward from fromIndex for records with
	// timestamp in [fromTimeMs, toTimeMs], optionally filtered by type.
	SelectForwardTyped(fromIndex uint64, fromTimeMs, toTimeMs int64, typeTag *uint64) ([]types.Record, error)
}

// ProcessFunc delivers one batch to the tail's subscriber. A non-nil
// error leaves the cursor unadvanced; the same range (plus anything
// newly written) is redelivered on the next round.
type ProcessFunc func(batch []types.Record) error

// Tail describes one registered subscriber.
type Tail struct {
	// Name is this tail's stable identity; it derives the on-disk
	// cursor path (basePath/tails/<name>/).
	Name string
	// TypeTag restricts delivery to one registered type when non-nil.
	// nil means "all records".
	TypeTag *uint64
	// ChunkMs makes this a chunked tail when non-nil: records are
	// delivered in fixed chunkMs-aligned windows instead of whatever
	// has accumulated since the last round.
	ChunkMs *int64
	// Process is invoked with each batch. Required.
	Process ProcessFunc
}

// ForwardResult reports whether a round caught the tail up to the
// source's current tip.
type ForwardResult struct {
	ReachedTip bool
}

// Runner binds a Tail to its cursor store and Source and drives its
// delivery rounds.
type Runner struct {
	tail   Tail
	cursor *CursorStore
	source Source
	nowFn  func() int64 // overridable in tests; defaults to wall-clock ms
}

// NewRunner builds a Runner for tail, with its cursor persisted under
// cursorDir.
func NewRunner(t Tail, cursorDir string, source Source) (*Runner, error) {
	if t.Name == "" {
		return nil, fmt.Errorf("logbuffers: tail requires a non-empty Name: %w", types.ErrInvalidArgument)
	}
	if t.Process == nil {
		return nil, fmt.Errorf("logbuffers: tail %q requires a Process callback: %w", t.Name, types.ErrInvalidArgument)
	}
	cs, err := OpenCursorStore(cursorDir)
	if err != nil {
		return nil, err
	}
	return &Runner{
		tail:   t,
		cursor: cs,
		source: source,
		nowFn:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// ReadIndex reports the tail's persisted cursor.
func (r *Runner) ReadIndex() (uint64, error) { return r.cursor.ReadIndex() }

// Close releases the cursor's file handle. The cursor's value is left
// on disk so re-registering the same tail name resumes from it.
func (r *Runner) Close() error { return r.cursor.Close() }

// Forward runs one whole-backlog delivery round: everything appended
// since the last successful round is delivered in one batch.
func (r *Runner) Forward() (ForwardResult, error) {
	from, err := r.cursor.ReadIndex()
	if err != nil {
		return ForwardResult{}, err
	}
	to, err := r.source.WriteIndex()
	if err != nil {
		return ForwardResult{}, err
	}
	if from == to {
		return ForwardResult{ReachedTip: true}, nil
	}

	batch, err := r.source.SelectRange(from, to, r.tail.TypeTag)
	if err != nil {
		return ForwardResult{}, err
	}
	if err := r.tail.Process(batch); err != nil {
		return ForwardResult{}, fmt.Errorf("logbuffers: tail %q round failed: %w: %v", r.tail.Name, types.ErrTailFailure, err)
	}
	if err := r.cursor.Append(to); err != nil {
		return ForwardResult{}, err
	}
	return ForwardResult{ReachedTip: true}, nil
}

// RunChunked runs one chunked delivery round: records are grouped
// into the fixed chunkMs-aligned window that the oldest undelivered
// record falls into, and a window is only processed once it has
// fully closed (fixedTo <= now).
func (r *Runner) RunChunked() (ForwardResult, error) {
	if r.tail.ChunkMs == nil {
		return ForwardResult{}, fmt.Errorf("logbuffers: tail %q is not a chunked tail", r.tail.Name)
	}
	chunkMs := *r.tail.ChunkMs

	from, err := r.cursor.ReadIndex()
	if err != nil {
		return ForwardResult{}, err
	}
	latest, ok, err := r.source.LatestRecord()
	if err != nil {
		return ForwardResult{}, err
	}
	if !ok {
		return ForwardResult{}, nil
	}

	writeIndex, err := r.source.WriteIndex()
	if err != nil {
		return ForwardResult{}, err
	}
	current, err := r.source.SelectRange(from, writeIndex, nil)
	if err != nil {
		return ForwardResult{}, err
	}
	if len(current) == 0 {
		return ForwardResult{}, nil
	}

	firstTs := current[0].Timestamp
	fixedFrom := firstTs - (firstTs % chunkMs)
	fixedTo := fixedFrom + chunkMs - 1

	if fixedTo > r.nowFn() {
		// Window not fully closed yet; never process an incomplete
		// window.
		return ForwardResult{}, nil
	}

	batch, err := r.source.SelectForwardTyped(from, fixedFrom, fixedTo, r.tail.TypeTag)
	if err != nil {
		return ForwardResult{}, err
	}

	newCursor := writeIndex
	for _, rec := range current {
		if rec.Timestamp > fixedTo {
			newCursor = rec.Index
			break
		}
	}
	if len(batch) != 0 {
		newCursor = batch[len(batch)-1].Index + 1
	}

	if err := r.tail.Process(batch); err != nil {
		return ForwardResult{}, fmt.Errorf("logbuffers: tail %q round failed: %w: %v", r.tail.Name, types.ErrTailFailure, err)
	}
	if err := r.cursor.Append(newCursor); err != nil {
		return ForwardResult{}, err
	}

	reachedTip := newCursor >= writeIndex
	if len(batch) != 0 {
		reachedTip = batch[len(batch)-1].Timestamp >= latest.Timestamp
	}
	return ForwardResult{ReachedTip: reachedTip}, nil
}

// Run dispatches to Forward or RunChunked depending on whether this
// tail was registered with a ChunkMs.
func (r *Runner) Run() (ForwardResult, error) {
	if r.tail.ChunkMs != nil {
		return r.RunChunked()
	}
	return r.Forward()
}
