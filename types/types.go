// Package types holds the vocabulary shared across logbuffers'
// sub-packages: the on-disk Record shape, the sentinel errors every
// layer returns, and the small interfaces that let the store and
// metadb packages be assembled independently of each other.
package types

import (
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a positional read addresses an index
	// that has never been written.
	ErrNotFound = errors.New("logbuffers: record not found")
	// ErrCorrupt is returned when a frame's length prefix disagrees with
	// the bytes actually available for it.
	ErrCorrupt = errors.New("logbuffers: corrupt frame")
	// ErrSealed names a segment that no longer accepts appends. No
	// package in this module returns it: segment.Writer has no capacity
	// limit, and store.Store rolls to a new segment once the open one
	// holds LogsPerFile records.
	ErrSealed = errors.New("logbuffers: segment sealed")
	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = errors.New("logbuffers: closed")
	// ErrOutOfRange names an index outside the store's current bounds.
	// No package in this module returns it: reads past the write index
	// report found=false, and index scans stop there.
	ErrOutOfRange = errors.New("logbuffers: index out of range")
	// ErrInvalidArgument is returned for malformed ranges, e.g. fromIndex
	// greater than toIndex.
	ErrInvalidArgument = errors.New("logbuffers: invalid argument")
	// ErrNoEncoder is returned by a SerializerRegistry when no encoder is
	// registered for a value's concrete type.
	ErrNoEncoder = errors.New("logbuffers: no encoder registered")
	// ErrNoDecoder is returned by a SerializerRegistry when no decoder is
	// registered for a type tag.
	ErrNoDecoder = errors.New("logbuffers: no decoder registered")
	// ErrMissingDecoder is surfaced from a typed scan when a record's
	// type tag has no registered decoder.
	ErrMissingDecoder = errors.New("logbuffers: missing decoder for type tag")
	// ErrTailFailure wraps an uncaught error from a tail's process
	// callback; the cursor is never advanced when this is returned.
	ErrTailFailure = errors.New("logbuffers: tail callback failed")
)

// RawType is the type tag reserved for untagged byte payloads. Every
// other value refers to an entry registered with a SerializerRegistry.
const RawType uint64 = 0

// Record is one framed entry in the log, addressed by Index.
type Record struct {
	Type      uint64
	Timestamp int64 // milliseconds since epoch
	Index     uint64
	Payload   []byte
}

// SegmentInfo describes one segment file tracked by a MetaStore.
type SegmentInfo struct {
	ID         uint64
	BaseIndex  uint64
	MinIndex   uint64
	MaxIndex   uint64 // 0 while the segment is still the open tail
	IndexStart uint32 // byte offset of the on-disk offset index, 0 while unsealed
	Sealed     bool
}

// ReadableFile is the minimal read surface a sealed segment needs.
type ReadableFile interface {
	io.ReaderAt
	io.Closer
}

// WritableFile is the surface an open segment tail needs: it is both
// written to sequentially and read back positionally by concurrent
// readers.
type WritableFile interface {
	io.ReaderAt
	io.Closer
	Append(frame []byte) (offset uint32, err error)
	Sync() error
	// Len reports how many records have been appended to this segment.
	Len() int
}

// SegmentFiler creates, opens, and deletes the on-disk files backing
// segments. It is the file-system boundary that store.Store depends on;
// store.Store requires Create to return a *segment.Writer.
type SegmentFiler interface {
	Create(info SegmentInfo) (WritableFile, error)
	Open(info SegmentInfo) (ReadableFile, error)
	Delete(id uint64) error
}

// MetaStore persists the segment catalog: which segments exist, their
// base/min/max index bounds, and which one is still open for writes.
type MetaStore interface {
	// Load returns the persisted catalog, or an empty one if none exists
	// yet.
	Load() (PersistentState, error)
	// Commit durably replaces the persisted catalog.
	Commit(PersistentState) error
	Close() error
}

// PersistentState is the durable shape of a segment catalog.
type PersistentState struct {
	NextSegmentID uint64
	Segments      []SegmentInfo
}
