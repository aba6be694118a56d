// Package logbuffers implements an embedded, single-process,
// append-only log store for streaming data (components A-G): LogBuffer
// orchestrates a SegmentedStore and an injected SerializerRegistry,
// exposing append, positional/time-range/typed scans, and a tail
// subsystem of durable, scheduled read cursors.
package logbuffers

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/little-pan/logbuffers/codec"
	"github.com/little-pan/logbuffers/dateranges"
	"github.com/little-pan/logbuffers/metadb"
	"github.com/little-pan/logbuffers/registry"
	"github.com/little-pan/logbuffers/scheduler"
	"github.com/little-pan/logbuffers/store"
	"github.com/little-pan/logbuffers/tail"
	"github.com/little-pan/logbuffers/types"
)

var (
	ErrNotFound        = types.ErrNotFound
	ErrCorrupt         = types.ErrCorrupt
	ErrClosed          = types.ErrClosed
	ErrOutOfRange      = types.ErrOutOfRange
	ErrInvalidArgument = types.ErrInvalidArgument
	ErrNoEncoder       = types.ErrNoEncoder
	ErrNoDecoder       = types.ErrNoDecoder
	ErrMissingDecoder  = types.ErrMissingDecoder
	ErrTailFailure     = types.ErrTailFailure
)

// ForwardResult reports whether a tail round caught up to the buffer's
// current write index.
type ForwardResult struct {
	ReachedTip bool
}

// Tail describes a subscriber registered against a LogBuffer. Name is
// the tail's stable identity: keys are always supplied explicitly,
// never inferred from the callback.
type Tail struct {
	Name    string
	TypeTag *uint64
	ChunkMs *int64
	Process func(batch []types.Record) error
}

// Option configures a LogBuffer at Open time.
type Option func(*options)

type options struct {
	logsPerFile int
	syncOnWrite bool
	dateRange   dateranges.Interval
	registry    registry.Registry
	logger      log.Logger
	reg         prometheus.Registerer
}

// WithLogsPerFile overrides the default segment size in records.
func WithLogsPerFile(n int) Option { return func(o *options) { o.logsPerFile = n } }

// WithSyncOnWrite forces an fsync after every append.
func WithSyncOnWrite(sync bool) Option { return func(o *options) { o.syncOnWrite = sync } }

// WithDateRange sets the bucketing interval kept in the buffer's options
// (default dateranges.Hourly). No LogBuffer operation reads it: chunked
// tails align their windows on their own ChunkMs, and no metric is
// labeled by it.
func WithDateRange(iv dateranges.Interval) Option { return func(o *options) { o.dateRange = iv } }

// WithRegistry injects the SerializerRegistry used to resolve typed
// writes and typed scans.
func WithRegistry(r registry.Registry) Option { return func(o *options) { o.registry = r } }

// WithLogger sets the logger used for background scheduler failures.
func WithLogger(l log.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegisterer sets the Prometheus registerer metrics are registered
// against. Defaults to a fresh, unshared prometheus.NewRegistry() per
// LogBuffer so that opening more than one buffer in the same process
// (e.g. in tests) never collides on duplicate metric registration.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.reg = r } }

func (o *options) withDefaults() {
	if o.logsPerFile <= 0 {
		o.logsPerFile = 32767
	}
	if o.dateRange == 0 {
		o.dateRange = dateranges.Hourly
	}
	if o.logger == nil {
		o.logger = log.NewNopLogger()
	}
	if o.reg == nil {
		o.reg = prometheus.NewRegistry()
	}
}

// LogBuffer is the top-level orchestrator: it owns the SegmentedStore
// and an injected SerializerRegistry, and manages a set of registered
// tails bound to the shared Scheduler.
type LogBuffer struct {
	basePath string
	opts     options

	store *store.Store
	reg   registry.Registry

	metrics *bufferMetrics
	logger  log.Logger

	closed uint32

	// writeMu serializes appends and enforces non-decreasing timestamps;
	// readMu serializes scans. Two disjoint locks so
	// writers and readers make independent progress.
	writeMu          sync.Mutex
	lastWrittenStamp int64
	readMu           sync.Mutex

	sched *scheduler.Scheduler

	tailsMu sync.Mutex
	tails   map[string]*tail.Runner
}

// Open opens or creates a LogBuffer rooted at basePath, recovering the
// underlying store from basePath/data if it already exists.
func Open(basePath string, opts ...Option) (*LogBuffer, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.withDefaults()

	dataDir := filepath.Join(basePath, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("logbuffers: creating data dir: %w", err)
	}
	meta, err := metadb.Open(dataDir)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(dataDir, nil, meta, store.Options{
		LogsPerFile: o.logsPerFile,
		SyncOnWrite: o.syncOnWrite,
	})
	if err != nil {
		return nil, err
	}

	lb := &LogBuffer{
		basePath: basePath,
		opts:     o,
		store:    st,
		reg:      o.registry,
		metrics:  newBufferMetrics(o.reg),
		logger:   o.logger,
		sched:    scheduler.New(o.logger),
		tails:    make(map[string]*tail.Runner),
	}
	return lb, nil
}

func (lb *LogBuffer) checkClosed() error {
	if atomic.LoadUint32(&lb.closed) != 0 {
		return types.ErrClosed
	}
	return nil
}

// Write appends a raw byte payload (type tag 0) and returns the
// assigned record.
func (lb *LogBuffer) Write(payload []byte) (types.Record, error) {
	return lb.writeFramed(types.RawType, payload)
}

// WriteTyped encodes v through the injected registry and appends the
// result. Returns ErrNoEncoder if v's type is unregistered, or if no
// registry was configured.
func (lb *LogBuffer) WriteTyped(v any) (types.Record, error) {
	if lb.reg == nil {
		return types.Record{}, fmt.Errorf("logbuffers: no registry configured: %w", types.ErrNoEncoder)
	}
	tag, data, err := lb.reg.EncodeValue(v)
	if err != nil {
		return types.Record{}, err
	}
	if tag == types.RawType {
		return types.Record{}, fmt.Errorf("logbuffers: encoder returned reserved raw tag 0: %w", types.ErrInvalidArgument)
	}
	return lb.writeFramed(tag, data)
}

func (lb *LogBuffer) writeFramed(typ uint64, payload []byte) (types.Record, error) {
	if err := lb.checkClosed(); err != nil {
		return types.Record{}, err
	}
	lb.writeMu.Lock()
	defer lb.writeMu.Unlock()

	now := time.Now().UnixMilli()
	if now < lb.lastWrittenStamp {
		now = lb.lastWrittenStamp
	}

	frame, err := codec.Encode(typ, now, payload)
	if err != nil {
		return types.Record{}, err
	}
	index, err := lb.store.Append(frame)
	if err != nil {
		return types.Record{}, err
	}
	lb.lastWrittenStamp = now
	lb.metrics.appends.Inc()
	lb.metrics.bytesWritten.Add(float64(len(payload)))
	lb.metrics.recordLatency(time.Since(time.UnixMilli(now)))

	return types.Record{Type: typ, Timestamp: now, Index: index, Payload: payload}, nil
}

// WriteIndex reports the next index that will be assigned.
func (lb *LogBuffer) WriteIndex() (uint64, error) {
	if err := lb.checkClosed(); err != nil {
		return 0, err
	}
	return lb.store.WriteIndex()
}

// Closed reports whether Close has already been called.
func (lb *LogBuffer) Closed() bool {
	return atomic.LoadUint32(&lb.closed) != 0
}

// LatestRecord returns the most recently appended record, or
// ok=false if the buffer is empty. Implements tail.Source.
func (lb *LogBuffer) LatestRecord() (types.Record, bool, error) {
	if err := lb.checkClosed(); err != nil {
		return types.Record{}, false, err
	}
	wi, err := lb.store.WriteIndex()
	if err != nil {
		return types.Record{}, false, err
	}
	if wi == 0 {
		return types.Record{}, false, nil
	}
	rec, found, err := lb.readAt(wi - 1)
	if err != nil || !found {
		return types.Record{}, false, err
	}
	return rec, true, nil
}

func (lb *LogBuffer) readAt(index uint64) (types.Record, bool, error) {
	frame, found, err := lb.store.Read(index)
	if err != nil || !found {
		return types.Record{}, found, err
	}
	rec, err := codec.ToRecord(index, frame)
	if err != nil {
		return types.Record{}, false, err
	}
	lb.metrics.entriesRead.Inc()
	return rec, true, nil
}

// Select returns records with index in [fromIndex, toIndex). Records
// not yet written (the tail of the store, or beyond writeIndex) stop
// the scan cleanly rather than erroring.
func (lb *LogBuffer) Select(fromIndex, toIndex uint64) ([]types.Record, error) {
	return lb.SelectTagged(fromIndex, toIndex, nil)
}

// SelectTagged is Select restricted to a single type tag when typeTag
// is non-nil. SelectRange exposes it to tail.Source.
func (lb *LogBuffer) SelectTagged(fromIndex, toIndex uint64, typeTag *uint64) ([]types.Record, error) {
	if err := lb.checkClosed(); err != nil {
		return nil, err
	}
	if fromIndex > toIndex {
		return nil, fmt.Errorf("logbuffers: fromIndex %d > toIndex %d: %w", fromIndex, toIndex, types.ErrInvalidArgument)
	}
	lb.readMu.Lock()
	defer lb.readMu.Unlock()

	var out []types.Record
	for i := fromIndex; i < toIndex; i++ {
		rec, found, err := lb.readAt(i)
		if err != nil {
			return nil, err
		}
		if !found {
			break
		}
		if typeTag == nil || rec.Type == *typeTag {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SelectRange is the tail.Source-shaped alias for SelectTagged, used
// by Runner to avoid depending on the logbuffers package directly.
func (lb *LogBuffer) SelectRange(fromIndex, toIndex uint64, typeTag *uint64) ([]types.Record, error) {
	return lb.SelectTagged(fromIndex, toIndex, typeTag)
}

// SelectForward starts scanning at fromIndex (or writeIndex-1 if
// fromIndex is nil) and walks forward through increasing indices,
// collecting records whose timestamp falls in [fromTimeMs, toTimeMs],
// stopping as soon as a timestamp exceeds toTimeMs.
func (lb *LogBuffer) SelectForward(fromIndex *uint64, fromTimeMs, toTimeMs int64) ([]types.Record, error) {
	start := uint64(0)
	if fromIndex != nil {
		start = *fromIndex
	} else {
		wi, err := lb.WriteIndex()
		if err != nil {
			return nil, err
		}
		if wi == 0 {
			return nil, nil
		}
		start = wi - 1
	}
	return lb.SelectForwardTyped(start, fromTimeMs, toTimeMs, nil)
}

// SelectForwardTyped is SelectForward filtered to a single type tag,
// with a required start index. Implements tail.Source.
func (lb *LogBuffer) SelectForwardTyped(fromIndex uint64, fromTimeMs, toTimeMs int64, typeTag *uint64) ([]types.Record, error) {
	if err := lb.checkClosed(); err != nil {
		return nil, err
	}
	if fromTimeMs > toTimeMs {
		return nil, fmt.Errorf("logbuffers: fromTimeMs %d > toTimeMs %d: %w", fromTimeMs, toTimeMs, types.ErrInvalidArgument)
	}
	lb.readMu.Lock()
	defer lb.readMu.Unlock()

	wi, err := lb.store.WriteIndex()
	if err != nil {
		return nil, err
	}
	if wi == 0 {
		return nil, nil
	}
	start := fromIndex

	var out []types.Record
	for i := start; i < wi; i++ {
		typ, ts, found, err := lb.store.PeekHeader(i)
		if err != nil {
			return nil, err
		}
		if !found {
			break
		}
		if ts > toTimeMs {
			break
		}
		if ts < fromTimeMs {
			continue
		}
		if typeTag != nil && typ != *typeTag {
			continue
		}
		rec, found, err := lb.readAt(i)
		if err != nil {
			return nil, err
		}
		if !found {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

// SelectBackward scans backward from writeIndex-1, prepending matches,
// stopping once a timestamp falls below fromTimeMs. The result is in
// ascending-time order.
func (lb *LogBuffer) SelectBackward(fromTimeMs, toTimeMs int64) ([]types.Record, error) {
	if err := lb.checkClosed(); err != nil {
		return nil, err
	}
	if fromTimeMs > toTimeMs {
		return nil, fmt.Errorf("logbuffers: fromTimeMs %d > toTimeMs %d: %w", fromTimeMs, toTimeMs, types.ErrInvalidArgument)
	}
	lb.readMu.Lock()
	defer lb.readMu.Unlock()

	wi, err := lb.store.WriteIndex()
	if err != nil {
		return nil, err
	}
	if wi == 0 {
		return nil, nil
	}

	var out []types.Record
	for i := wi - 1; ; i-- {
		_, ts, found, err := lb.store.PeekHeader(i)
		if err != nil {
			return nil, err
		}
		if found {
			if ts < fromTimeMs {
				break
			}
			if ts <= toTimeMs {
				rec, found, err := lb.readAt(i)
				if err != nil {
					return nil, err
				}
				if found {
					out = append([]types.Record{rec}, out...)
				}
			}
		}
		if i == 0 {
			break
		}
	}
	return out, nil
}

// SelectTyped filters Select to records whose type tag resolves (via
// the injected registry) to exactly sample's Go type; raw records
// (type 0) are included only when sample is itself the raw payload
// type ([]byte).
func (lb *LogBuffer) SelectTyped(fromIndex, toIndex uint64, sample any) ([]types.Record, []any, error) {
	if lb.reg == nil {
		return nil, nil, fmt.Errorf("logbuffers: no registry configured: %w", types.ErrNoDecoder)
	}
	recs, err := lb.Select(fromIndex, toIndex)
	if err != nil {
		return nil, nil, err
	}
	want := reflect.TypeOf(sample)
	wantRaw := want == reflect.TypeOf([]byte(nil))
	var outRecs []types.Record
	var outVals []any
	for _, rec := range recs {
		if rec.Type == types.RawType {
			if wantRaw {
				outRecs = append(outRecs, rec)
				outVals = append(outVals, rec.Payload)
			}
			continue
		}
		cls, ok := lb.reg.ClassFor(rec.Type)
		if !ok {
			return nil, nil, fmt.Errorf("logbuffers: record %d has unregistered type tag %d: %w", rec.Index, rec.Type, types.ErrMissingDecoder)
		}
		if cls != want {
			continue
		}
		v, err := lb.reg.DecodeValue(rec.Type, rec.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("logbuffers: decoding record %d: %w", rec.Index, types.ErrMissingDecoder)
		}
		outRecs = append(outRecs, rec)
		outVals = append(outVals, v)
	}
	return outRecs, outVals, nil
}

// GetNextOfType scans headers only, starting at fromIndex, and returns
// the first record whose type tag equals typeTag.
func (lb *LogBuffer) GetNextOfType(typeTag uint64, fromIndex uint64) (types.Record, bool, error) {
	if err := lb.checkClosed(); err != nil {
		return types.Record{}, false, err
	}
	lb.readMu.Lock()
	defer lb.readMu.Unlock()

	wi, err := lb.store.WriteIndex()
	if err != nil {
		return types.Record{}, false, err
	}
	for i := fromIndex; i < wi; i++ {
		typ, _, found, err := lb.store.PeekHeader(i)
		if err != nil {
			return types.Record{}, false, err
		}
		if !found {
			break
		}
		if typ == typeTag {
			rec, found, err := lb.readAt(i)
			return rec, found, err
		}
	}
	return types.Record{}, false, nil
}

// registerTail creates the named tail's Runner if it doesn't already
// exist. Registering a second tail with the same name is a no-op: the
// existing Runner is returned.
func (lb *LogBuffer) registerTail(t Tail) (*tail.Runner, error) {
	if t.Name == "" {
		return nil, fmt.Errorf("logbuffers: tail requires a non-empty Name: %w", types.ErrInvalidArgument)
	}
	lb.tailsMu.Lock()
	defer lb.tailsMu.Unlock()

	if r, exists := lb.tails[t.Name]; exists {
		return r, nil
	}

	cursorDir := filepath.Join(lb.basePath, "tails", t.Name)
	r, err := tail.NewRunner(tail.Tail{
		Name:    t.Name,
		TypeTag: t.TypeTag,
		ChunkMs: t.ChunkMs,
		Process: t.Process,
	}, cursorDir, lb)
	if err != nil {
		return nil, err
	}
	lb.tails[t.Name] = r
	return r, nil
}

// Forward creates the tail if absent, then synchronously runs one
// delivery round.
func (lb *LogBuffer) Forward(t Tail) (ForwardResult, error) {
	if err := lb.checkClosed(); err != nil {
		return ForwardResult{}, err
	}
	r, err := lb.registerTail(t)
	if err != nil {
		return ForwardResult{}, err
	}
	res, err := r.Run()
	lb.metrics.recordTailRound(t.Name, err)
	if err == nil {
		if idx, idxErr := r.ReadIndex(); idxErr == nil {
			lb.metrics.tailCursor.WithLabelValues(t.Name).Set(float64(idx))
		}
	}
	return ForwardResult(res), err
}

// ScheduleFixedDelay creates the tail if absent and runs rounds with
// the given inter-round delay under the shared scheduler.
func (lb *LogBuffer) ScheduleFixedDelay(t Tail, delay time.Duration) error {
	if err := lb.checkClosed(); err != nil {
		return err
	}
	r, err := lb.registerTail(t)
	if err != nil {
		return err
	}
	lb.sched.Schedule(t.Name, delay, func() (bool, error) {
		res, err := r.Run()
		lb.metrics.recordTailRound(t.Name, err)
		if err != nil {
			level.Error(lb.logger).Log("msg", "tail round failed", "tail", t.Name, "err", err)
			return res.ReachedTip, err
		}
		if idx, idxErr := r.ReadIndex(); idxErr == nil {
			lb.metrics.tailCursor.WithLabelValues(t.Name).Set(float64(idx))
		}
		return res.ReachedTip, err
	})
	return nil
}

// ScheduleChunked creates the tail if absent, as a chunked tail, and
// runs rounds with the given inter-round delay.
func (lb *LogBuffer) ScheduleChunked(t Tail, chunkMs int64, delay time.Duration) error {
	t.ChunkMs = &chunkMs
	return lb.ScheduleFixedDelay(t, delay)
}

// Cancel stops the named tail's scheduled task. The cursor file is
// retained so re-registration resumes from it.
func (lb *LogBuffer) Cancel(name string, mayInterruptIfRunning bool) {
	lb.sched.Cancel(name, mayInterruptIfRunning)
}

// ReadIndex reports the named tail's persisted cursor. The tail must
// already have been registered via Forward/ScheduleFixedDelay/
// ScheduleChunked.
func (lb *LogBuffer) ReadIndex(name string) (uint64, error) {
	lb.tailsMu.Lock()
	r, ok := lb.tails[name]
	lb.tailsMu.Unlock()
	if !ok {
		return 0, fmt.Errorf("logbuffers: tail %q is not registered: %w", name, types.ErrNotFound)
	}
	return r.ReadIndex()
}

// Close cancels the scheduler (and with it every scheduled tail),
// closes each tail's cursor store, then closes the underlying
// SegmentedStore, so tails are always torn down before the store is
// released. Idempotent.
func (lb *LogBuffer) Close() error {
	if !atomic.CompareAndSwapUint32(&lb.closed, 0, 1) {
		return nil
	}
	lb.sched.Close()

	lb.tailsMu.Lock()
	var firstErr error
	for _, r := range lb.tails {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	lb.tails = nil
	lb.tailsMu.Unlock()

	if err := lb.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
