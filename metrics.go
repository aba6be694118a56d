package logbuffers

import (
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// bufferMetrics are the Prometheus counters/gauges exposed by a
// LogBuffer, plus an HdrHistogram snapshot of append latency kept
// in-process for callers that want percentile detail without a
// Prometheus scrape (the bench harness uses this directly).
type bufferMetrics struct {
	appends      prometheus.Counter
	bytesWritten prometheus.Counter
	entriesRead  prometheus.Counter
	tailRounds   *prometheus.CounterVec
	tailFailures *prometheus.CounterVec
	tailCursor   *prometheus.GaugeVec

	latencyMu sync.Mutex
	latency   *hdrhistogram.Histogram
}

func newBufferMetrics(reg prometheus.Registerer) *bufferMetrics {
	return &bufferMetrics{
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logbuffer_appends_total",
			Help: "Number of records appended.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logbuffer_append_bytes_total",
			Help: "Payload bytes appended, before framing overhead.",
		}),
		entriesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "logbuffer_reads_total",
			Help: "Number of records read back, across positional and scan reads.",
		}),
		tailRounds: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "logbuffer_tail_rounds_total",
			Help: "Delivery rounds run per tail.",
		}, []string{"tail"}),
		tailFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "logbuffer_tail_failures_total",
			Help: "Delivery rounds whose callback returned an error, per tail.",
		}, []string{"tail"}),
		tailCursor: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "logbuffer_tail_cursor",
			Help: "Most recently persisted read cursor, per tail.",
		}, []string{"tail"}),
		// 1us-1min range at 3 significant figures, the precision the
		// teacher's go.mod pulls in HdrHistogram for but never wires an
		// instance of in the excerpted files.
		latency: hdrhistogram.New(1, int64(time.Minute/time.Microsecond), 3),
	}
}

func (m *bufferMetrics) recordLatency(d time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	// A clamped timestamp (non-decreasing assignment after the wall
	// clock moved back) can put the record's stamp after time.Now(),
	// giving a negative duration; clamp it to zero rather than error.
	us := d.Microseconds()
	if us < 0 {
		us = 0
	}
	_ = m.latency.RecordValue(us)
}

// LatencySnapshot reports append-latency percentiles, in microseconds,
// observed since the buffer was opened.
type LatencySnapshot struct {
	P50, P90, P99, Max int64
}

// AppendLatency returns a snapshot of the HdrHistogram tracking this
// buffer's append latency.
func (lb *LogBuffer) AppendLatency() LatencySnapshot {
	lb.metrics.latencyMu.Lock()
	defer lb.metrics.latencyMu.Unlock()
	h := lb.metrics.latency
	return LatencySnapshot{
		P50: h.ValueAtQuantile(50),
		P90: h.ValueAtQuantile(90),
		P99: h.ValueAtQuantile(99),
		Max: h.Max(),
	}
}

func (m *bufferMetrics) recordTailRound(name string, err error) {
	m.tailRounds.WithLabelValues(name).Inc()
	if err != nil {
		m.tailFailures.WithLabelValues(name).Inc()
	}
}
