// Package dateranges implements a pure index↔time bucketing scheme.
// It holds no state beyond the configured Interval and never touches
// disk; it correlates a wall-clock interval with a
// *nominal* contiguous index range used for chunk alignment and
// observability, not for direct positional reads.
package dateranges

import (
	"fmt"
	"time"
)

// Interval is one of the four supported bucketing granularities.
type Interval int64

// MaxIndexPerMs is the reserved (not actual) index capacity scaling
// factor used to derive IndexesPerInterval. It does not constrain
// actual append rates.
const MaxIndexPerMs = 1000

const (
	Secondly Interval = int64(time.Second / time.Millisecond)
	Minutely Interval = int64(time.Minute / time.Millisecond)
	Hourly   Interval = int64(time.Hour / time.Millisecond)
	Daily    Interval = 24 * int64(time.Hour/time.Millisecond)
)

// IntervalMs returns the interval's length in milliseconds.
func (iv Interval) IntervalMs() int64 { return int64(iv) }

// IndexesPerInterval is the nominal index capacity reserved per
// interval: intervalMs * MaxIndexPerMs.
func (iv Interval) IndexesPerInterval() uint64 {
	return uint64(iv.IntervalMs()) * MaxIndexPerMs
}

// IndexBounds returns the nominal [fromIndex, toIndex] bucket that
// timeMs falls into.
func (iv Interval) IndexBounds(timeMs int64) (fromIndex, toIndex uint64) {
	intervalMs := iv.IntervalMs()
	per := iv.IndexesPerInterval()
	fromIndex = uint64(timeMs/intervalMs) * per
	toIndex = uint64((timeMs+intervalMs)/intervalMs)*per - 1
	return fromIndex, toIndex
}

// StartTime returns the wall-clock time, in milliseconds, at which the
// bucket containing index begins.
func (iv Interval) StartTime(index uint64) int64 {
	per := iv.IndexesPerInterval()
	bucket := (index - (index % per)) / per
	return int64(bucket) * iv.IntervalMs()
}

// FormatStart renders the start time of index's bucket in the
// interval-appropriate GMT format.
func (iv Interval) FormatStart(index uint64) string {
	t := time.UnixMilli(iv.StartTime(index)).UTC()
	switch iv {
	case Secondly:
		return t.Format("2006-01-02-15-04-05-MST")
	case Minutely:
		return t.Format("2006-01-02-15-04-MST")
	case Hourly:
		return t.Format("2006-01-02-15-MST")
	case Daily:
		return t.Format("2006-01-02")
	default:
		return fmt.Sprintf("invalid-interval-%d", int64(iv))
	}
}

// String names the interval for logging/observability.
func (iv Interval) String() string {
	switch iv {
	case Secondly:
		return "secondly"
	case Minutely:
		return "minutely"
	case Hourly:
		return "hourly"
	case Daily:
		return "daily"
	default:
		return fmt.Sprintf("Interval(%d)", int64(iv))
	}
}
