package logbuffers_test

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logbuffers "github.com/little-pan/logbuffers"
	"github.com/little-pan/logbuffers/registry"
	"github.com/little-pan/logbuffers/types"
)

func openBuffer(t *testing.T, opts ...logbuffers.Option) *logbuffers.LogBuffer {
	t.Helper()
	lb, err := logbuffers.Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { lb.Close() })
	return lb
}

func TestAppendReadRoundTrip(t *testing.T) {
	lb := openBuffer(t)

	var last int64
	for _, p := range [][]byte{[]byte("x"), []byte("y"), []byte("z")} {
		rec, err := lb.Write(p)
		require.NoError(t, err)
		require.GreaterOrEqual(t, rec.Timestamp, last)
		last = rec.Timestamp
	}

	recs, err := lb.Select(0, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, []byte("x"), recs[0].Payload)
	require.Equal(t, []byte("y"), recs[1].Payload)
	require.Equal(t, []byte("z"), recs[2].Payload)
	require.Equal(t, uint64(0), recs[0].Index)
	require.Equal(t, uint64(2), recs[2].Index)
}

func TestConcurrentWritersSingleSequentialReader(t *testing.T) {
	lb := openBuffer(t)

	const n = 2000 // scaled down from a much larger concurrent-writer load for test speed
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := lb.Write([]byte("abcd"))
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	wi, err := lb.WriteIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(n), wi)

	recs, err := lb.Select(0, wi)
	require.NoError(t, err)
	require.Len(t, recs, n)
	var lastTs int64
	for i, r := range recs {
		require.Equal(t, uint64(i), r.Index)
		require.GreaterOrEqual(t, r.Timestamp, lastTs)
		lastTs = r.Timestamp
	}
}

type typeA struct{ V string }
type typeB struct{ V string }

func TestTypeIsolation(t *testing.T) {
	reg, err := registry.NewStaticRegistry(
		registry.Descriptor{
			Tag:  123,
			Type: reflect.TypeOf(typeA{}),
			Encode: func(v any) ([]byte, error) {
				return []byte(v.(typeA).V), nil
			},
			Decode: func(data []byte) (any, error) { return typeA{V: string(data)}, nil },
		},
		registry.Descriptor{
			Tag:  124,
			Type: reflect.TypeOf(typeB{}),
			Encode: func(v any) ([]byte, error) {
				return []byte(v.(typeB).V), nil
			},
			Decode: func(data []byte) (any, error) { return typeB{V: string(data)}, nil },
		},
	)
	require.NoError(t, err)

	lb := openBuffer(t, logbuffers.WithRegistry(reg))

	_, err = lb.WriteTyped(typeA{V: "a1"})
	require.NoError(t, err)
	_, err = lb.WriteTyped(typeB{V: "b1"})
	require.NoError(t, err)
	_, err = lb.WriteTyped(typeA{V: "a2"})
	require.NoError(t, err)
	_, err = lb.WriteTyped(typeB{V: "b2"})
	require.NoError(t, err)

	tagA := uint64(123)
	aRecs, err := lb.SelectTagged(0, 4, &tagA)
	require.NoError(t, err)
	require.Len(t, aRecs, 2)

	tagB := uint64(124)
	bRecs, err := lb.SelectTagged(0, 4, &tagB)
	require.NoError(t, err)
	require.Len(t, bRecs, 2)

	all, err := lb.Select(0, 4)
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestTailRetryAfterFailure(t *testing.T) {
	lb := openBuffer(t)

	_, err := lb.Write([]byte("r1"))
	require.NoError(t, err)
	_, err = lb.Write([]byte("r2"))
	require.NoError(t, err)

	calls := 0
	var seen [][]types.Record
	tl := logbuffers.Tail{
		Name: "retrying",
		Process: func(batch []types.Record) error {
			calls++
			b := make([]types.Record, len(batch))
			copy(b, batch)
			seen = append(seen, b)
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		},
	}

	_, err = lb.Forward(tl)
	require.ErrorIs(t, err, types.ErrTailFailure)
	_, err = lb.Forward(tl)
	require.ErrorIs(t, err, types.ErrTailFailure)
	res, err := lb.Forward(tl)
	require.NoError(t, err)
	require.True(t, res.ReachedTip)

	require.Equal(t, 3, calls)
	for _, batch := range seen {
		require.Len(t, batch, 2)
	}

	idx, err := lb.ReadIndex("retrying")
	require.NoError(t, err)
	require.Equal(t, uint64(2), idx)
}

func TestBackwardTimeScan(t *testing.T) {
	lb := openBuffer(t)

	// Write 5 records through the normal append path, spaced out with
	// real sleeps, and exercise SelectBackward against whatever real
	// timestamps Write assigns; the buffer offers no way to set them.
	var stamps []int64
	for i := 0; i < 5; i++ {
		rec, err := lb.Write([]byte(fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
		stamps = append(stamps, rec.Timestamp)
		time.Sleep(2 * time.Millisecond)
	}

	recs, err := lb.SelectBackward(stamps[1], stamps[3])
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(recs), 3)
	for i := 1; i < len(recs); i++ {
		require.LessOrEqual(t, recs[i-1].Timestamp, recs[i].Timestamp)
	}
	for _, r := range recs {
		require.GreaterOrEqual(t, r.Timestamp, stamps[1])
		require.LessOrEqual(t, r.Timestamp, stamps[3])
	}
}

func TestChunkedTailWindow(t *testing.T) {
	lb := openBuffer(t)

	chunkMs := int64(1000)
	var delivered [][]types.Record
	tl := logbuffers.Tail{
		Name:    "chunked",
		ChunkMs: &chunkMs,
		Process: func(batch []types.Record) error {
			b := make([]types.Record, len(batch))
			copy(b, batch)
			delivered = append(delivered, b)
			return nil
		},
	}

	// Start in the first half of a window so all three writes share it.
	for time.Now().UnixMilli()%chunkMs >= chunkMs/2 {
		time.Sleep(time.Millisecond)
	}
	var firstTs int64
	for i := 0; i < 3; i++ {
		rec, err := lb.Write([]byte("p"))
		require.NoError(t, err)
		if i == 0 {
			firstTs = rec.Timestamp
		}
	}
	// A chunked round only delivers a window once it has fully closed.
	windowEnd := firstTs - firstTs%chunkMs + chunkMs - 1
	for time.Now().UnixMilli() <= windowEnd {
		time.Sleep(time.Millisecond)
	}

	res, err := lb.Forward(tl)
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	require.Len(t, delivered[0], 3)
	require.True(t, res.ReachedTip)
}

func TestClosedBufferRejectsOperations(t *testing.T) {
	lb := openBuffer(t)
	require.NoError(t, lb.Close())

	_, err := lb.Write([]byte("x"))
	require.ErrorIs(t, err, types.ErrClosed)

	_, err = lb.Select(0, 1)
	require.ErrorIs(t, err, types.ErrClosed)
}

func TestSelectBoundaryFromEqualsTo(t *testing.T) {
	lb := openBuffer(t)
	_, err := lb.Write([]byte("x"))
	require.NoError(t, err)

	recs, err := lb.Select(0, 0)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestSelectPastWriteIndexClampsCleanly(t *testing.T) {
	lb := openBuffer(t)
	_, err := lb.Write([]byte("x"))
	require.NoError(t, err)

	recs, err := lb.Select(0, 1000)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}
