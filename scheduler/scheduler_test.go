package scheduler_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/little-pan/logbuffers/scheduler"
)

func TestScheduleRunsRoundsUntilCancelled(t *testing.T) {
	s := scheduler.New(nil)
	defer s.Close()

	var rounds int32
	s.Schedule("t1", 5*time.Millisecond, func() (bool, error) {
		atomic.AddInt32(&rounds, 1)
		return true, nil
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&rounds) >= 3
	}, time.Second, time.Millisecond)

	s.Cancel("t1", true)
	after := atomic.LoadInt32(&rounds)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, after, atomic.LoadInt32(&rounds))
}

func TestScheduleIsNoOpForDuplicateName(t *testing.T) {
	s := scheduler.New(nil)
	defer s.Close()

	var count int32
	s.Schedule("dup", time.Millisecond, func() (bool, error) {
		atomic.AddInt32(&count, 1)
		return true, nil
	})
	s.Schedule("dup", time.Millisecond, func() (bool, error) {
		t.Fatal("second Schedule call for the same name must not run")
		return true, nil
	})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) >= 1 }, time.Second, time.Millisecond)
}

func TestBehindRoundsCatchUpFaster(t *testing.T) {
	s := scheduler.New(nil)
	defer s.Close()

	var rounds int32
	start := time.Now()
	s.Schedule("catchup", time.Hour, func() (bool, error) {
		n := atomic.AddInt32(&rounds, 1)
		return n >= 5, nil
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&rounds) >= 5
	}, time.Second, time.Millisecond)
	require.Less(t, time.Since(start), time.Hour)
}

func TestCloseWaitsForAllTasks(t *testing.T) {
	s := scheduler.New(nil)

	var running int32
	s.Schedule("a", time.Millisecond, func() (bool, error) {
		atomic.StoreInt32(&running, 1)
		return true, nil
	})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 1 }, time.Second, time.Millisecond)

	s.Close()
	// Scheduling after Close is a no-op.
	s.Schedule("b", time.Millisecond, func() (bool, error) {
		t.Fatal("must not run after Close")
		return true, nil
	})
	time.Sleep(10 * time.Millisecond)
}
