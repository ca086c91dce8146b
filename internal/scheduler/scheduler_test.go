package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycleFiresAndRearms(t *testing.T) {
	s := New("ts1.example.com")
	var fires atomic.Int32
	s.ScheduleCycle("tick", func() { fires.Add(1) }, 10*time.Millisecond, 0)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return fires.Load() >= 3 },
		2*time.Second, 5*time.Millisecond, "cycle should re-arm after each fire")
	assert.True(t, s.IsScheduled("tick"))
}

func TestOnceFiresOnceAndUnregisters(t *testing.T) {
	s := New("ts1.example.com")
	var fires atomic.Int32
	s.ScheduleOnce("boom", func() { fires.Add(1) }, 10*time.Millisecond)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return fires.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !s.IsScheduled("boom") }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
}

func TestClearCancels(t *testing.T) {
	s := New("ts1.example.com")
	var fires atomic.Int32
	s.ScheduleCycle("tick", func() { fires.Add(1) }, 20*time.Millisecond, 0)
	s.Start()
	defer s.Stop()

	s.Clear("tick")
	assert.False(t, s.IsScheduled("tick"))
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), fires.Load())
}

func TestPanickingCycleIsRearmed(t *testing.T) {
	s := New("ts1.example.com")
	var fires atomic.Int32
	s.ScheduleCycle("bad", func() {
		fires.Add(1)
		panic("cycle exploded")
	}, 10*time.Millisecond, 0)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return fires.Load() >= 2 },
		2*time.Second, 5*time.Millisecond, "a panicking cycle must be re-armed unchanged")
	assert.True(t, s.IsScheduled("bad"))
}

func TestStopSuppressesFires(t *testing.T) {
	s := New("ts1.example.com")
	var fires atomic.Int32
	s.ScheduleCycle("tick", func() { fires.Add(1) }, 10*time.Millisecond, 0)
	s.Start()

	require.Eventually(t, func() bool { return fires.Load() >= 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
	seen := fires.Load()
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, fires.Load(), seen+1, "stopped scheduler must not keep firing")

	// Entries survive Stop so Start resumes them; this is what heartbeat
	// resurrection relies on being distinguishable from a cleared entry.
	assert.True(t, s.IsScheduled("tick"))
}

func TestStatusReportsIntervalAndNextFire(t *testing.T) {
	s := New("ts1.example.com")
	s.ScheduleCycle("main_loop", func() {}, 45*time.Second, 9*time.Second)
	s.Start()
	defer s.Stop()

	st := s.Status()
	require.Contains(t, st, "main_loop")
	assert.Equal(t, int64(45000), st["main_loop"].IntervalMs)

	// Jittered next fire stays within [base-jitter, base+jitter].
	until := time.Until(st["main_loop"].NextAt)
	assert.GreaterOrEqual(t, until, 35*time.Second)
	assert.LessOrEqual(t, until, 55*time.Second)
}

func TestRescheduleTakesEffect(t *testing.T) {
	s := New("ts1.example.com")
	s.ScheduleCycle("main_loop", func() {}, time.Hour, 0)
	s.Start()
	defer s.Stop()

	s.Reschedule("main_loop", 20*time.Millisecond)
	st := s.Status()
	assert.Equal(t, int64(20), st["main_loop"].IntervalMs)
	assert.Less(t, time.Until(st["main_loop"].NextAt), time.Second)
}
