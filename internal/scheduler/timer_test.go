package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer_FiresAndStops(t *testing.T) {
	var fired atomic.Int32
	timer := NewTimer(func() { fired.Add(1) }, WithStartupSpread(0))

	require.NoError(t, timer.Start(time.Second))
	assert.True(t, timer.Running())
	assert.Equal(t, time.Second, timer.Interval())

	assert.Eventually(t, func() bool { return fired.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.False(t, timer.Next().IsZero())

	timer.Stop()
	assert.False(t, timer.Running())
	assert.True(t, timer.Next().IsZero())

	after := fired.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, after, fired.Load())
}

func TestTimer_RecoversPanics(t *testing.T) {
	var fired atomic.Int32
	timer := NewTimer(func() {
		fired.Add(1)
		panic("boom")
	}, WithStartupSpread(0))

	require.NoError(t, timer.Start(time.Second))
	defer timer.Stop()

	assert.Eventually(t, func() bool { return fired.Load() >= 2 }, 4*time.Second, 20*time.Millisecond)
}

func TestTimer_Reschedule(t *testing.T) {
	timer := NewTimer(func() {}, WithStartupSpread(0))

	require.NoError(t, timer.Reschedule(time.Minute))
	assert.False(t, timer.Running())
	assert.Equal(t, time.Minute, timer.Interval())

	require.NoError(t, timer.Start(30*time.Minute))
	defer timer.Stop()

	before := timer.Next()
	require.NoError(t, timer.Reschedule(15*time.Minute))
	after := timer.Next()

	assert.Equal(t, 15*time.Minute, timer.Interval())
	assert.True(t, after.Before(before))
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), after, 2*time.Second)
}

func TestTimer_RejectsShortInterval(t *testing.T) {
	timer := NewTimer(func() {})
	assert.ErrorIs(t, timer.Start(500*time.Millisecond), ErrInvalidInterval)
	assert.ErrorIs(t, timer.Reschedule(0), ErrInvalidInterval)
	assert.False(t, timer.Running())
}

func TestSpreadSchedule_OverridesFirstTick(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	first := now.Add(45 * time.Minute)
	s := &spreadSchedule{base: cron.Every(30 * time.Minute), first: first}

	assert.Equal(t, first, s.Next(now))
	assert.Equal(t, first.Add(30*time.Minute), s.Next(first))
}

func TestTimer_StartupSpreadBounded(t *testing.T) {
	timer := NewTimer(func() {}, WithStartupSpread(10*time.Second))
	for i := 0; i < 100; i++ {
		d := timer.spreadFor(time.Minute)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 10*time.Second)
	}
	assert.Less(t, timer.spreadFor(2*time.Second), 2*time.Second)
}
