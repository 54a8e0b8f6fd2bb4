package reconnect

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelayDoublesAndCaps(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, MaxAttempts: 5}

	assert.Equal(t, 1*time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(40))
	assert.Equal(t, 1*time.Second, p.Delay(0))
}

func TestSchedulerBoundsAttempts(t *testing.T) {
	s := NewScheduler(Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2})
	var calls atomic.Int32
	done := make(chan struct{}, 4)
	fn := func() {
		calls.Add(1)
		done <- struct{}{}
	}

	_, ok := s.Schedule(fn)
	require.True(t, ok)
	<-done

	_, ok = s.Schedule(fn)
	require.True(t, ok)
	<-done

	_, ok = s.Schedule(fn)
	assert.False(t, ok, "third attempt must be refused")
	assert.True(t, s.Exhausted())
	assert.Equal(t, int32(2), calls.Load())

	s.Reset()
	assert.Equal(t, 0, s.Attempts())
	_, ok = s.Schedule(fn)
	assert.True(t, ok)
	<-done
}

func TestSchedulerRefusesSecondPendingTimer(t *testing.T) {
	s := NewScheduler(Policy{BaseDelay: time.Hour, MaxAttempts: 5})
	defer s.Cancel()

	_, ok := s.Schedule(func() {})
	require.True(t, ok)
	_, ok = s.Schedule(func() {})
	assert.False(t, ok)
	assert.True(t, s.Pending())
}

func TestSchedulerCancelDropsPendingCallback(t *testing.T) {
	s := NewScheduler(Policy{BaseDelay: 20 * time.Millisecond, MaxAttempts: 5})
	var calls atomic.Int32

	_, ok := s.Schedule(func() { calls.Add(1) })
	require.True(t, ok)
	s.Cancel()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, s.Pending())
	assert.Equal(t, 0, s.Attempts())
}
