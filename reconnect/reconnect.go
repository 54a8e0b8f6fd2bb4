// Package reconnect implements the bounded exponential backoff shared by the
// feed and instruction channels.
package reconnect

import (
	"sync"
	"time"
)

// Policy contains configuration for exponential backoff reconnection.
type Policy struct {
	BaseDelay   time.Duration // Delay before the first attempt (default: 1 second)
	MaxDelay    time.Duration // Cap applied to every delay (default: 30 seconds)
	MaxAttempts int           // Attempts before giving up (default: 5)
}

// DefaultPolicy returns the default reconnection policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the backoff delay for the given 1-based attempt.
//
// Formula: delay = BaseDelay * 2^(attempt-1), capped at MaxDelay.
//
// With the default policy:
//   - Attempt 1: 1s
//   - Attempt 2: 2s
//   - Attempt 3: 4s
//   - Attempt 4: 8s
//   - Attempt 5: 16s
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := p.BaseDelay * time.Duration(1<<uint(shift))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// Scheduler owns the attempt counter and the single pending reconnect timer
// of one connection.
type Scheduler struct {
	policy Policy

	mu         sync.Mutex
	attempts   int
	timer      *time.Timer
	generation uint64
}

// NewScheduler creates a scheduler for the given policy.
func NewScheduler(policy Policy) *Scheduler {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultPolicy().BaseDelay
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	return &Scheduler{policy: policy}
}

// Schedule arms fn to run after the next backoff delay. It returns false
// without arming anything when the attempt budget is exhausted or a
// reconnect is already pending.
func (s *Scheduler) Schedule(fn func()) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		return 0, false
	}
	if s.attempts >= s.policy.MaxAttempts {
		return 0, false
	}
	s.attempts++
	delay := s.policy.Delay(s.attempts)
	gen := s.generation

	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if gen != s.generation {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		fn()
	})
	return delay, true
}

// Reset clears the attempt counter after a successful open.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
}

// Cancel stops any pending reconnect and clears the attempt counter.
// A callback whose timer already fired but has not started is dropped.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.attempts = 0
}

// Attempts returns the number of reconnects scheduled since the last reset.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Pending reports whether a reconnect timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Exhausted reports whether the attempt budget has been used up.
func (s *Scheduler) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts >= s.policy.MaxAttempts
}
