package schedule

import (
	"errors"
	"sync"
	"time"
)

// ErrInvalidPeriod indicates a zero or negative publication period.
var ErrInvalidPeriod = errors.New("invalid publish period")

// Scheduler tracks when the next periodic report is due.
// It is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	enabled bool
	phased  bool
	period  time.Duration
	next    time.Time
}

// NewScheduler creates a disabled scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Enable starts periodic publication. The very first report is due right
// away; after that Advance spaces reports one period apart. Re-enabling
// a disabled scheduler resumes the original schedule instead of
// restarting from now, so toggling cannot shift the publication phase.
func (s *Scheduler) Enable(period time.Duration, now time.Time) error {
	if period <= 0 {
		return ErrInvalidPeriod
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
	s.period = period
	if !s.phased {
		s.next = now
		s.phased = true
	}
	return nil
}

// Disable stops periodic publication. The next-due instant is preserved
// for a later Enable.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
}

// Enabled returns true if periodic publication is active.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Period returns the configured period, zero if never enabled.
func (s *Scheduler) Period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

// NextDue returns the instant the next report is due. Only meaningful
// once enabled.
func (s *Scheduler) NextDue() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Due returns true when a report should be published at now. A
// disabled scheduler is never due. The comparison uses time.Time
// differences, so it stays correct across clock steps.
func (s *Scheduler) Due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled && !now.Before(s.next)
}

// Advance records that a report was published at now: the next one is
// due a full period later. After a stall the backlog collapses into the
// single report just published, so the bus never sees a burst.
func (s *Scheduler) Advance(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || s.period <= 0 {
		return
	}
	s.next = now.Add(s.period)
}

// Wait returns how long until the next report is due at now, zero if
// due already. Process loops use it to size their poll timeout. A
// disabled scheduler reports no wait bound.
func (s *Scheduler) Wait(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return 0, false
	}
	d := s.next.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}
