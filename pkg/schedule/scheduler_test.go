package schedule

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func TestDisabledNeverDue(t *testing.T) {
	s := NewScheduler()
	if s.Due(t0) {
		t.Error("fresh scheduler is due")
	}
	if s.Due(t0.Add(time.Hour)) {
		t.Error("fresh scheduler becomes due over time")
	}
}

func TestFirstEnableDueImmediately(t *testing.T) {
	s := NewScheduler()
	if err := s.Enable(time.Second, t0); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	if !s.Due(t0) {
		t.Error("not due right after the first enable")
	}
}

func TestAdvanceMovesOnePeriod(t *testing.T) {
	s := NewScheduler()
	s.Enable(time.Second, t0)
	s.Advance(t0)

	if s.Due(t0) {
		t.Error("still due after Advance")
	}
	if s.Due(t0.Add(999 * time.Millisecond)) {
		t.Error("due before one period elapsed")
	}
	if !s.Due(t0.Add(time.Second)) {
		t.Error("not due one period after Advance")
	}
}

func TestAdvanceAfterStallSkipsBacklog(t *testing.T) {
	s := NewScheduler()
	s.Enable(time.Second, t0)
	s.Advance(t0)

	// Clock stalls for ten periods.
	now := t0.Add(10*time.Second + 300*time.Millisecond)
	if !s.Due(now) {
		t.Fatal("not due after stall")
	}
	s.Advance(now)

	// A single Advance must consume the whole backlog.
	if s.Due(now) {
		t.Error("backlog left after Advance")
	}
	next := s.NextDue()
	want := now.Add(time.Second)
	if !next.Equal(want) {
		t.Errorf("NextDue = %v, want %v", next, want)
	}
}

func TestDisableStopsDue(t *testing.T) {
	s := NewScheduler()
	s.Enable(time.Second, t0)
	s.Disable()

	if s.Due(t0.Add(time.Minute)) {
		t.Error("disabled scheduler is due")
	}
	if s.Enabled() {
		t.Error("Enabled() true after Disable")
	}
}

func TestDisableEnableKeepsNextDue(t *testing.T) {
	s := NewScheduler()
	s.Enable(time.Second, t0)
	s.Advance(t0)
	next := s.NextDue()

	s.Disable()
	s.Enable(time.Second, t0.Add(300*time.Millisecond))

	if !s.NextDue().Equal(next) {
		t.Errorf("NextDue moved to %v after disable/enable, want %v", s.NextDue(), next)
	}
	if s.Due(t0.Add(500 * time.Millisecond)) {
		t.Error("due before the original deadline")
	}
	if !s.Due(t0.Add(time.Second)) {
		t.Error("not due at the original deadline")
	}
}

func TestEnableUpdatesPeriodKeepsPhase(t *testing.T) {
	s := NewScheduler()
	s.Enable(time.Second, t0)
	s.Advance(t0)

	s.Enable(5*time.Second, t0.Add(100*time.Millisecond))

	if !s.NextDue().Equal(t0.Add(time.Second)) {
		t.Errorf("NextDue = %v, want %v", s.NextDue(), t0.Add(time.Second))
	}
	if s.Period() != 5*time.Second {
		t.Errorf("Period = %v, want 5s", s.Period())
	}

	fired := t0.Add(time.Second)
	s.Advance(fired)
	if !s.NextDue().Equal(fired.Add(5 * time.Second)) {
		t.Errorf("NextDue after Advance = %v, want %v", s.NextDue(), fired.Add(5*time.Second))
	}
}

func TestEnableRejectsInvalidPeriod(t *testing.T) {
	s := NewScheduler()
	for _, period := range []time.Duration{0, -time.Second} {
		if err := s.Enable(period, t0); !errors.Is(err, ErrInvalidPeriod) {
			t.Errorf("Enable(%v) = %v, want ErrInvalidPeriod", period, err)
		}
	}
	if s.Enabled() {
		t.Error("scheduler enabled by a rejected period")
	}
}

func TestAdvanceWhileDisabledIsNoop(t *testing.T) {
	s := NewScheduler()
	s.Advance(t0)

	s.Enable(time.Second, t0)
	s.Disable()
	next := s.NextDue()
	s.Advance(t0.Add(time.Hour))
	if !s.NextDue().Equal(next) {
		t.Error("Advance moved deadline while disabled")
	}
}

func TestWait(t *testing.T) {
	s := NewScheduler()

	if _, ok := s.Wait(t0); ok {
		t.Error("disabled scheduler reports a wait bound")
	}

	s.Enable(time.Second, t0)
	s.Advance(t0)

	d, ok := s.Wait(t0.Add(400 * time.Millisecond))
	if !ok || d != 600*time.Millisecond {
		t.Errorf("Wait = %v, %v; want 600ms, true", d, ok)
	}

	d, ok = s.Wait(t0.Add(5 * time.Second))
	if !ok || d != 0 {
		t.Errorf("Wait past deadline = %v, %v; want 0, true", d, ok)
	}
}
