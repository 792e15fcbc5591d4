package scheduler

import (
	"context"
	"time"
)

// Suspend stops scheduling, asks every bound session to switch out and
// waits until the hardware has released all slots. Sessions that still
// have work are left in the pending queue for Resume. If ctx ends first,
// Suspend returns its error with scheduling still disabled.
func (s *Scheduler) Suspend(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.schedulingEnabled = false
	s.emit(EventSuspend, "", NoSlot, "begin")
	for slot := 0; slot < s.nslots; slot++ {
		if ss := s.bySlot[slot]; ss != nil {
			s.requestSwitchOut(ss, false)
		}
	}
	s.mu.Unlock()

	start := time.Now()
	for polls := 1; ; polls++ {
		if s.releaseIdleSlots() {
			s.logger.Info("all sessions suspended", "polls", polls, "elapsed", time.Since(start))
			s.mu.Lock()
			s.emit(EventSuspend, "", NoSlot, "done")
			s.mu.Unlock()
			return nil
		}

		t := time.NewTimer(s.cfg.SuspendPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// releaseIdleSlots switches out every bound session the hardware is no
// longer executing and reports whether no slot remains bound.
func (s *Scheduler) releaseIdleSlots() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := true
	for slot := 0; slot < s.nslots; slot++ {
		ss := s.bySlot[slot]
		if ss == nil {
			continue
		}
		if !s.jq.IsEnqueued(slot) {
			s.switchOutSession(ss)
			continue
		}
		done = false
	}
	return done
}

// Resume re-enables scheduling and serves the pending queue.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.schedulingEnabled = true
	s.noFreeSlot = false
	s.switchInPendingSessions()
	s.logger.Info("sessions resumed", "pending", s.pending.Len())
	s.emit(EventResume, "", NoSlot, "")
}

// Suspended reports whether scheduling is disabled by Suspend.
func (s *Scheduler) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.schedulingEnabled
}
