package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/me/mvesched/internal/jobqueue"
	"github.com/me/mvesched/internal/regs"
)

// Execute tells the scheduler that the session has work. It returns true
// once the session holds a slot, signalling the accelerator on its behalf.
// An unbound session waits up to UnscheduledWait for a slot with the lock
// released. While suspended the session is only queued.
func (s *Scheduler) Execute(ctx context.Context, id SessionID) (bool, error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	ss := s.lookup(id)
	if ss == nil {
		s.mu.Unlock()
		return false, fmt.Errorf("execute %s: %w", id, ErrUnknownSession)
	}

	if !s.schedulingEnabled {
		if ss.enqueues == 0 {
			s.pushPending(ss)
		}
		s.mu.Unlock()
		return false, nil
	}

	if ss.bound() {
		s.processSessionIRQ(ss)
	}
	if ss.enqueues == 0 && (!ss.bound() || !s.jq.IsEnqueued(ss.slot)) {
		s.pushPending(ss)
	}
	s.advance()

	if ss.bound() {
		s.signal(ss)
		s.mu.Unlock()
		return true, nil
	}

	scheduled := ss.scheduled
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.UnscheduledWait)
	defer timer.Stop()
	select {
	case <-scheduled:
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	// A Stop also releases waiters, and the slot may already be gone again.
	if !ss.bound() || s.lookup(id) != ss {
		return false, nil
	}
	s.signal(ss)
	return true, nil
}

// Stop removes the session from the pending queue and forcibly releases
// its slot. Stopping an idle session is a no-op.
func (s *Scheduler) Stop(id SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	ss := s.lookup(id)
	if ss == nil {
		return fmt.Errorf("stop %s: %w", id, ErrUnknownSession)
	}
	s.purgePending(ss)
	s.stopSession(ss)
	return nil
}

// HandleIRQ processes an interrupt raised by slot. Interrupts for slots
// without a session are dropped; the session may have been stopped while
// the interrupt was in flight.
func (s *Scheduler) HandleIRQ(slot int) {
	if slot < 0 || slot >= regs.MaxSlots {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	var ss *session
	if slot < s.nslots {
		ss = s.bySlot[slot]
	}
	if ss != nil {
		s.emit(EventIRQ, ss.id, slot, "")
		s.processSessionIRQ(ss)
	} else {
		s.emit(EventIRQ, "", slot, "orphan")
	}
	s.advance()
}

// advance reclaims finished slots when a switch-in previously failed for
// lack of one, and otherwise serves the pending queue.
func (s *Scheduler) advance() {
	if s.noFreeSlot {
		s.switchOutPendingSessions()
	} else {
		s.switchInPendingSessions()
	}
}

func (s *Scheduler) processSessionIRQ(ss *session) {
	ss.cb.OnIRQ()

	switch ss.cb.HasWork() {
	case WorkIdle:
		// Give way to queued work so the hardware can power gate.
		if s.cfg.IdleSwitchout || !s.jq.IsEmpty() {
			s.requestSwitchOut(ss, true)
		}
	case WorkReschedule:
		if ss.enqueues == 0 && !(ss.bound() && s.jq.Contains(ss.slot)) {
			s.pushPending(ss)
		}
	case WorkRequestSwitchout:
		s.requestSwitchOut(ss, true)
	}
}

func (s *Scheduler) requestSwitchOut(ss *session, requireIdle bool) {
	detail := "any"
	if requireIdle {
		detail = "idle"
	}
	s.emit(EventEvictRequest, ss.id, ss.slot, detail)
	ss.cb.OnSwitchOut(requireIdle)
}

// switchInPendingSessions serves the pending queue head first until a
// session cannot be switched in, then asks an idle executing session to
// make room for what is left in the job queue.
func (s *Scheduler) switchInPendingSessions() {
	n := s.pending.Len()
	if n == 0 {
		return
	}
	for ; n > 0; n-- {
		ss, _ := s.pending.Peek()
		if !s.switchInSession(ss) {
			break
		}
		s.pending.Pop()
		ss.enqueues--
		s.signal(ss)
	}

	if s.jq.IsEmpty() {
		return
	}
	slot, ok := s.jq.CurrentlyExecuting()
	if !ok || slot >= s.nslots {
		return
	}
	if cur := s.bySlot[slot]; cur != nil && cur.cb.HasWork() == WorkIdle {
		s.requestSwitchOut(cur, true)
	}
}

// switchInSession binds ss to a slot if needed and queues one job for it.
// A bound session whose slot already holds the maximum number of queue
// entries stays bound but is not queued.
func (s *Scheduler) switchInSession(ss *session) bool {
	if !s.schedulingEnabled || !s.jq.IsFree() {
		return false
	}

	if !ss.bound() {
		slot := s.findFreeSlot()
		if slot == NoSlot {
			s.noFreeSlot = true
			return false
		}
		if !s.mapSession(ss, slot) {
			return false
		}
	}

	queued := s.jq.CountEnqueues(ss.slot)
	if queued >= jobqueue.MaxEntriesPerSlot {
		return false
	}

	ss.cb.OnSwitchIn()
	if !s.jq.Enqueue(ss.slot, s.coresFor(ss)) {
		s.logger.Warn("job queue full after free check", "session", ss.id, "slot", ss.slot)
	}
	s.logger.Debug("session switched in", "session", ss.id, "slot", ss.slot, "queued", queued+1)
	s.emit(EventSwitchIn, ss.id, ss.slot, "")
	return true
}

// switchOutPendingSessions releases every slot the hardware has finished
// with and reuses the freed slots immediately.
func (s *Scheduler) switchOutPendingSessions() {
	for slot := 0; slot < s.nslots; slot++ {
		if ss := s.bySlot[slot]; ss != nil && !s.jq.IsEnqueued(slot) {
			s.switchOutSession(ss)
		}
	}
	s.switchInPendingSessions()
}
