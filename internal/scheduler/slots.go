package scheduler

import (
	"github.com/me/mvesched/internal/regs"
)

// findFreeSlot returns the lowest slot without a bound session.
func (s *Scheduler) findFreeSlot() int {
	for slot := 0; slot < s.nslots; slot++ {
		if s.bySlot[slot] == nil {
			return slot
		}
	}
	return NoSlot
}

// coresFor returns the number of cores a session may use.
func (s *Scheduler) coresFor(ss *session) int {
	return min(ss.cfg.Cores, s.ncores)
}

// mapSession allocates slot for ss and installs its context. The session
// is bound only if the hardware acknowledged the slot reset.
func (s *Scheduler) mapSession(ss *session, slot int) bool {
	if v := s.gw.Read(regs.Slot(slot, regs.Alloc)); v != regs.AllocNone {
		s.logger.Warn("mapping an allocated slot", "slot", slot, "alloc", v)
	}

	alloc := regs.AllocNonSecure
	if ss.cfg.Secure {
		alloc = regs.AllocSecure
	}
	s.gw.Write(regs.Slot(slot, regs.Alloc), alloc)

	// Writing ALLOC starts clearing the slot's session RAM; TERMINATE
	// reads back zero once it is done.
	if !s.terminate(slot) {
		s.gw.Write(regs.Slot(slot, regs.Alloc), regs.AllocNone)
		s.hwTimeout("terminate", ss, slot)
		s.emit(EventMapFailed, ss.id, slot, "")
		return false
	}

	n := s.coresFor(ss)
	disallow := (uint32(0xFFFFFFFF) << uint(n)) & (1<<regs.CtrlDisallowBits - 1)
	s.gw.Write(regs.Slot(slot, regs.MMUCtrl), ss.cfg.MMUCtrl)
	s.gw.Write(regs.Slot(slot, regs.Ctrl), disallow|uint32(n)<<regs.CtrlMaxCoresShift)
	for i, attr := range s.cfg.BusAttributes {
		s.gw.Write(regs.Slot(slot, regs.BusAttr(i)), attr)
	}
	s.gw.Write(regs.Slot(slot, regs.FlushAll), 0)
	s.gw.Write(regs.Slot(slot, regs.SlotIRQVE), 0)
	s.gw.Write(regs.Slot(slot, regs.IRQHost), 0)
	s.gw.Write(regs.Slot(slot, regs.Sched), 1)

	s.bySlot[slot] = ss
	ss.slot = slot
	ss.markScheduled()

	s.logger.Debug("session mapped", "session", ss.id, "slot", slot, "cores", n, "secure", ss.cfg.Secure)
	s.emit(EventMap, ss.id, slot, "")
	return true
}

// terminate pulses TERMINATE and waits for the acknowledge.
func (s *Scheduler) terminate(slot int) bool {
	r := regs.Slot(slot, regs.Terminate)
	s.gw.Write(r, 1)
	for i := 0; i < s.cfg.TerminateRetries; i++ {
		if s.gw.Read(r) == 0 {
			return true
		}
	}
	return false
}

// drain waits until no core reports slot as executing.
func (s *Scheduler) drain(slot int) bool {
	for i := 0; i < s.cfg.DrainRetries; i++ {
		coreLSID := s.gw.Read(regs.CoreLSID)
		busy := false
		for core := 0; core < s.ncores; core++ {
			if c, ok := regs.CoreSlot(coreLSID, core); ok && c == slot {
				busy = true
				break
			}
		}
		if !busy {
			return true
		}
	}
	return false
}

// dequeue removes every job-queue entry of slot with dispatch paused.
func (s *Scheduler) dequeue(ss *session, slot int) {
	if !s.jq.DisableScheduling() {
		s.hwTimeout("enable", ss, slot)
	}
	s.jq.DequeueSlot(slot)
	s.jq.EnableScheduling()
}

func (s *Scheduler) unbind(ss *session) {
	s.bySlot[ss.slot] = nil
	ss.slot = NoSlot
	ss.markUnscheduled()
}

// switchOutSession releases the slot of a session the hardware is no
// longer executing, and requeues the session if it still has work.
func (s *Scheduler) switchOutSession(ss *session) {
	slot := ss.slot

	if s.gw.Read(regs.Slot(slot, regs.Alloc)) == regs.AllocNone {
		s.logger.Warn("switching out an unallocated slot", "session", ss.id, "slot", slot)
	} else {
		s.dequeue(ss, slot)
		s.gw.Write(regs.Slot(slot, regs.Sched), 0)
		// Firmware may still be writing session memory.
		if !s.drain(slot) {
			s.hwTimeout("drain", ss, slot)
		}
		s.gw.Write(regs.Slot(slot, regs.Alloc), regs.AllocNone)
	}
	s.unbind(ss)

	ss.cb.OnSwitchOutCompleted()
	s.logger.Debug("session switched out", "session", ss.id, "slot", slot)
	s.emit(EventSwitchOut, ss.id, slot, "")

	if ss.cb.HasWork() != WorkSleep && ss.enqueues == 0 {
		s.pushPending(ss)
	}
	s.noFreeSlot = false
}

// teardown forcibly releases the slot of ss whether or not it is executing.
func (s *Scheduler) teardown(ss *session) {
	slot := ss.slot
	if s.gw.Read(regs.Slot(slot, regs.Alloc)) != regs.AllocNone {
		s.dequeue(ss, slot)
		s.gw.Write(regs.Slot(slot, regs.Sched), 0)
		if !s.terminate(slot) {
			s.hwTimeout("terminate", ss, slot)
		}
		s.gw.Write(regs.Slot(slot, regs.Alloc), regs.AllocNone)
	}
	s.unbind(ss)
}

// stopSession tears down the slot of ss, wakes any Execute waiting on it
// and hands the slot to the pending queue. Unbound sessions are left alone
// apart from the wakeup.
func (s *Scheduler) stopSession(ss *session) {
	if !ss.bound() {
		ss.wake()
		return
	}
	slot := ss.slot
	s.teardown(ss)
	ss.wake()

	s.logger.Debug("session stopped", "session", ss.id, "slot", slot)
	s.emit(EventStop, ss.id, slot, "")
	s.switchInPendingSessions()
}
