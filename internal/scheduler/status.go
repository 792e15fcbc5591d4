package scheduler

import (
	"fmt"

	"github.com/me/mvesched/internal/regs"
)

// FlushTLB invalidates the MMU translations of a bound session.
func (s *Scheduler) FlushTLB(id SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	ss := s.lookup(id)
	if ss == nil {
		return fmt.Errorf("flush tlb %s: %w", id, ErrUnknownSession)
	}
	if ss.bound() {
		s.gw.Write(regs.Slot(ss.slot, regs.FlushAll), 0)
	}
	return nil
}

// SlotOf returns the slot bound to the session, or NoSlot.
func (s *Scheduler) SlotOf(id SessionID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ss := s.lookup(id); ss != nil {
		return ss.slot
	}
	return NoSlot
}

// SessionStatus returns the session's restricting buffer count for clock
// scaling decisions. The callback runs without the scheduler lock.
func (s *Scheduler) SessionStatus(id SessionID) (int, bool) {
	s.mu.Lock()
	var cb Callbacks
	if ss := s.lookup(id); ss != nil {
		cb = ss.cb
	}
	s.mu.Unlock()

	if cb == nil {
		return 0, false
	}
	n, ok := cb.RestrictingBufferCount()
	if !ok || n < 0 {
		return 0, false
	}
	return n, true
}

// SlotInfo describes one hardware slot.
type SlotInfo struct {
	Slot    int       `json:"slot"`
	Session SessionID `json:"session,omitempty"`
	Alloc   uint32    `json:"alloc"`
	Sched   uint32    `json:"sched"`
	Queued  int       `json:"queued"`
}

// Snapshot is a consistent view of the scheduler state.
type Snapshot struct {
	Sessions          []SessionInfo `json:"sessions"`
	Pending           []SessionID   `json:"pending"`
	Slots             []SlotInfo    `json:"slots"`
	JobQueue          uint32        `json:"job_queue"`
	Executing         int           `json:"executing"`
	SchedulingEnabled bool          `json:"scheduling_enabled"`
	NoFreeSlot        bool          `json:"no_free_slot"`
	Cores             int           `json:"cores"`
}

// Running returns the sessions that hold a slot.
func (sn Snapshot) Running() []SessionInfo {
	var out []SessionInfo
	for _, si := range sn.Sessions {
		if si.Slot != NoSlot {
			out = append(out, si)
		}
	}
	return out
}

// Snapshot returns the registered, pending and running sessions together
// with the slot and job-queue registers.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	sn := Snapshot{
		Sessions:          make([]SessionInfo, 0, len(s.sessions)),
		Pending:           make([]SessionID, 0, s.pending.Len()),
		Slots:             make([]SlotInfo, 0, s.nslots),
		JobQueue:          s.jq.Raw(),
		Executing:         NoSlot,
		SchedulingEnabled: s.schedulingEnabled,
		NoFreeSlot:        s.noFreeSlot,
		Cores:             s.ncores,
	}
	for _, ss := range s.sessions {
		sn.Sessions = append(sn.Sessions, ss.info())
	}
	for _, ss := range s.pending.Values() {
		sn.Pending = append(sn.Pending, ss.id)
	}
	for slot := 0; slot < s.nslots; slot++ {
		si := SlotInfo{
			Slot:   slot,
			Alloc:  s.gw.Read(regs.Slot(slot, regs.Alloc)),
			Sched:  s.gw.Read(regs.Slot(slot, regs.Sched)),
			Queued: s.jq.CountEnqueues(slot),
		}
		if ss := s.bySlot[slot]; ss != nil {
			si.Session = ss.id
		}
		sn.Slots = append(sn.Slots, si)
	}
	if slot, ok := s.jq.CurrentlyExecuting(); ok {
		sn.Executing = slot
	}
	return sn
}
