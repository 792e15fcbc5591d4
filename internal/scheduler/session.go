package scheduler

import (
	"fmt"

	"github.com/me/mvesched/internal/regs"
)

// SessionID identifies a session. It is supplied by the caller and only
// compared for equality.
type SessionID string

// NoSlot is the slot of an unbound session.
const NoSlot = -1

// SessionConfig is fixed at registration.
type SessionConfig struct {
	MMUCtrl uint32 // MMU root context installed when the session is mapped
	Cores   int    // requested cores, at least 1
	Secure  bool
}

func (c SessionConfig) validate() error {
	if c.Cores < 1 || c.Cores > regs.CtrlDisallowBits {
		return fmt.Errorf("%w: cores %d out of range 1..%d", ErrInvalidConfig, c.Cores, regs.CtrlDisallowBits)
	}
	return nil
}

// WorkState is a session's answer to HasWork.
type WorkState int

const (
	WorkBusy WorkState = iota
	WorkIdle
	WorkReschedule
	WorkSleep
	WorkRequestSwitchout
)

func (w WorkState) String() string {
	switch w {
	case WorkBusy:
		return "busy"
	case WorkIdle:
		return "idle"
	case WorkReschedule:
		return "reschedule"
	case WorkSleep:
		return "sleep"
	case WorkRequestSwitchout:
		return "request_switchout"
	default:
		return fmt.Sprintf("WorkState(%d)", int(w))
	}
}

// Callbacks is implemented by each session's owner.
//
// Every method except RestrictingBufferCount is called with the scheduler
// lock held. Implementations must return promptly and must not call back
// into the Scheduler.
type Callbacks interface {
	// OnIRQ processes an interrupt from the session's slot.
	OnIRQ()
	// HasWork reports what the session wants to do next.
	HasWork() WorkState
	// OnSwitchOut asks the session to yield its slot. With requireIdle set
	// the session should only yield once it has no work in flight.
	OnSwitchOut(requireIdle bool)
	// OnSwitchIn is called just before a job is queued for the session.
	OnSwitchIn()
	// OnSwitchOutCompleted is called after the session lost its slot.
	OnSwitchOutCompleted()
	// RestrictingBufferCount returns the number of buffers limiting the
	// session's throughput, or false if unknown. Called without the lock.
	RestrictingBufferCount() (int, bool)
}

type session struct {
	id  SessionID
	cfg SessionConfig
	cb  Callbacks

	slot     int
	enqueues int // pending-queue memberships

	// scheduled is closed while the session is bound. Waiters in Execute
	// hold a reference to the channel current at the time they blocked.
	scheduled chan struct{}
	signaled  bool
}

func newSession(id SessionID, cfg SessionConfig, cb Callbacks) *session {
	return &session{
		id:        id,
		cfg:       cfg,
		cb:        cb,
		slot:      NoSlot,
		scheduled: make(chan struct{}),
	}
}

func (s *session) bound() bool { return s.slot != NoSlot }

// markScheduled releases every Execute waiting for this session.
func (s *session) markScheduled() {
	if !s.signaled {
		close(s.scheduled)
		s.signaled = true
	}
}

// markUnscheduled re-arms the signal after the session lost its slot.
func (s *session) markUnscheduled() {
	if s.signaled {
		s.scheduled = make(chan struct{})
		s.signaled = false
	}
}

// wake releases current waiters without marking the session scheduled.
func (s *session) wake() {
	if !s.signaled {
		close(s.scheduled)
		s.scheduled = make(chan struct{})
	}
}

// SessionInfo is a point-in-time view of a registered session.
type SessionInfo struct {
	ID       SessionID `json:"id"`
	Slot     int       `json:"slot"`
	Enqueues int       `json:"enqueues"`
	Cores    int       `json:"cores"`
	Secure   bool      `json:"secure"`
	MMUCtrl  uint32    `json:"mmu_ctrl"`
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:       s.id,
		Slot:     s.slot,
		Enqueues: s.enqueues,
		Cores:    s.cfg.Cores,
		Secure:   s.cfg.Secure,
		MMUCtrl:  s.cfg.MMUCtrl,
	}
}
