// Package scheduler multiplexes the accelerator's hardware slots and job
// queue across an unbounded number of sessions.
//
// All state lives in a Scheduler and is guarded by a single mutex. Hardware
// polls are bounded; when one runs out the scheduler logs a warning and
// carries on as if the condition held.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/me/mvesched/internal/jobqueue"
	"github.com/me/mvesched/internal/logging"
	"github.com/me/mvesched/internal/regs"
	"github.com/me/mvesched/internal/ring"
)

// Scheduler arbitrates access to one accelerator.
type Scheduler struct {
	gw       regs.Gateway
	jq       *jobqueue.Manager
	cfg      Config
	logger   *slog.Logger
	hwlog    *logging.Limiter
	observer Observer

	nslots int
	ncores int

	mu                sync.Mutex
	sessions          []*session
	bySlot            [regs.MaxSlots]*session
	pending           *ring.Ring[*session]
	schedulingEnabled bool
	noFreeSlot        bool
	closed            bool
}

// New creates a scheduler for the accelerator behind gw. Slot and core
// counts come from the NLSID and NCORES registers; cfg may lower them but
// never raise them. A nil logger discards output.
func New(gw regs.Gateway, cfg Config, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	cfg = cfg.withDefaults()

	hwSlots := min(int(gw.Read(regs.NLSID)), regs.MaxSlots)
	if hwSlots <= 0 {
		return nil, fmt.Errorf("hardware reports %d slots", hwSlots)
	}
	nslots := hwSlots
	if cfg.Slots > 0 {
		nslots = min(cfg.Slots, hwSlots)
	}

	hwCores := min(int(gw.Read(regs.NCores)), regs.CtrlDisallowBits)
	if hwCores <= 0 {
		return nil, fmt.Errorf("hardware reports %d cores", hwCores)
	}
	ncores := hwCores
	if cfg.Cores > 0 {
		ncores = min(cfg.Cores, hwCores)
	}

	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With("component", "scheduler")
	s := &Scheduler{
		gw:                gw,
		jq:                jobqueue.New(gw, ncores, cfg.EnableRetries),
		cfg:               cfg,
		logger:            logger,
		hwlog:             logging.NewLimiter(logger, nil),
		nslots:            nslots,
		ncores:            ncores,
		pending:           ring.New[*session](cfg.PendingCapacity),
		schedulingEnabled: true,
	}
	for _, opt := range opts {
		opt(s)
	}

	logger.Info("scheduler ready", "slots", nslots, "cores", ncores, "pending_capacity", cfg.PendingCapacity)
	return s, nil
}

// Slots returns the number of hardware slots in use.
func (s *Scheduler) Slots() int { return s.nslots }

// Cores returns the number of accelerator cores.
func (s *Scheduler) Cores() int { return s.ncores }

// Gateway returns the register gateway the scheduler drives.
func (s *Scheduler) Gateway() regs.Gateway { return s.gw }

// Close stops every bound session, drops the pending queue and makes
// every later call fail with ErrClosed.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.schedulingEnabled = false
	for _, ss := range s.sessions {
		s.pending.RemoveAll(ss)
		ss.enqueues = 0
		if ss.bound() {
			s.teardown(ss)
		}
		ss.wake()
	}
	s.sessions = nil
	s.closed = true
	s.logger.Info("scheduler closed")
	return nil
}

func (s *Scheduler) lookup(id SessionID) *session {
	for _, ss := range s.sessions {
		if ss.id == id {
			return ss
		}
	}
	return nil
}

// hwTimeout reports a bounded hardware poll that ran out.
func (s *Scheduler) hwTimeout(what string, ss *session, slot int) {
	var id SessionID
	if ss != nil {
		id = ss.id
	}
	type category struct {
		what string
		slot int
	}
	s.hwlog.Warn(category{what, slot}, "hardware did not respond", "wait", what, "slot", slot, "session", id)
	s.emit(EventHWTimeout, id, slot, what)
}

// signal raises the host-to-accelerator interrupt for a bound session.
func (s *Scheduler) signal(ss *session) {
	s.gw.Write(regs.Slot(ss.slot, regs.IRQHost), 1)
}

// pushPending appends ss to the pending queue. A full queue drops the
// request; the session is offered again on its next Execute.
func (s *Scheduler) pushPending(ss *session) bool {
	if !s.pending.Push(ss) {
		s.logger.Warn("pending queue full", "session", ss.id, "capacity", s.pending.Cap())
		return false
	}
	ss.enqueues++
	s.emit(EventPendingPush, ss.id, ss.slot, "")
	return true
}
