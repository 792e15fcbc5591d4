// Package irq splits accelerator interrupt handling into an immediate phase
// that only latches and acknowledges interrupt bits, and a deferred worker
// that hands each slot to the scheduler.
package irq

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/me/mvesched/internal/logging"
	"github.com/me/mvesched/internal/regs"
)

// Handler processes an interrupt for one slot.
type Handler interface {
	HandleIRQ(slot int)
}

// Frontend latches per-slot interrupt bits and dispatches them from a
// single worker goroutine.
type Frontend struct {
	gw      regs.Gateway
	handler Handler
	logger  *slog.Logger

	pending atomic.Uint32 // one bit per slot
	kick    chan struct{}
	delay   atomic.Int64 // debug only

	raised     atomic.Uint64
	dispatched atomic.Uint64
}

// New returns a front-end reading interrupts through gw. A nil logger
// discards output.
func New(gw regs.Gateway, h Handler, logger *slog.Logger) *Frontend {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Frontend{
		gw:      gw,
		handler: h,
		logger:  logger.With("component", "irq"),
		kick:    make(chan struct{}, 1),
	}
}

// TopHalf is the immediate phase. It reads IRQVE once, latches and
// acknowledges every raised slot and wakes the worker. It never blocks and
// reports whether any interrupt was pending.
func (f *Frontend) TopHalf() bool {
	vec := f.gw.Read(regs.IRQVE)
	if vec == 0 {
		return false
	}
	for slot := 0; slot < regs.MaxSlots; slot++ {
		bit := uint32(1) << uint(slot)
		if vec&bit == 0 {
			continue
		}
		f.pending.Or(bit)
		f.gw.Write(regs.Slot(slot, regs.SlotIRQVE), 0)
		f.raised.Add(1)
	}
	select {
	case f.kick <- struct{}{}:
	default:
	}
	return true
}

// Run is the deferred phase. It dispatches latched interrupts until ctx
// is done.
func (f *Frontend) Run(ctx context.Context) error {
	f.logger.Debug("irq worker started")
	for {
		select {
		case <-ctx.Done():
			f.logger.Debug("irq worker stopped", "dispatched", f.dispatched.Load())
			return ctx.Err()
		case <-f.kick:
			if err := f.dispatch(ctx); err != nil {
				return err
			}
		}
	}
}

func (f *Frontend) dispatch(ctx context.Context) error {
	for slot := 0; slot < regs.MaxSlots; slot++ {
		bit := uint32(1) << uint(slot)
		if f.pending.And(^bit)&bit == 0 {
			continue
		}
		if d := f.Delay(); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				f.pending.Or(bit)
				return ctx.Err()
			case <-t.C:
			}
		}
		f.handler.HandleIRQ(slot)
		f.dispatched.Add(1)
	}
	return nil
}

// Poll drives TopHalf from a ticker, for platforms without an interrupt
// line. It returns when ctx is done.
func (f *Frontend) Poll(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.TopHalf()
		}
	}
}

// SetDelay makes the worker sleep before each dispatch. Testing only.
func (f *Frontend) SetDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	f.delay.Store(int64(d))
}

// Delay returns the debug dispatch delay.
func (f *Frontend) Delay() time.Duration {
	return time.Duration(f.delay.Load())
}

// Stats reports how many slot interrupts were latched and dispatched.
func (f *Frontend) Stats() (raised, dispatched uint64) {
	return f.raised.Load(), f.dispatched.Load()
}
