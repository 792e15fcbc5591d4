// Package sim models the accelerator side of the core-scheduler registers
// and drives the scheduler with synthetic sessions.
package sim

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/me/mvesched/internal/regs"
)

// Line is the interrupt line from the device to the host.
type Line interface {
	TopHalf() bool
}

// Device consumes the job queue of a register bank one entry at a time and
// raises the slot interrupt when each job completes. Jobs always run on
// core 0.
type Device struct {
	bank        *regs.Bank
	jobDuration time.Duration
	line        Line

	// Touched only inside bank.Atomically.
	running bool
	slot    int
	doneAt  time.Time

	completed [regs.MaxSlots]atomic.Int64
	jobs      atomic.Int64
	dropped   atomic.Int64
	aborted   atomic.Int64
}

// NewDevice returns a device executing jobs of the given duration.
func NewDevice(bank *regs.Bank, jobDuration time.Duration) *Device {
	return &Device{bank: bank, jobDuration: jobDuration}
}

// Connect attaches the interrupt line. Without one the host must poll.
func (d *Device) Connect(line Line) { d.line = line }

// Step advances the device to now.
func (d *Device) Step(now time.Time) {
	raise := false
	d.bank.Atomically(func(hw regs.HW) {
		if d.running {
			switch {
			case hw.Read(regs.Slot(d.slot, regs.Sched)) == 0:
				// Descheduled or torn down mid-job.
				d.running = false
				hw.Write(regs.CoreLSID, regs.CoreLSIDIdle)
				d.aborted.Add(1)
			case !now.Before(d.doneAt):
				d.running = false
				hw.Write(regs.CoreLSID, regs.CoreLSIDIdle)
				hw.Write(regs.Slot(d.slot, regs.SlotIRQVE), 1)
				d.completed[d.slot].Add(1)
				d.jobs.Add(1)
				raise = true
			}
		}
		if d.running || hw.Read(regs.Enable) != 1 {
			return
		}

		q := hw.Read(regs.JobQueue)
		head := q & 0xFF
		if head == regs.JobInvalid {
			return
		}
		hw.Write(regs.JobQueue, q>>regs.JobEntryBits|regs.JobInvalid<<(regs.JobEntryBits*(regs.JobQueueDepth-1)))

		slot := int(head & 0x0F)
		if slot >= d.bank.Slots() ||
			hw.Read(regs.Slot(slot, regs.Alloc)) == regs.AllocNone ||
			hw.Read(regs.Slot(slot, regs.Sched)) != 1 {
			d.dropped.Add(1)
			return
		}
		d.running = true
		d.slot = slot
		d.doneAt = now.Add(d.jobDuration)
		hw.Write(regs.CoreLSID, regs.WithCoreSlot(regs.CoreLSIDIdle, 0, slot))
	})
	if raise && d.line != nil {
		d.line.TopHalf()
	}
}

// Run steps the device every tick until ctx is done.
func (d *Device) Run(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			d.Step(now)
		}
	}
}

// TakeCompleted returns and clears the number of jobs slot has completed.
func (d *Device) TakeCompleted(slot int) int {
	if slot < 0 || slot >= regs.MaxSlots {
		return 0
	}
	return int(d.completed[slot].Swap(0))
}

// ResetSlot discards completions counted for slot.
func (d *Device) ResetSlot(slot int) {
	if slot >= 0 && slot < regs.MaxSlots {
		d.completed[slot].Store(0)
	}
}

// DeviceStats counts device activity.
type DeviceStats struct {
	Jobs    int64 `json:"jobs"`
	Dropped int64 `json:"dropped"`
	Aborted int64 `json:"aborted"`
}

// Stats returns the device counters.
func (d *Device) Stats() DeviceStats {
	return DeviceStats{Jobs: d.jobs.Load(), Dropped: d.dropped.Load(), Aborted: d.aborted.Load()}
}
