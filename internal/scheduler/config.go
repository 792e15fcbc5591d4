package scheduler

import (
	"time"

	"github.com/me/mvesched/internal/jobqueue"
	"github.com/me/mvesched/internal/regs"
)

// DefaultBusAttribute is written to every BUSATTR register of a mapped slot.
const DefaultBusAttribute uint32 = 0x33

// Config holds scheduler configuration.
type Config struct {
	// Slots limits the number of hardware slots used. Zero, or a value
	// above NLSID, uses every slot the hardware reports.
	Slots int
	// Cores limits the accelerator cores a session may use. Zero, or a
	// value above NCORES, uses every core the hardware reports.
	Cores int

	PendingCapacity int
	// UnscheduledWait bounds how long Execute waits for an unbound session
	// to be mapped.
	UnscheduledWait time.Duration

	TerminateRetries int // TERMINATE acknowledge polls
	DrainRetries     int // CORELSID polls before a slot is deallocated
	EnableRetries    int // ENABLE polls after pausing job dispatch

	SuspendPollInterval time.Duration

	// IdleSwitchout asks every idle session to switch out, even when no
	// other work is queued, so the hardware can power gate.
	IdleSwitchout bool

	BusAttributes [regs.BusAttrCount]uint32
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PendingCapacity:     64,
		UnscheduledWait:     15 * time.Millisecond,
		TerminateRetries:    1000,
		DrainRetries:        100,
		EnableRetries:       jobqueue.DefaultEnableRetries,
		SuspendPollInterval: 100 * time.Millisecond,
		BusAttributes: [regs.BusAttrCount]uint32{
			DefaultBusAttribute, DefaultBusAttribute, DefaultBusAttribute, DefaultBusAttribute,
		},
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PendingCapacity <= 0 {
		c.PendingCapacity = d.PendingCapacity
	}
	if c.UnscheduledWait <= 0 {
		c.UnscheduledWait = d.UnscheduledWait
	}
	if c.TerminateRetries <= 0 {
		c.TerminateRetries = d.TerminateRetries
	}
	if c.DrainRetries <= 0 {
		c.DrainRetries = d.DrainRetries
	}
	if c.EnableRetries <= 0 {
		c.EnableRetries = d.EnableRetries
	}
	if c.SuspendPollInterval <= 0 {
		c.SuspendPollInterval = d.SuspendPollInterval
	}
	if c.BusAttributes == [regs.BusAttrCount]uint32{} {
		c.BusAttributes = d.BusAttributes
	}
	return c
}
