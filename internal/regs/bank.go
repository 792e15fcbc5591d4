package regs

import (
	"sort"
	"sync"
)

// BankConfig describes the identity of a simulated register bank.
type BankConfig struct {
	Slots   int
	Cores   int
	Version uint32
}

// Bank is an in-memory core-scheduler register bank with the access
// semantics of the hardware. It implements Gateway for the driver side;
// Atomically gives the accelerator model exclusive access for compound
// updates.
type Bank struct {
	cfg BankConfig

	mu     sync.Mutex
	regs   map[Reg]uint32
	writes map[Reg]int
	stuck  map[int]bool // slots whose TERMINATE is never acknowledged
}

// NewBank returns a bank in its reset state.
func NewBank(cfg BankConfig) *Bank {
	if cfg.Slots <= 0 || cfg.Slots > MaxSlots {
		cfg.Slots = MaxSlots
	}
	if cfg.Cores <= 0 || cfg.Cores > CtrlDisallowBits {
		cfg.Cores = 1
	}
	b := &Bank{cfg: cfg}
	b.Reset()
	return b
}

// Reset restores the power-on register values and clears fault injection.
func (b *Bank) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.regs = map[Reg]uint32{
		Version:  b.cfg.Version,
		Enable:   1,
		NCores:   uint32(b.cfg.Cores),
		NLSID:    uint32(b.cfg.Slots),
		CoreLSID: CoreLSIDIdle,
		JobQueue: JobQueueEmpty,
	}
	for slot := 0; slot < b.cfg.Slots; slot++ {
		b.regs[Slot(slot, NProt)] = 1
	}
	b.writes = make(map[Reg]int)
	b.stuck = make(map[int]bool)
}

// Read implements Gateway.
func (b *Bank) Read(r Reg) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read(r)
}

// Write implements Gateway. Writes to read-only registers are dropped.
func (b *Bank) Write(r Reg, v uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.writes[r]++
	switch r {
	case Version, NCores, NLSID, CoreLSID, IRQVE, ClkIdle:
		return
	}
	if r < slotBase {
		b.regs[r] = v
		return
	}

	slot := int((r - slotBase) / slotStride)
	switch (r - slotBase) % slotStride {
	case Terminate:
		if v != 0 && !b.stuck[slot] {
			v = 0
		}
	case Alloc:
		if v == AllocNone {
			b.regs[Slot(slot, Sched)] = 0
			b.regs[Slot(slot, NProt)] = 1
			b.regs[Slot(slot, StreamID)] = 0
		}
	}
	b.regs[r] = v
}

func (b *Bank) read(r Reg) uint32 {
	if r == IRQVE {
		var vec uint32
		for slot := 0; slot < b.cfg.Slots; slot++ {
			if b.regs[Slot(slot, SlotIRQVE)] != 0 {
				vec |= 1 << uint(slot)
			}
		}
		return vec
	}
	return b.regs[r]
}

// HW is the accelerator's view of the bank. It may write any register,
// including those that are read-only to the driver.
type HW struct {
	b *Bank
}

// Read returns the register value as the driver would see it.
func (h HW) Read(r Reg) uint32 { return h.b.read(r) }

// Write stores v without driver-side side effects.
func (h HW) Write(r Reg, v uint32) { h.b.regs[r] = v }

// Atomically runs fn with exclusive access to the bank.
func (b *Bank) Atomically(fn func(hw HW)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(HW{b: b})
}

// SetCoreLSID sets the per-core execution bitmap.
func (b *Bank) SetCoreLSID(v uint32) {
	b.Atomically(func(hw HW) { hw.Write(CoreLSID, v) })
}

// RaiseIRQ sets the accelerator-to-host interrupt for slot.
func (b *Bank) RaiseIRQ(slot int) {
	b.Atomically(func(hw HW) { hw.Write(Slot(slot, SlotIRQVE), 1) })
}

// SetTerminateStuck makes the slot's TERMINATE register ignore (stuck=true)
// or acknowledge (stuck=false) termination requests.
func (b *Bank) SetTerminateStuck(slot int, stuck bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stuck[slot] = stuck
}

// Writes returns how many driver writes r has received since the last Reset.
func (b *Bank) Writes(r Reg) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes[r]
}

// Slots returns the number of slots the bank reports.
func (b *Bank) Slots() int { return b.cfg.Slots }

// Cores returns the number of cores the bank reports.
func (b *Bank) Cores() int { return b.cfg.Cores }

// RegValue is one register in a Dump.
type RegValue struct {
	Name  string `json:"name" yaml:"name"`
	Addr  uint32 `json:"addr" yaml:"addr"`
	Value uint32 `json:"value" yaml:"value"`
}

// Dump reads every global register and every register of slots 0..slots-1
// through g, in address order.
func Dump(g Gateway, slots int) []RegValue {
	addrs := GlobalRegisters()
	for slot := 0; slot < slots; slot++ {
		for _, off := range SlotRegisters() {
			addrs = append(addrs, Slot(slot, off))
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	out := make([]RegValue, 0, len(addrs))
	for _, r := range addrs {
		out = append(out, RegValue{Name: r.String(), Addr: uint32(r), Value: g.Read(r)})
	}
	return out
}
