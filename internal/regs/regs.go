// Package regs describes the accelerator's core-scheduler register bank and
// the gateway used to access it.
package regs

import "fmt"

// Gateway provides atomic 32-bit access to the core-scheduler registers.
type Gateway interface {
	Read(r Reg) uint32
	Write(r Reg, v uint32)
}

// Reg is a register offset within the core-scheduler bank.
type Reg uint32

// Global registers.
const (
	Version  Reg = 0x0000
	Enable   Reg = 0x0004 // 1 enables job scheduling; poll for 0 after writing 0
	NCores   Reg = 0x0008 // read-only
	NLSID    Reg = 0x000c // read-only
	CoreLSID Reg = 0x0010 // 4 bits per core, 0xF when idle; read-only
	JobQueue Reg = 0x0014 // four 8-bit (slot, cores-1) entries packed from the low byte
	IRQVE    Reg = 0x0018 // one bit per slot; read-only view of the per-slot IRQVE registers
	ClkPause Reg = 0x001c
	ClkIdle  Reg = 0x0020
	ClkForce Reg = 0x0024
)

// Per-slot register offsets, relative to the slot block.
const (
	Ctrl      Reg = 0x00
	MMUCtrl   Reg = 0x04
	NProt     Reg = 0x08
	Alloc     Reg = 0x0c
	FlushAll  Reg = 0x10
	Sched     Reg = 0x14
	Terminate Reg = 0x18
	SlotIRQVE Reg = 0x1c // interrupt from the accelerator to the host
	IRQHost   Reg = 0x20 // interrupt from the host to the accelerator
	IntSig    Reg = 0x24
	StreamID  Reg = 0x2c
	BusAttr0  Reg = 0x30
	BusAttr1  Reg = 0x34
	BusAttr2  Reg = 0x38
	BusAttr3  Reg = 0x3c

	slotBase   Reg = 0x0200
	slotStride Reg = 0x0040
)

// Layout constants.
const (
	MaxSlots      = 4
	JobQueueDepth = 4

	JobEntryBits  = 8
	CoreEntryBits = 4

	JobInvalid    uint32 = 0x0F
	JobQueueEmpty uint32 = 0x0F0F0F0F
	CoreIdle      uint32 = 0xF

	// CoreLSIDIdle is the CORELSID value with every core idle.
	CoreLSIDIdle uint32 = 0xFFFFFFFF

	AllocNone      uint32 = 0
	AllocNonSecure uint32 = 1
	AllocSecure    uint32 = 2

	CtrlDisallowBits  = 8
	CtrlMaxCoresShift = 8

	BusAttrCount = 4
)

// Slot returns the address of a per-slot register.
func Slot(slot int, off Reg) Reg {
	return slotBase + Reg(slot)*slotStride + off
}

// BusAttr returns the per-slot offset of bus attribute register i.
func BusAttr(i int) Reg {
	return BusAttr0 + Reg(i)*4
}

var globalNames = map[Reg]string{
	Version:  "VERSION",
	Enable:   "ENABLE",
	NCores:   "NCORES",
	NLSID:    "NLSID",
	CoreLSID: "CORELSID",
	JobQueue: "JOBQUEUE",
	IRQVE:    "IRQVE",
	ClkPause: "CLKPAUSE",
	ClkIdle:  "CLKIDLE",
	ClkForce: "CLKFORCE",
}

var slotNames = map[Reg]string{
	Ctrl:      "CTRL",
	MMUCtrl:   "MMU_CTRL",
	NProt:     "NPROT",
	Alloc:     "ALLOC",
	FlushAll:  "FLUSH_ALL",
	Sched:     "SCHED",
	Terminate: "TERMINATE",
	SlotIRQVE: "IRQVE",
	IRQHost:   "IRQHOST",
	IntSig:    "INTSIG",
	StreamID:  "STREAMID",
	BusAttr0:  "BUSATTR[0]",
	BusAttr1:  "BUSATTR[1]",
	BusAttr2:  "BUSATTR[2]",
	BusAttr3:  "BUSATTR[3]",
}

// String returns the hardware name of the register, e.g. "LSID[1].ALLOC".
func (r Reg) String() string {
	if r < slotBase {
		if n, ok := globalNames[r]; ok {
			return n
		}
		return fmt.Sprintf("REG(0x%04x)", uint32(r))
	}
	slot := int((r - slotBase) / slotStride)
	off := (r - slotBase) % slotStride
	if n, ok := slotNames[off]; ok {
		return fmt.Sprintf("LSID[%d].%s", slot, n)
	}
	return fmt.Sprintf("LSID[%d].REG(0x%02x)", slot, uint32(off))
}

// GlobalRegisters lists the global registers in address order.
func GlobalRegisters() []Reg {
	return []Reg{Version, Enable, NCores, NLSID, CoreLSID, JobQueue, IRQVE, ClkPause, ClkIdle, ClkForce}
}

// SlotRegisters lists the per-slot register offsets in address order.
func SlotRegisters() []Reg {
	return []Reg{Ctrl, MMUCtrl, NProt, Alloc, FlushAll, Sched, Terminate, SlotIRQVE, IRQHost, StreamID,
		BusAttr0, BusAttr1, BusAttr2, BusAttr3}
}

// CoreSlot returns the slot executing on core, or false when the core is idle.
func CoreSlot(coreLSID uint32, core int) (int, bool) {
	v := (coreLSID >> (uint(core) * CoreEntryBits)) & 0xF
	if v == CoreIdle {
		return 0, false
	}
	return int(v), true
}

// WithCoreSlot returns coreLSID with core marked as executing slot. A
// negative slot marks the core idle.
func WithCoreSlot(coreLSID uint32, core, slot int) uint32 {
	shift := uint(core) * CoreEntryBits
	v := CoreIdle
	if slot >= 0 {
		v = uint32(slot) & 0xF
	}
	return coreLSID&^(0xF<<shift) | v<<shift
}
