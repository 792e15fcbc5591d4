// Package jobqueue manages the accelerator's hardware job queue register.
//
// The JOBQUEUE register holds four 8-bit entries. The low nibble of an entry
// is the slot, the high nibble the number of cores minus one, and 0x0F marks
// an unused entry. The hardware consumes entries from the low byte and does
// not skip holes, so valid entries must stay packed toward the low end.
package jobqueue

import (
	"fmt"
	"strings"

	"github.com/me/mvesched/internal/regs"
)

// DefaultEnableRetries bounds the ENABLE poll in DisableScheduling.
const DefaultEnableRetries = 1000

// MaxEntriesPerSlot is the most job-queue entries one slot may hold at once.
const MaxEntriesPerSlot = 2

// Entry is one decoded job-queue entry.
type Entry struct {
	Slot  int `json:"slot"`
	Cores int `json:"cores"`
}

func (e Entry) String() string {
	return fmt.Sprintf("%d/%d", e.Slot, e.Cores)
}

// Manager reads and edits the job queue through a register gateway. It
// holds no state of its own; the hardware registers are authoritative.
// Callers serialize access.
type Manager struct {
	gw      regs.Gateway
	cores   int
	retries int
}

// New returns a manager for a device with the given number of cores.
// enableRetries <= 0 selects DefaultEnableRetries.
func New(gw regs.Gateway, cores, enableRetries int) *Manager {
	if enableRetries <= 0 {
		enableRetries = DefaultEnableRetries
	}
	return &Manager{gw: gw, cores: cores, retries: enableRetries}
}

// Raw returns the JOBQUEUE register value.
func (m *Manager) Raw() uint32 {
	return m.gw.Read(regs.JobQueue)
}

// IsFree reports whether at least one entry is unused.
func (m *Manager) IsFree() bool {
	return (m.Raw()>>24)&0xFF == regs.JobInvalid
}

// IsEmpty reports whether every entry is unused.
func (m *Manager) IsEmpty() bool {
	return m.Raw() == regs.JobQueueEmpty
}

// Contains reports whether slot has an entry in the job queue.
func (m *Manager) Contains(slot int) bool {
	return Count(m.Raw(), slot) > 0
}

// IsEnqueued reports whether slot is in the job queue or executing on any core.
func (m *Manager) IsEnqueued(slot int) bool {
	coreLSID := m.gw.Read(regs.CoreLSID)
	for core := 0; core < m.cores; core++ {
		if s, ok := regs.CoreSlot(coreLSID, core); ok && s == slot {
			return true
		}
	}
	return m.Contains(slot)
}

// CountEnqueues returns the number of entries referencing slot.
func (m *Manager) CountEnqueues(slot int) int {
	return Count(m.Raw(), slot)
}

// Enqueue writes (slot, cores) into the first unused entry with hardware
// scheduling paused. It returns false when the queue is full.
func (m *Manager) Enqueue(slot, cores int) bool {
	m.DisableScheduling()
	defer m.EnableScheduling()

	q := m.Raw()
	for i := 0; i < regs.JobQueueDepth; i++ {
		shift := uint(i * regs.JobEntryBits)
		if (q>>shift)&0xFF != regs.JobInvalid {
			continue
		}
		q = q&^(0xFF<<shift) | encode(slot, cores)<<shift
		m.gw.Write(regs.JobQueue, q)
		return true
	}
	return false
}

// DequeueSlot removes every entry referencing slot and repacks the rest.
// The caller must have paused hardware scheduling.
func (m *Manager) DequeueSlot(slot int) {
	m.gw.Write(regs.JobQueue, Remove(m.Raw(), slot))
}

// CurrentlyExecuting returns the slot running on the lowest busy core. At
// most one slot executes at a time on this hardware.
func (m *Manager) CurrentlyExecuting() (int, bool) {
	coreLSID := m.gw.Read(regs.CoreLSID)
	for core := 0; core < m.cores; core++ {
		if s, ok := regs.CoreSlot(coreLSID, core); ok {
			return s, true
		}
	}
	return 0, false
}

// DisableScheduling pauses hardware job dispatch and waits for the
// hardware to acknowledge. It returns false if the acknowledgement did not
// arrive within the retry bound; scheduling is still treated as paused.
func (m *Manager) DisableScheduling() bool {
	m.gw.Write(regs.Enable, 0)
	for i := 0; i < m.retries; i++ {
		if m.gw.Read(regs.Enable) == 0 {
			return true
		}
	}
	return false
}

// EnableScheduling resumes hardware job dispatch.
func (m *Manager) EnableScheduling() {
	m.gw.Write(regs.Enable, 1)
}

func encode(slot, cores int) uint32 {
	if cores < 1 {
		cores = 1
	}
	return uint32(slot)&0x0F | (uint32(cores-1)&0x0F)<<4
}

// Decode returns the valid entries of q in dispatch order.
func Decode(q uint32) []Entry {
	var out []Entry
	for i := 0; i < regs.JobQueueDepth; i++ {
		b := (q >> uint(i*regs.JobEntryBits)) & 0xFF
		if b == regs.JobInvalid {
			continue
		}
		out = append(out, Entry{Slot: int(b & 0x0F), Cores: int(b>>4) + 1})
	}
	return out
}

// Dense reports whether no unused entry precedes a valid one in q.
func Dense(q uint32) bool {
	seenFree := false
	for i := 0; i < regs.JobQueueDepth; i++ {
		b := (q >> uint(i*regs.JobEntryBits)) & 0xFF
		if b == regs.JobInvalid {
			seenFree = true
		} else if seenFree {
			return false
		}
	}
	return true
}

// Count returns the number of entries in q referencing slot.
func Count(q uint32, slot int) int {
	n := 0
	for i := 0; i < regs.JobQueueDepth; i++ {
		if int((q>>uint(i*regs.JobEntryBits))&0x0F) == slot {
			n++
		}
	}
	return n
}

// Remove returns q without the entries referencing slot. Surviving entries
// keep their order and are packed toward the low byte; vacated high bytes
// become unused.
func Remove(q uint32, slot int) uint32 {
	out := regs.JobQueueEmpty
	for i := 0; i < regs.JobQueueDepth; i++ {
		job := q >> 24
		if int(job&0x0F) != slot {
			out = out<<8 | job
		}
		q <<= 8
	}
	return out
}

// Format renders q as its valid entries, e.g. "[0/1 2/1]".
func Format(q uint32) string {
	entries := Decode(q)
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
