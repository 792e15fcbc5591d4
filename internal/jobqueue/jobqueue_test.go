package jobqueue

import (
	"slices"
	"testing"

	"github.com/me/mvesched/internal/regs"
)

func newManager(t *testing.T) (*Manager, *regs.Bank) {
	t.Helper()
	bank := regs.NewBank(regs.BankConfig{Slots: 4, Cores: 2})
	return New(bank, 2, 0), bank
}

func TestRemove(t *testing.T) {
	tests := []struct {
		name string
		q    uint32
		slot int
		want uint32
	}{
		{"empty", regs.JobQueueEmpty, 0, regs.JobQueueEmpty},
		{"only entry", 0x0F0F0F01, 1, regs.JobQueueEmpty},
		{"head", 0x0F020100, 0, 0x0F0F0201},
		{"middle", 0x0F020100, 1, 0x0F0F0200},
		{"tail", 0x0F020100, 2, 0x0F0F0100},
		{"full queue two entries", 0x02010201, 1, 0x0F0F0202},
		{"absent", 0x0F0F0100, 3, 0x0F0F0100},
		{"keeps core counts", 0x0F0F3110, 0, 0x0F0F0F31},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Remove(tt.q, tt.slot)
			if got != tt.want {
				t.Errorf("Remove(%#08x, %d) = %#08x, want %#08x", tt.q, tt.slot, got, tt.want)
			}
			if !Dense(got) {
				t.Errorf("Remove(%#08x, %d) = %#08x is not dense", tt.q, tt.slot, got)
			}
			if Count(got, tt.slot) != 0 {
				t.Errorf("slot %d still present in %#08x", tt.slot, got)
			}
		})
	}
}

func TestDense(t *testing.T) {
	tests := []struct {
		q    uint32
		want bool
	}{
		{regs.JobQueueEmpty, true},
		{0x0F0F0F00, true},
		{0x03020100, true},
		{0x0F0F000F, false},
		{0x000F0F0F, false},
		{0x0F000F01, false},
	}
	for _, tt := range tests {
		if got := Dense(tt.q); got != tt.want {
			t.Errorf("Dense(%#08x) = %v, want %v", tt.q, got, tt.want)
		}
	}
}

func TestDecode(t *testing.T) {
	got := Decode(0x0F0F1102)
	want := []Entry{{Slot: 2, Cores: 1}, {Slot: 1, Cores: 2}}
	if !slices.Equal(got, want) {
		t.Fatalf("Decode = %v, want %v", got, want)
	}
	if s := Format(0x0F0F1102); s != "[2/1 1/2]" {
		t.Errorf("Format = %q", s)
	}
}

func TestManager_EnqueueFillsInOrder(t *testing.T) {
	m, bank := newManager(t)

	if !m.IsEmpty() || !m.IsFree() {
		t.Fatal("fresh queue should be empty and free")
	}
	for i, slot := range []int{0, 1, 0, 2} {
		if !m.Enqueue(slot, 2) {
			t.Fatalf("Enqueue #%d (slot %d) failed", i, slot)
		}
		if !Dense(m.Raw()) {
			t.Fatalf("queue %#08x not dense after enqueue #%d", m.Raw(), i)
		}
	}
	if m.IsFree() {
		t.Error("IsFree on full queue")
	}
	if m.Enqueue(3, 1) {
		t.Error("Enqueue on full queue succeeded")
	}
	if got := m.Raw(); got != 0x12101110 {
		t.Errorf("JOBQUEUE = %#08x, want 0x12101110", got)
	}
	if n := m.CountEnqueues(0); n != 2 {
		t.Errorf("CountEnqueues(0) = %d, want 2", n)
	}
	if bank.Read(regs.Enable) != 1 {
		t.Error("scheduling left disabled after Enqueue")
	}
}

func TestManager_DequeueSlot(t *testing.T) {
	m, _ := newManager(t)
	m.Enqueue(0, 1)
	m.Enqueue(1, 1)
	m.Enqueue(0, 1)

	m.DisableScheduling()
	m.DequeueSlot(0)
	m.EnableScheduling()

	if got := m.Raw(); got != 0x0F0F0F01 {
		t.Fatalf("JOBQUEUE = %#08x, want 0x0F0F0F01", got)
	}
	if m.Contains(0) {
		t.Error("slot 0 still queued")
	}
	if !m.Contains(1) {
		t.Error("slot 1 lost")
	}
}

func TestManager_IsEnqueuedSeesExecutingCores(t *testing.T) {
	m, bank := newManager(t)

	if m.IsEnqueued(2) {
		t.Fatal("idle slot reported enqueued")
	}
	if _, ok := m.CurrentlyExecuting(); ok {
		t.Fatal("CurrentlyExecuting on idle hardware")
	}

	bank.SetCoreLSID(regs.WithCoreSlot(regs.CoreLSIDIdle, 1, 2))
	if !m.IsEnqueued(2) {
		t.Error("slot executing on core 1 not reported enqueued")
	}
	if m.Contains(2) {
		t.Error("Contains must only look at the queue")
	}
	if slot, ok := m.CurrentlyExecuting(); !ok || slot != 2 {
		t.Errorf("CurrentlyExecuting = %d,%v, want 2,true", slot, ok)
	}
}

type stuckEnable struct {
	*regs.Bank
}

func (s stuckEnable) Read(r regs.Reg) uint32 {
	if r == regs.Enable {
		return 1
	}
	return s.Bank.Read(r)
}

func TestManager_DisableSchedulingBounded(t *testing.T) {
	bank := regs.NewBank(regs.BankConfig{Slots: 4, Cores: 1})
	m := New(stuckEnable{bank}, 1, 5)
	if m.DisableScheduling() {
		t.Fatal("DisableScheduling reported success on stuck ENABLE")
	}
}
