package irq

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/me/mvesched/internal/regs"
)

type recorder struct {
	mu    sync.Mutex
	slots []int
	got   chan int
}

func newRecorder() *recorder {
	return &recorder{got: make(chan int, 16)}
}

func (r *recorder) HandleIRQ(slot int) {
	r.mu.Lock()
	r.slots = append(r.slots, slot)
	r.mu.Unlock()
	r.got <- slot
}

func (r *recorder) wait(t *testing.T, n int) []int {
	t.Helper()
	var out []int
	for len(out) < n {
		select {
		case s := <-r.got:
			out = append(out, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d interrupts %v, want %d", len(out), out, n)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTopHalf_LatchesAndAcknowledges(t *testing.T) {
	bank := regs.NewBank(regs.BankConfig{Slots: 4, Cores: 1})
	f := New(bank, newRecorder(), testLogger())

	if f.TopHalf() {
		t.Fatal("TopHalf reported an interrupt with IRQVE clear")
	}

	bank.RaiseIRQ(1)
	bank.RaiseIRQ(3)
	if !f.TopHalf() {
		t.Fatal("TopHalf missed raised interrupts")
	}
	if got := bank.Read(regs.IRQVE); got != 0 {
		t.Errorf("IRQVE = %#x after TopHalf, want 0", got)
	}
	if got := f.pending.Load(); got != 0b1010 {
		t.Errorf("pending = %#b, want 0b1010", got)
	}
	if raised, _ := f.Stats(); raised != 2 {
		t.Errorf("raised = %d, want 2", raised)
	}
}

func TestRun_DispatchesEachSlotOnce(t *testing.T) {
	bank := regs.NewBank(regs.BankConfig{Slots: 4, Cores: 1})
	rec := newRecorder()
	f := New(bank, rec, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	bank.RaiseIRQ(2)
	bank.RaiseIRQ(0)
	f.TopHalf()
	// A second top half before the worker runs coalesces.
	f.TopHalf()

	got := rec.wait(t, 2)
	slices.Sort(got)
	if !slices.Equal(got, []int{0, 2}) {
		t.Fatalf("dispatched %v, want [0 2]", got)
	}

	bank.RaiseIRQ(2)
	f.TopHalf()
	if got := rec.wait(t, 1); got[0] != 2 {
		t.Fatalf("dispatched %v, want [2]", got)
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if _, dispatched := f.Stats(); dispatched != 3 {
		t.Errorf("dispatched = %d, want 3", dispatched)
	}
}

func TestRun_DebugDelay(t *testing.T) {
	bank := regs.NewBank(regs.BankConfig{Slots: 4, Cores: 1})
	rec := newRecorder()
	f := New(bank, rec, testLogger())
	f.SetDelay(30 * time.Millisecond)
	if f.Delay() != 30*time.Millisecond {
		t.Fatalf("Delay = %v", f.Delay())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	start := time.Now()
	bank.RaiseIRQ(1)
	f.TopHalf()
	rec.wait(t, 1)
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("dispatched after %v, want at least the debug delay", elapsed)
	}

	f.SetDelay(-time.Second)
	if f.Delay() != 0 {
		t.Errorf("negative delay stored as %v", f.Delay())
	}
}

func TestPoll(t *testing.T) {
	bank := regs.NewBank(regs.BankConfig{Slots: 4, Cores: 1})
	rec := newRecorder()
	f := New(bank, rec, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)
	go f.Poll(ctx, time.Millisecond)

	bank.RaiseIRQ(3)
	if got := rec.wait(t, 1); got[0] != 3 {
		t.Fatalf("dispatched %v, want [3]", got)
	}
}

func TestNew_NilLogger(t *testing.T) {
	bank := regs.NewBank(regs.BankConfig{Slots: 2, Cores: 1})
	rec := newRecorder()
	f := New(bank, rec, nil)

	bank.RaiseIRQ(1)
	if !f.TopHalf() {
		t.Fatal("TopHalf = false with slot 1 raised")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)
	if got := rec.wait(t, 1); got[0] != 1 {
		t.Errorf("dispatched %v, want [1]", got)
	}
}
