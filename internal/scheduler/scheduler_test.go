package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/me/mvesched/internal/jobqueue"
	"github.com/me/mvesched/internal/regs"
)

// fakeSession records callback invocations.
type fakeSession struct {
	mu         sync.Mutex
	work       WorkState
	irqs       int
	switchIns  int
	completed  int
	switchOuts []bool
	buffers    int
	buffersOK  bool
	onBuffers  func()
}

func newFake(work WorkState) *fakeSession {
	return &fakeSession{work: work}
}

func (f *fakeSession) OnIRQ() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.irqs++
}

func (f *fakeSession) HasWork() WorkState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.work
}

func (f *fakeSession) OnSwitchOut(requireIdle bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switchOuts = append(f.switchOuts, requireIdle)
}

func (f *fakeSession) OnSwitchIn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switchIns++
}

func (f *fakeSession) OnSwitchOutCompleted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed++
}

func (f *fakeSession) RestrictingBufferCount() (int, bool) {
	if f.onBuffers != nil {
		f.onBuffers()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffers, f.buffersOK
}

func (f *fakeSession) setWork(w WorkState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.work = w
}

func (f *fakeSession) evictions() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.switchOuts...)
}

// eventLog is an Observer that keeps every event.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Observe(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig keeps hardware polls and waits short.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.UnscheduledWait = time.Millisecond
	cfg.TerminateRetries = 10
	cfg.DrainRetries = 10
	cfg.SuspendPollInterval = 5 * time.Millisecond
	return cfg
}

func newTestScheduler(t *testing.T, bankCfg regs.BankConfig, cfg Config) (*Scheduler, *regs.Bank, *eventLog) {
	t.Helper()
	bank := regs.NewBank(bankCfg)
	events := &eventLog{}
	s, err := New(bank, cfg, testLogger(), WithObserver(events))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, bank, events
}

func register(t *testing.T, s *Scheduler, id SessionID, cores int, cb Callbacks) {
	t.Helper()
	if err := s.Register(id, SessionConfig{MMUCtrl: 0x1000, Cores: cores}, cb); err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
}

func mustExecute(t *testing.T, s *Scheduler, id SessionID) bool {
	t.Helper()
	ok, err := s.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("Execute(%s): %v", id, err)
	}
	return ok
}

// checkInvariants asserts slot exclusivity and job-queue shape.
func checkInvariants(t *testing.T, s *Scheduler) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[*session]int)
	for slot := 0; slot < s.nslots; slot++ {
		ss := s.bySlot[slot]
		if ss == nil {
			continue
		}
		if prev, dup := seen[ss]; dup {
			t.Fatalf("session %s bound to slots %d and %d", ss.id, prev, slot)
		}
		seen[ss] = slot
		if ss.slot != slot {
			t.Fatalf("slot %d holds %s whose slot is %d", slot, ss.id, ss.slot)
		}
	}
	for _, ss := range s.sessions {
		if ss.bound() && s.bySlot[ss.slot] != ss {
			t.Fatalf("session %s claims slot %d it does not hold", ss.id, ss.slot)
		}
		if ss.enqueues < 0 || ss.enqueues > 1 {
			t.Fatalf("session %s has enqueue counter %d", ss.id, ss.enqueues)
		}
	}

	q := s.jq.Raw()
	if !denseQueue(q) {
		t.Fatalf("job queue %#08x has holes", q)
	}
	for slot := 0; slot < regs.MaxSlots; slot++ {
		if n := s.jq.CountEnqueues(slot); n > 2 {
			t.Fatalf("slot %d has %d job-queue entries", slot, n)
		}
	}
}

func denseQueue(q uint32) bool {
	free := false
	for i := 0; i < regs.JobQueueDepth; i++ {
		if (q>>(8*i))&0xFF == regs.JobInvalid {
			free = true
		} else if free {
			return false
		}
	}
	return true
}

func TestNew_ReadsHardwareIdentity(t *testing.T) {
	bank := regs.NewBank(regs.BankConfig{Slots: 3, Cores: 2})

	s, err := New(bank, Config{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Slots() != 3 || s.Cores() != 2 {
		t.Errorf("Slots/Cores = %d/%d, want 3/2", s.Slots(), s.Cores())
	}

	s, err = New(bank, Config{Slots: 2, Cores: 1}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Slots() != 2 || s.Cores() != 1 {
		t.Errorf("Slots/Cores = %d/%d, want 2/1", s.Slots(), s.Cores())
	}

	// nil logger
	if _, err := New(bank, Config{}, nil); err != nil {
		t.Fatalf("New without logger: %v", err)
	}
}

func TestNew_ConfigCannotExceedHardware(t *testing.T) {
	cfg := testConfig()
	cfg.Slots = 4
	cfg.Cores = 4
	s, bank, _ := newTestScheduler(t, regs.BankConfig{Slots: 2, Cores: 1}, cfg)

	if s.Slots() != 2 || s.Cores() != 1 {
		t.Fatalf("Slots/Cores = %d/%d, want 2/1", s.Slots(), s.Cores())
	}

	for _, id := range []SessionID{"a", "b", "c"} {
		register(t, s, id, 4, newFake(WorkBusy))
		mustExecute(t, s, id)
	}
	if slot := s.SlotOf("c"); slot != NoSlot {
		t.Errorf("c bound to slot %d on a two-slot device", slot)
	}
	if got := bank.Read(regs.Slot(0, regs.Ctrl)) >> regs.CtrlMaxCoresShift; got != 1 {
		t.Errorf("CTRL max cores = %d, want 1", got)
	}
	for _, e := range jobqueue.Decode(bank.Read(regs.JobQueue)) {
		if e.Slot >= 2 || e.Cores != 1 {
			t.Errorf("job queue entry %v exceeds the hardware", e)
		}
	}
	checkInvariants(t, s)
}

func TestRegister_Errors(t *testing.T) {
	s, _, _ := newTestScheduler(t, regs.BankConfig{Slots: 4, Cores: 1}, testConfig())

	register(t, s, "a", 1, newFake(WorkBusy))

	tests := []struct {
		name string
		id   SessionID
		cfg  SessionConfig
		cb   Callbacks
		want error
	}{
		{"duplicate", "a", SessionConfig{Cores: 1}, newFake(WorkBusy), ErrDuplicateSession},
		{"zero cores", "b", SessionConfig{Cores: 0}, newFake(WorkBusy), ErrInvalidConfig},
		{"too many cores", "b", SessionConfig{Cores: 9}, newFake(WorkBusy), ErrInvalidConfig},
		{"nil callbacks", "b", SessionConfig{Cores: 1}, nil, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Register(tt.id, tt.cfg, tt.cb)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Register = %v, want %v", err, tt.want)
			}
		})
	}
	if _, ok := s.Lookup("b"); ok {
		t.Error("failed registration left a session behind")
	}
}

func TestMapSession_ProgramsSlot(t *testing.T) {
	s, bank, _ := newTestScheduler(t, regs.BankConfig{Slots: 4, Cores: 2}, testConfig())

	if err := s.Register("sec", SessionConfig{MMUCtrl: 0xabc000, Cores: 4, Secure: true}, newFake(WorkBusy)); err != nil {
		t.Fatal(err)
	}
	if !mustExecute(t, s, "sec") {
		t.Fatal("Execute = false on idle hardware")
	}

	checks := []struct {
		reg  regs.Reg
		want uint32
	}{
		{regs.Slot(0, regs.Alloc), regs.AllocSecure},
		{regs.Slot(0, regs.MMUCtrl), 0xabc000},
		{regs.Slot(0, regs.Ctrl), 0xFC | 2<<regs.CtrlMaxCoresShift},
		{regs.Slot(0, regs.BusAttr(0)), DefaultBusAttribute},
		{regs.Slot(0, regs.BusAttr(3)), DefaultBusAttribute},
		{regs.Slot(0, regs.Sched), 1},
		{regs.Slot(0, regs.IRQHost), 1},
		{regs.JobQueue, 0x0F0F0F10},
	}
	for _, c := range checks {
		if got := bank.Read(c.reg); got != c.want {
			t.Errorf("%s = %#x, want %#x", c.reg, got, c.want)
		}
	}
	if bank.Writes(regs.Slot(0, regs.Terminate)) != 1 {
		t.Error("TERMINATE not pulsed during mapping")
	}
	if bank.Writes(regs.Slot(0, regs.FlushAll)) != 1 {
		t.Error("FLUSH_ALL not written during mapping")
	}
}

func TestStop_Idempotent(t *testing.T) {
	s, bank, events := newTestScheduler(t, regs.BankConfig{Slots: 4, Cores: 1}, testConfig())
	register(t, s, "a", 1, newFake(WorkBusy))
	mustExecute(t, s, "a")

	if err := s.Stop("a"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.SlotOf("a") != NoSlot {
		t.Fatal("session still bound after Stop")
	}
	if bank.Read(regs.Slot(0, regs.Alloc)) != regs.AllocNone || bank.Read(regs.Slot(0, regs.Sched)) != 0 {
		t.Fatal("slot 0 not released")
	}
	if bank.Read(regs.JobQueue) != regs.JobQueueEmpty {
		t.Fatalf("job queue %#08x after Stop", bank.Read(regs.JobQueue))
	}

	allocWrites := bank.Writes(regs.Slot(0, regs.Alloc))
	if err := s.Stop("a"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if bank.Writes(regs.Slot(0, regs.Alloc)) != allocWrites {
		t.Error("second Stop touched the hardware")
	}
	if n := events.count(EventStop); n != 1 {
		t.Errorf("stop events = %d, want 1", n)
	}

	if err := s.Stop("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Stop(unknown) = %v, want ErrUnknownSession", err)
	}
}

func TestStop_WakesWaitingExecute(t *testing.T) {
	cfg := testConfig()
	cfg.UnscheduledWait = 10 * time.Second
	s, _, _ := newTestScheduler(t, regs.BankConfig{Slots: 1, Cores: 1}, cfg)
	register(t, s, "a", 1, newFake(WorkBusy))
	register(t, s, "b", 1, newFake(WorkBusy))
	mustExecute(t, s, "a")

	result := make(chan bool, 1)
	go func() {
		ok, _ := s.Execute(context.Background(), "b")
		result <- ok
	}()
	waitPending(t, s, "b")

	if err := s.Stop("b"); err != nil {
		t.Fatal(err)
	}
	select {
	case ok := <-result:
		if ok {
			t.Fatal("stopped session reported scheduled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute still blocked after Stop")
	}
}

func TestExecute_WaitReturnsOnceMapped(t *testing.T) {
	cfg := testConfig()
	cfg.UnscheduledWait = 10 * time.Second
	s, bank, _ := newTestScheduler(t, regs.BankConfig{Slots: 1, Cores: 1}, cfg)
	register(t, s, "a", 1, newFake(WorkBusy))
	register(t, s, "b", 1, newFake(WorkBusy))
	mustExecute(t, s, "a")

	result := make(chan bool, 1)
	go func() {
		ok, _ := s.Execute(context.Background(), "b")
		result <- ok
	}()
	waitPending(t, s, "b")

	irqHost := bank.Writes(regs.Slot(0, regs.IRQHost))
	if err := s.Stop("a"); err != nil {
		t.Fatal(err)
	}
	select {
	case ok := <-result:
		if !ok {
			t.Fatal("Execute = false after the slot was handed over")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after the slot was handed over")
	}
	if s.SlotOf("b") != 0 {
		t.Fatalf("b on slot %d, want 0", s.SlotOf("b"))
	}
	if bank.Writes(regs.Slot(0, regs.IRQHost)) <= irqHost {
		t.Error("accelerator not signalled for b")
	}
}

func TestExecute_ContextCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.UnscheduledWait = 10 * time.Second
	s, _, _ := newTestScheduler(t, regs.BankConfig{Slots: 1, Cores: 1}, cfg)
	register(t, s, "a", 1, newFake(WorkBusy))
	register(t, s, "b", 1, newFake(WorkBusy))
	mustExecute(t, s, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	ok, err := s.Execute(ctx, "b")
	if ok || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Execute = %v, %v; want false, deadline exceeded", ok, err)
	}
}

func waitPending(t *testing.T, s *Scheduler, id SessionID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range s.Snapshot().Pending {
			if p == id {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("%s never reached the pending queue", id)
}

func TestUnregister_PurgesAndReleases(t *testing.T) {
	s, bank, _ := newTestScheduler(t, regs.BankConfig{Slots: 1, Cores: 1}, testConfig())
	register(t, s, "a", 1, newFake(WorkBusy))
	register(t, s, "b", 1, newFake(WorkBusy))
	mustExecute(t, s, "a")
	mustExecute(t, s, "b") // no slot: stays pending

	if err := s.Unregister("b"); err != nil {
		t.Fatal(err)
	}
	if got := s.Snapshot().Pending; len(got) != 0 {
		t.Fatalf("pending = %v after Unregister", got)
	}

	if err := s.Unregister("a"); err != nil {
		t.Fatal(err)
	}
	if bank.Read(regs.Slot(0, regs.Alloc)) != regs.AllocNone {
		t.Error("slot still allocated after Unregister")
	}
	if _, ok := s.Lookup("a"); ok {
		t.Error("a still registered")
	}
	if err := s.Unregister("a"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("second Unregister = %v, want ErrUnknownSession", err)
	}
}

func TestHandleIRQ_NoSessionIgnored(t *testing.T) {
	s, bank, _ := newTestScheduler(t, regs.BankConfig{Slots: 2, Cores: 1}, testConfig())
	before := bank.Writes(regs.Enable)
	s.HandleIRQ(1)
	s.HandleIRQ(-1)
	s.HandleIRQ(regs.MaxSlots)
	if bank.Writes(regs.Enable) != before {
		t.Error("orphan interrupt touched the job queue")
	}
}

func TestHandleIRQ_RescheduleQueuesAnotherJob(t *testing.T) {
	s, bank, _ := newTestScheduler(t, regs.BankConfig{Slots: 4, Cores: 1}, testConfig())
	a := newFake(WorkBusy)
	register(t, s, "a", 1, a)
	mustExecute(t, s, "a")

	// The accelerator picked up the job and finished it.
	bank.Atomically(func(hw regs.HW) { hw.Write(regs.JobQueue, regs.JobQueueEmpty) })
	a.setWork(WorkReschedule)
	s.HandleIRQ(0)

	if a.irqs != 1 {
		t.Errorf("OnIRQ calls = %d, want 1", a.irqs)
	}
	if got := bank.Read(regs.JobQueue); got != 0x0F0F0F00 {
		t.Errorf("JOBQUEUE = %#08x, want one entry for slot 0", got)
	}
	if a.switchIns != 2 {
		t.Errorf("OnSwitchIn calls = %d, want 2", a.switchIns)
	}
	checkInvariants(t, s)
}

func TestSessionStatus_CallbackWithoutLock(t *testing.T) {
	s, _, _ := newTestScheduler(t, regs.BankConfig{Slots: 4, Cores: 1}, testConfig())
	f := newFake(WorkBusy)
	f.buffers, f.buffersOK = 3, true
	// Re-entering the scheduler would deadlock if the lock were held.
	f.onBuffers = func() { s.Snapshot() }
	register(t, s, "a", 1, f)

	n, ok := s.SessionStatus("a")
	if !ok || n != 3 {
		t.Fatalf("SessionStatus = %d,%v, want 3,true", n, ok)
	}
	if _, ok := s.SessionStatus("missing"); ok {
		t.Error("SessionStatus for unknown session reported ok")
	}

	f.buffers = -1
	if _, ok := s.SessionStatus("a"); ok {
		t.Error("negative count reported ok")
	}
}

func TestFlushTLB(t *testing.T) {
	s, bank, _ := newTestScheduler(t, regs.BankConfig{Slots: 4, Cores: 1}, testConfig())
	register(t, s, "a", 1, newFake(WorkBusy))

	if err := s.FlushTLB("a"); err != nil {
		t.Fatal(err)
	}
	if bank.Writes(regs.Slot(0, regs.FlushAll)) != 0 {
		t.Fatal("FLUSH_ALL written for an unbound session")
	}
	mustExecute(t, s, "a")
	before := bank.Writes(regs.Slot(0, regs.FlushAll))
	if err := s.FlushTLB("a"); err != nil {
		t.Fatal(err)
	}
	if bank.Writes(regs.Slot(0, regs.FlushAll)) != before+1 {
		t.Error("FLUSH_ALL not written")
	}
	if err := s.FlushTLB("zz"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("FlushTLB(unknown) = %v", err)
	}
}

func TestClose(t *testing.T) {
	s, bank, _ := newTestScheduler(t, regs.BankConfig{Slots: 4, Cores: 1}, testConfig())
	register(t, s, "a", 1, newFake(WorkBusy))
	mustExecute(t, s, "a")

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if bank.Read(regs.Slot(0, regs.Alloc)) != regs.AllocNone {
		t.Error("Close left slot 0 allocated")
	}
	if _, err := s.Execute(context.Background(), "a"); !errors.Is(err, ErrClosed) {
		t.Errorf("Execute after Close = %v", err)
	}
	if err := s.Register("b", SessionConfig{Cores: 1}, newFake(WorkBusy)); !errors.Is(err, ErrClosed) {
		t.Errorf("Register after Close = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
