package sim

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/me/mvesched/internal/scheduler"
)

// slotTable tracks which slot each session holds, as reported by the
// scheduler's events, and forwards every event to next.
type slotTable struct {
	dev  *Device
	next scheduler.Observer

	mu    sync.Mutex
	slots map[scheduler.SessionID]int
}

func newSlotTable(dev *Device, next scheduler.Observer) *slotTable {
	return &slotTable{dev: dev, next: next, slots: make(map[scheduler.SessionID]int)}
}

func (t *slotTable) Observe(e scheduler.Event) {
	t.mu.Lock()
	switch e.Kind {
	case scheduler.EventMap:
		t.slots[e.Session] = e.Slot
		t.dev.ResetSlot(e.Slot)
	case scheduler.EventSwitchOut, scheduler.EventStop:
		delete(t.slots, e.Session)
	}
	t.mu.Unlock()

	if t.next != nil {
		t.next.Observe(e)
	}
}

func (t *slotTable) slot(id scheduler.SessionID) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[id]
	return s, ok
}

// Workload is a synthetic session that needs a fixed number of frames
// decoded, one job per frame.
type Workload struct {
	id     scheduler.SessionID
	frames int
	table  *slotTable
	dev    *Device

	mu          sync.Mutex
	inFlight    int
	completed   int
	irqs        int
	switchIns   int
	switchOuts  int
	evictions   int
	doneOnce    sync.Once
	done        chan struct{}
	lastHasWork scheduler.WorkState
}

func newWorkload(id scheduler.SessionID, frames int, table *slotTable, dev *Device) *Workload {
	return &Workload{id: id, frames: frames, table: table, dev: dev, done: make(chan struct{})}
}

// collect moves the device's completions for the session's slot into the
// workload. w.mu must be held.
func (w *Workload) collect() {
	slot, ok := w.table.slot(w.id)
	if !ok {
		return
	}
	n := w.dev.TakeCompleted(slot)
	w.completed += n
	w.inFlight -= n
	if w.inFlight < 0 {
		w.inFlight = 0
	}
	if w.completed >= w.frames {
		w.completed = w.frames
		w.doneOnce.Do(func() { close(w.done) })
	}
}

func (w *Workload) OnIRQ() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.irqs++
	w.collect()
}

func (w *Workload) HasWork() scheduler.WorkState {
	w.mu.Lock()
	defer w.mu.Unlock()

	var state scheduler.WorkState
	switch {
	case w.completed >= w.frames:
		state = scheduler.WorkSleep
		if _, bound := w.table.slot(w.id); bound {
			state = scheduler.WorkIdle
		}
	case w.frames-w.completed-w.inFlight > 0:
		state = scheduler.WorkReschedule
	default:
		state = scheduler.WorkBusy
	}
	w.lastHasWork = state
	return state
}

func (w *Workload) OnSwitchOut(bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictions++
}

func (w *Workload) OnSwitchIn() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.switchIns++
	w.inFlight++
}

func (w *Workload) OnSwitchOutCompleted() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.collect()
	// Entries still queued were dequeued with the slot.
	w.inFlight = 0
	w.switchOuts++
}

func (w *Workload) RestrictingBufferCount() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames - w.completed, true
}

// Done is closed once every frame has completed.
func (w *Workload) Done() <-chan struct{} { return w.done }

// SessionSummary reports what happened to one synthetic session.
type SessionSummary struct {
	ID         scheduler.SessionID `json:"id"`
	Frames     int                 `json:"frames"`
	Completed  int                 `json:"completed"`
	IRQs       int                 `json:"irqs"`
	SwitchIns  int                 `json:"switch_ins"`
	SwitchOuts int                 `json:"switch_outs"`
	Evictions  int                 `json:"evictions"`
	LastState  string              `json:"last_state"`
}

// Summary returns the workload counters.
func (w *Workload) Summary() SessionSummary {
	w.mu.Lock()
	defer w.mu.Unlock()
	return SessionSummary{
		ID:         w.id,
		Frames:     w.frames,
		Completed:  w.completed,
		IRQs:       w.irqs,
		SwitchIns:  w.switchIns,
		SwitchOuts: w.switchOuts,
		Evictions:  w.evictions,
		LastState:  w.lastHasWork.String(),
	}
}

// client submits work for w until every frame is done or ctx ends, then
// unregisters the session.
func client(ctx context.Context, s *scheduler.Scheduler, w *Workload, retry time.Duration, logger *slog.Logger) error {
	defer func() {
		if err := s.Unregister(w.id); err != nil && !errors.Is(err, scheduler.ErrClosed) {
			logger.Warn("unregister failed", "session", w.id, "error", err)
		}
	}()

	for {
		if _, err := s.Execute(ctx, w.id); err != nil {
			return err
		}

		t := time.NewTimer(retry)
		select {
		case <-w.done:
			t.Stop()
			return nil
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
