package trace

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/me/mvesched/internal/scheduler"
	"github.com/me/mvesched/internal/sim"
	"github.com/me/mvesched/internal/store"
	"github.com/me/mvesched/pkg/model"
)

type sliceObserver struct{ events []scheduler.Event }

func (s *sliceObserver) Observe(e scheduler.Event) { s.events = append(s.events, e) }

func TestTap_AttachDetach(t *testing.T) {
	var tap Tap
	tap.Observe(event(scheduler.EventIRQ, 0)) // nothing attached

	obs := &sliceObserver{}
	tap.Attach(obs)
	tap.Observe(event(scheduler.EventMap, 1))
	tap.Observe(event(scheduler.EventSwitchIn, 1))
	tap.Detach()
	tap.Observe(event(scheduler.EventSwitchOut, 1))

	if len(obs.events) != 2 {
		t.Fatalf("observed %d events, want 2", len(obs.events))
	}
	if obs.events[0].Kind != scheduler.EventMap {
		t.Errorf("first event = %s", obs.events[0].Kind)
	}
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func TestRecord_Completed(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	run := &model.Run{Sessions: 2, Frames: 3, Slots: 2, Cores: 1}

	sum, err := Record(ctx, st, run, DefaultOptions(), testLogger(), func(o scheduler.Observer) (sim.Summary, error) {
		o.Observe(event(scheduler.EventRegister, -1))
		o.Observe(event(scheduler.EventIRQ, 0))
		return sim.Summary{Completed: 6, IRQsHandled: 9, Device: sim.DeviceStats{Jobs: 6}}, nil
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if sum.Completed != 6 {
		t.Errorf("summary completed = %d", sum.Completed)
	}
	if !strings.HasPrefix(run.ID, "run_") {
		t.Errorf("run ID = %q", run.ID)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil || got == nil {
		t.Fatalf("GetRun: %v, %v", got, err)
	}
	if got.State != model.RunStateCompleted || got.CompletedAt == nil {
		t.Errorf("state = %s, completed_at = %v", got.State, got.CompletedAt)
	}
	if got.Completed != 6 || got.IRQs != 9 || got.DeviceJobs != 6 || got.Events != 2 {
		t.Errorf("run = %+v", got)
	}
}

func TestRecord_FinalStates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.RunState
	}{
		{"cancelled", context.Canceled, model.RunStateCancelled},
		{"timed out", errors.Join(errors.New("session x"), context.DeadlineExceeded), model.RunStateCancelled},
		{"failed", errors.New("register session 0: duplicate"), model.RunStateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newStore(t)
			run := &model.Run{ID: "run_x", Sessions: 1, Frames: 1}
			_, err := Record(context.Background(), st, run, DefaultOptions(), testLogger(),
				func(scheduler.Observer) (sim.Summary, error) { return sim.Summary{Unfinished: 1}, tt.err })
			if !errors.Is(err, tt.err) {
				t.Fatalf("Record = %v, want %v", err, tt.err)
			}
			got, _ := st.GetRun(context.Background(), "run_x")
			if got.State != tt.want || got.Error == "" || got.Unfinished != 1 {
				t.Errorf("run = %+v", got)
			}
		})
	}
}

func TestRecord_DuplicateRunID(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	if err := st.CreateRun(ctx, &model.Run{ID: "run_dup", State: model.RunStateRunning, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	called := false
	_, err := Record(ctx, st, &model.Run{ID: "run_dup"}, DefaultOptions(), testLogger(),
		func(scheduler.Observer) (sim.Summary, error) { called = true; return sim.Summary{}, nil })
	if err == nil {
		t.Fatal("Record reused an existing run ID")
	}
	if called {
		t.Error("workload ran although the run could not be created")
	}
}
