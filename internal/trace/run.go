package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/mvesched/internal/scheduler"
	"github.com/me/mvesched/internal/sim"
	"github.com/me/mvesched/internal/store"
	"github.com/me/mvesched/pkg/model"
)

// Tap is an Observer whose target can be swapped while the scheduler runs.
// Events are discarded while nothing is attached.
type Tap struct {
	mu sync.RWMutex
	o  scheduler.Observer
}

// Attach routes subsequent events to o.
func (t *Tap) Attach(o scheduler.Observer) {
	t.mu.Lock()
	t.o = o
	t.mu.Unlock()
}

// Detach stops forwarding events.
func (t *Tap) Detach() { t.Attach(nil) }

// Observe implements scheduler.Observer.
func (t *Tap) Observe(e scheduler.Event) {
	t.mu.RLock()
	o := t.o
	t.mu.RUnlock()
	if o != nil {
		o.Observe(e)
	}
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// Recording is a run whose events are being written to a store.
type Recording struct {
	run    *model.Run
	rec    *Recorder
	store  store.Store
	logger *slog.Logger
}

// Begin stores run in the RUNNING state and starts recording its events.
// An empty run ID is filled in.
func Begin(ctx context.Context, st store.Store, run *model.Run, opts Options, logger *slog.Logger) (*Recording, error) {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	run.State = model.RunStateRunning
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if err := st.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return &Recording{
		run:    run,
		rec:    NewRecorder(st, run.ID, opts, logger),
		store:  st,
		logger: logger,
	}, nil
}

// Run returns the run being recorded.
func (r *Recording) Run() *model.Run { return r.run }

// Observer returns the observer to pass to the scheduler.
func (r *Recording) Observer() scheduler.Observer { return r.rec }

// Stats returns the recorder counters.
func (r *Recording) Stats() Stats { return r.rec.Stats() }

// Finish flushes the trace and stores the outcome. The run ends COMPLETED,
// CANCELLED when runErr is a context error, or FAILED. runErr is returned,
// joined with any error finalizing the run.
func (r *Recording) Finish(ctx context.Context, sum sim.Summary, runErr error) error {
	run := r.run

	// Flush even when the run was cancelled.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := r.rec.Close(flushCtx); err != nil {
		r.logger.Warn("trace flush incomplete", "run", run.ID, "error", err)
	}

	now := time.Now().UTC()
	run.CompletedAt = &now
	run.Completed = sum.Completed
	run.Unfinished = sum.Unfinished
	run.IRQs = sum.IRQsHandled
	run.DeviceJobs = sum.Device.Jobs
	switch {
	case runErr == nil:
		run.State = model.RunStateCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		run.State = model.RunStateCancelled
		run.Error = runErr.Error()
	default:
		run.State = model.RunStateFailed
		run.Error = runErr.Error()
	}
	if err := r.store.UpdateRun(flushCtx, run); err != nil {
		return errors.Join(runErr, fmt.Errorf("finalize run %s: %w", run.ID, err))
	}
	return runErr
}

// Record stores run, calls fn with an observer recording into st, and
// finalizes the run from the summary fn returns.
func Record(ctx context.Context, st store.Store, run *model.Run, opts Options, logger *slog.Logger,
	fn func(scheduler.Observer) (sim.Summary, error)) (sim.Summary, error) {
	rc, err := Begin(ctx, st, run, opts, logger)
	if err != nil {
		return sim.Summary{RunID: run.ID}, err
	}
	sum, runErr := fn(rc.Observer())
	return sum, rc.Finish(ctx, sum, runErr)
}
