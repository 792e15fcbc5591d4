// Package trace records scheduling events into a store without slowing the
// scheduler down.
package trace

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/mvesched/internal/scheduler"
	"github.com/me/mvesched/internal/store"
	"github.com/me/mvesched/pkg/model"
)

// Options tunes a Recorder.
type Options struct {
	Buffer        int           // events queued before new ones are dropped
	BatchSize     int           // events per store transaction
	FlushInterval time.Duration // maximum time an event waits for its batch
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{Buffer: 4096, BatchSize: 256, FlushInterval: 100 * time.Millisecond}
}

// Recorder is a scheduler.Observer that writes events for one run to a
// store from a background goroutine. Observe never blocks; when the buffer
// is full the event is counted as dropped.
type Recorder struct {
	store  store.Store
	runID  string
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex // guards closed against Observe
	closed bool
	ch     chan model.TraceEvent
	doneCh chan struct{}

	seq      atomic.Int64
	dropped  atomic.Uint64
	written  atomic.Uint64
	failures atomic.Uint64
}

// NewRecorder starts a recorder for runID. The run must already exist in st.
func NewRecorder(st store.Store, runID string, opts Options, logger *slog.Logger) *Recorder {
	d := DefaultOptions()
	if opts.Buffer <= 0 {
		opts.Buffer = d.Buffer
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = d.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = d.FlushInterval
	}
	r := &Recorder{
		store:  st,
		runID:  runID,
		opts:   opts,
		logger: logger.With("component", "trace", "run", runID),
		ch:     make(chan model.TraceEvent, opts.Buffer),
		doneCh: make(chan struct{}),
	}
	go r.loop()
	return r
}

// Observe implements scheduler.Observer.
func (r *Recorder) Observe(e scheduler.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}

	te := model.TraceEvent{
		RunID:   r.runID,
		Seq:     r.seq.Add(1),
		At:      e.At,
		Kind:    string(e.Kind),
		Session: string(e.Session),
		Slot:    e.Slot,
		Detail:  e.Detail,
	}
	select {
	case r.ch <- te:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) loop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.TraceEvent, 0, r.opts.BatchSize)
	for {
		select {
		case e, ok := <-r.ch:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= r.opts.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) flush(batch []model.TraceEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.AppendEvents(ctx, batch); err != nil {
		r.failures.Add(uint64(len(batch)))
		r.logger.Error("write trace events", "count", len(batch), "error", err)
		return
	}
	r.written.Add(uint64(len(batch)))
}

// Close stops accepting events and waits until everything queued has been
// written or ctx ends.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()

	select {
	case <-r.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	if n := r.dropped.Load(); n > 0 {
		r.logger.Warn("trace events dropped", "dropped", n)
	}
	return nil
}

// Stats reports how many events were written, dropped for lack of buffer
// space and lost to store errors.
type Stats struct {
	Written  uint64 `json:"written"`
	Dropped  uint64 `json:"dropped"`
	Failures uint64 `json:"failures"`
}

// Stats returns the recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{Written: r.written.Load(), Dropped: r.dropped.Load(), Failures: r.failures.Load()}
}
