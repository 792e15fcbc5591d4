package model

import "time"

// Run is one simulated workload executed against the scheduler.
type Run struct {
	ID          string     `json:"id"`
	State       RunState   `json:"state"`
	Sessions    int        `json:"sessions"`
	Frames      int        `json:"frames"` // per session
	Slots       int        `json:"slots"`
	Cores       int        `json:"cores"`
	Completed   int        `json:"completed"`
	Unfinished  int        `json:"unfinished"`
	IRQs        uint64     `json:"irqs"`
	DeviceJobs  int64      `json:"device_jobs"`
	Error       string     `json:"error,omitempty"`
	Events      int        `json:"events,omitempty"` // Computed field, not stored
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// TotalFrames returns the number of frames the run was asked to decode.
func (r *Run) TotalFrames() int {
	return r.Sessions * r.Frames
}

// Progress returns the fraction of frames completed, in [0, 1].
func (r *Run) Progress() float64 {
	total := r.TotalFrames()
	if total == 0 {
		return 0
	}
	return float64(r.Completed) / float64(total)
}

// TraceEvent is one recorded scheduling transition of a run.
type TraceEvent struct {
	RunID   string    `json:"run_id"`
	Seq     int64     `json:"seq"`
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Session string    `json:"session,omitempty"`
	Slot    int       `json:"slot"`
	Detail  string    `json:"detail,omitempty"`
}

// KindCount is the number of events of one kind in a run.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}
