package model

import "testing"

func TestRun_Progress(t *testing.T) {
	r := &Run{Sessions: 4, Frames: 25, Completed: 50}
	if got := r.TotalFrames(); got != 100 {
		t.Errorf("TotalFrames = %d, want 100", got)
	}
	if got := r.Progress(); got != 0.5 {
		t.Errorf("Progress = %v, want 0.5", got)
	}
}

func TestRun_Progress_Empty(t *testing.T) {
	r := &Run{}
	if got := r.Progress(); got != 0 {
		t.Errorf("Progress = %v, want 0", got)
	}
}
