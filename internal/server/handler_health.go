package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/mvesched/internal/sim"
)

type healthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	GoVersion string          `json:"go_version"`
	Uptime    string          `json:"uptime"`
	Scheduler string          `json:"scheduler"`
	Store     string          `json:"store"`
	Slots     int             `json:"slots"`
	Cores     int             `json:"cores"`
	Sessions  int             `json:"sessions"`
	Device    sim.DeviceStats `json:"device"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	sched := s.machine.Scheduler
	state := "running"
	if sched.Suspended() {
		state = "suspended"
	}
	st := "disabled"
	if s.store != nil {
		st = "ok"
	}
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Scheduler: state,
		Store:     st,
		Slots:     sched.Slots(),
		Cores:     sched.Cores(),
		Sessions:  len(sched.Snapshot().Sessions),
		Device:    s.machine.Device.Stats(),
	})
}
