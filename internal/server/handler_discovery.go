package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "mvesched API",
		Version:     "v1",
		Description: "Diagnostics for the MVE accelerator slot scheduler and its simulated hardware",
		Endpoints: []endpointInfo{
			{"/api/v1/sessions", []string{"GET"}, "Registered sessions with their slot and queued job count"},
			{"/api/v1/sessions/{id}", []string{"GET"}, "Single session, including its restricting buffer count"},
			{"/api/v1/pending", []string{"GET"}, "Sessions waiting for a free slot, in service order"},
			{"/api/v1/slots", []string{"GET"}, "Slot table and decoded job queue"},
			{"/api/v1/registers", []string{"GET"}, "Dump of the global and per-slot registers"},
			{"/api/v1/power", []string{"GET"}, "Whether scheduling is suspended"},
			{"/api/v1/power/suspend", []string{"POST"}, "Switch every session out and stop scheduling. Accepts ?timeout=5s"},
			{"/api/v1/power/resume", []string{"POST"}, "Re-enable scheduling and serve the pending queue"},
			{"/api/v1/debug/irq", []string{"GET"}, "Interrupt counters"},
			{"/api/v1/debug/irq-delay", []string{"GET", "PUT"}, "Artificial delay before each deferred interrupt dispatch"},
			{"/api/v1/runs", []string{"GET", "POST"}, "Recorded workload runs. POST starts one in the background"},
			{"/api/v1/runs/{id}", []string{"GET"}, "Single run with its outcome"},
			{"/api/v1/runs/{id}/cancel", []string{"PUT"}, "Cancel the run in progress"},
			{"/api/v1/runs/{id}/events", []string{"GET"}, "Scheduling trace of a run. Accepts ?kind="},
			{"/api/v1/runs/{id}/counts", []string{"GET"}, "Trace event counts by kind"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
