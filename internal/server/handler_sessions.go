package server

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/me/mvesched/internal/jobqueue"
	"github.com/me/mvesched/internal/regs"
	"github.com/me/mvesched/internal/scheduler"
	"github.com/me/mvesched/pkg/model"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	sessions := s.machine.Scheduler.Snapshot().Sessions
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	respondList(w, reqID, page(sessions, opts), len(sessions), opts)
}

type sessionDetail struct {
	scheduler.SessionInfo
	Pending            bool `json:"pending"`
	RestrictingBuffers *int `json:"restricting_buffers,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := scheduler.SessionID(chi.URLParam(r, "id"))

	sched := s.machine.Scheduler
	info, ok := sched.Lookup(id)
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("session", string(id)))
		return
	}
	detail := sessionDetail{SessionInfo: info}
	for _, p := range sched.Snapshot().Pending {
		if p == id {
			detail.Pending = true
			break
		}
	}
	if n, ok := sched.SessionStatus(id); ok {
		detail.RestrictingBuffers = &n
	}
	respondOK(w, reqID, detail)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.machine.Scheduler.Snapshot().Pending)
}

type slotsResponse struct {
	Slots             []scheduler.SlotInfo `json:"slots"`
	JobQueue          string               `json:"job_queue"`
	JobQueueRaw       uint32               `json:"job_queue_raw"`
	Entries           []jobqueue.Entry     `json:"entries"`
	Executing         *int                 `json:"executing"`
	SchedulingEnabled bool                 `json:"scheduling_enabled"`
	NoFreeSlot        bool                 `json:"no_free_slot"`
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	sn := s.machine.Scheduler.Snapshot()
	resp := slotsResponse{
		Slots:             sn.Slots,
		JobQueue:          jobqueue.Format(sn.JobQueue),
		JobQueueRaw:       sn.JobQueue,
		Entries:           jobqueue.Decode(sn.JobQueue),
		SchedulingEnabled: sn.SchedulingEnabled,
		NoFreeSlot:        sn.NoFreeSlot,
	}
	if resp.Entries == nil {
		resp.Entries = []jobqueue.Entry{}
	}
	if sn.Executing != scheduler.NoSlot {
		resp.Executing = &sn.Executing
	}
	respondOK(w, reqID, resp)
}

func (s *Server) handleRegisters(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	sched := s.machine.Scheduler
	respondOK(w, reqID, regs.Dump(sched.Gateway(), sched.Slots()))
}
