package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/me/mvesched/internal/trace"
	"github.com/me/mvesched/pkg/model"
)

// requireStore rejects run requests when no trace store is configured.
func (s *Server) requireStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			respondError(w, RequestIDFromContext(r.Context()), http.StatusServiceUnavailable, &model.APIError{
				Code:    model.ErrUnavailable,
				Message: "no trace store configured",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}
	if apiErr := req.Validate(); apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "run " + s.active.id + " is still in progress",
		})
		return
	}
	if s.ctx.Err() != nil {
		respondError(w, reqID, http.StatusServiceUnavailable,
			&model.APIError{Code: model.ErrUnavailable, Message: "server is shutting down"})
		return
	}
	if s.machine.Scheduler.Suspended() {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "scheduler is suspended; resume it first",
		})
		return
	}

	run := &model.Run{
		Sessions: req.Sessions,
		Frames:   req.Frames,
		Slots:    s.machine.Scheduler.Slots(),
		Cores:    s.machine.Scheduler.Cores(),
	}
	rc, err := trace.Begin(r.Context(), s.store, run, s.traceOpts, s.logger)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if t := s.machine.Config().Timeout; t > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, t)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	s.active = &activeRun{id: run.ID, cancel: cancel}
	s.tap.Attach(rc.Observer())

	// Respond with a copy; the goroutine below owns run from here on.
	created := *run

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		sum, runErr := s.machine.RunWorkload(ctx, run.ID, req.Sessions, req.Frames)
		s.tap.Detach()

		// The machine is free again; the trace flush below does not need it.
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()

		if err := rc.Finish(ctx, sum, runErr); err != nil {
			s.logger.Warn("run ended", "run", run.ID, "state", run.State, "error", err)
		} else {
			s.logger.Info("run completed", "run", run.ID, "frames", sum.Completed, "duration", sum.Duration)
		}
	}()

	s.logger.Info("run started", "run", run.ID, "sessions", req.Sessions, "frames", req.Frames)
	respondCreated(w, reqID, &created)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	runs, total, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondList(w, reqID, runs, total, opts)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	respondOK(w, reqID, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil || active.id != id || run.State.IsTerminal() {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "cannot cancel run in state " + string(run.State),
		})
		return
	}

	active.cancel()
	s.logger.Info("run cancel requested", "run", id)
	respondAccepted(w, reqID, map[string]any{
		"id":           id,
		"state":        run.State,
		"requested_at": time.Now().UTC(),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	if !s.runExists(w, r, reqID, id) {
		return
	}

	events, total, err := s.store.ListEvents(r.Context(), id, opts)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondList(w, reqID, events, total, opts)
}

func (s *Server) handleEventCounts(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if !s.runExists(w, r, reqID, id) {
		return
	}
	counts, err := s.store.CountByKind(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	respondOK(w, reqID, counts)
}

// runExists writes a 404 or 500 and returns false unless run id exists.
func (s *Server) runExists(w http.ResponseWriter, r *http.Request, reqID, id string) bool {
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return false
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return false
	}
	return true
}
