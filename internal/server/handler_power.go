package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/me/mvesched/internal/scheduler"
	"github.com/me/mvesched/pkg/model"
)

const defaultSuspendTimeout = 10 * time.Second

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, model.PowerResponse{Suspended: s.machine.Scheduler.Suspended()})
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	timeout := defaultSuspendTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid query",
					model.FieldError{Field: "timeout", Message: "must be a positive duration such as 5s"}))
			return
		}
		timeout = d
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	start := time.Now()
	err := s.machine.Scheduler.Suspend(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, reqID, http.StatusGatewayTimeout, &model.APIError{
			Code:    model.ErrUnavailable,
			Message: "slots still busy after " + timeout.String() + "; scheduling stays disabled until resume",
		})
		return
	case errors.Is(err, scheduler.ErrClosed):
		respondError(w, reqID, http.StatusServiceUnavailable,
			&model.APIError{Code: model.ErrUnavailable, Message: err.Error()})
		return
	default:
		respondInternal(w, reqID, err)
		return
	}

	s.logger.Info("scheduler suspended", "elapsed", time.Since(start))
	respondOK(w, reqID, model.PowerResponse{
		Suspended: true,
		Elapsed:   time.Since(start).Round(time.Microsecond).String(),
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	s.machine.Scheduler.Resume()
	s.logger.Info("scheduler resumed")
	respondOK(w, reqID, model.PowerResponse{Suspended: s.machine.Scheduler.Suspended()})
}

type irqStatsResponse struct {
	Raised     uint64 `json:"raised"`
	Dispatched uint64 `json:"dispatched"`
	Backlog    uint64 `json:"backlog"`
	Delay      string `json:"delay"`
}

func (s *Server) handleIRQStats(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	fe := s.machine.IRQ
	raised, dispatched := fe.Stats()
	resp := irqStatsResponse{Raised: raised, Dispatched: dispatched, Delay: fe.Delay().String()}
	if raised > dispatched {
		resp.Backlog = raised - dispatched
	}
	respondOK(w, reqID, resp)
}

func (s *Server) handleGetIRQDelay(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, model.IRQDelayResponse{Delay: s.machine.IRQ.Delay().String()})
}

func (s *Server) handleSetIRQDelay(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.IRQDelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid JSON body: " + err.Error(),
		})
		return
	}
	d, err := time.ParseDuration(req.Delay)
	if err != nil || d < 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid delay",
				model.FieldError{Field: "delay", Message: "must be a non-negative duration such as 5ms"}))
		return
	}

	s.machine.IRQ.SetDelay(d)
	s.logger.Warn("interrupt dispatch delay changed", "delay", d)
	respondOK(w, reqID, model.IRQDelayResponse{Delay: s.machine.IRQ.Delay().String()})
}
