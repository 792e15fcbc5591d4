package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/mvesched/internal/config"
	"github.com/me/mvesched/internal/sim"
	"github.com/me/mvesched/internal/store"
	"github.com/me/mvesched/internal/trace"
)

// Version is reported by the health and discovery endpoints.
const Version = "0.3.0"

// Server is the scheduler diagnostics API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time

	machine   *sim.Machine
	tap       *trace.Tap  // observer the machine was built with
	store     store.Store // optional; nil disables /runs
	traceOpts trace.Options

	ctx    context.Context // parent of background runs
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active *activeRun
}

type activeRun struct {
	id     string
	cancel context.CancelFunc
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithStore enables the run and trace endpoints.
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithTraceOptions tunes the recorder used for runs started over the API.
func WithTraceOptions(opts trace.Options) Option {
	return func(s *Server) {
		s.traceOpts = opts
	}
}

// New creates a Server for machine, which must have been built with tap as
// its observer and started by the caller.
func New(cfg config.ServerConfig, machine *sim.Machine, tap *trace.Tap, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		machine:   machine,
		tap:       tap,
		traceOpts: trace.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close cancels a run in progress and waits for it to be recorded.
func (s *Server) Close() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Scheduler state
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Get("/{id}", s.handleGetSession)
		})
		r.Get("/pending", s.handleListPending)
		r.Get("/slots", s.handleSlots)
		r.Get("/registers", s.handleRegisters)

		// Power management
		r.Route("/power", func(r chi.Router) {
			r.Get("/", s.handlePower)
			r.Post("/suspend", s.handleSuspend)
			r.Post("/resume", s.handleResume)
		})

		// Interrupt debugging
		r.Route("/debug", func(r chi.Router) {
			r.Get("/irq", s.handleIRQStats)
			r.Get("/irq-delay", s.handleGetIRQDelay)
			r.Put("/irq-delay", s.handleSetIRQDelay)
		})

		// Recorded workload runs
		r.Route("/runs", func(r chi.Router) {
			r.Use(s.requireStore)
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleStartRun)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Put("/cancel", s.handleCancelRun)
				r.Get("/events", s.handleListEvents)
				r.Get("/counts", s.handleEventCounts)
			})
		})
	})
}
