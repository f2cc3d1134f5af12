package statusd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"lexsync/pkg/metrics"
	"lexsync/pkg/telemetry"
	"lexsync/services/journal"
	"lexsync/services/lock"
	"lexsync/services/syncer"
)

const (
	defaultAddr         = ":8080"
	defaultProbeTimeout = 10 * time.Second
	maxHistoryLimit     = 500
)

// Planner reports what a sync would do.
type Planner interface {
	Status(ctx context.Context) (syncer.Plan, error)
}

// Prober classifies the sentinel.
type Prober interface {
	Probe(ctx context.Context) (lock.Status, error)
}

// Historian lists past journal events.
type Historian interface {
	History(ctx context.Context, limit int) ([]journal.Event, error)
}

// Config wires a Server.
type Config struct {
	Addr         string
	ServiceName  string
	Planner      Planner
	Locks        Prober
	History      Historian
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	ProbeTimeout time.Duration
}

// Server exposes read-only status over HTTP. It never takes the lock.
type Server struct {
	cfg    Config
	logger zerolog.Logger
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Server, error) {
	if cfg.Planner == nil {
		return nil, errors.New("planner is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("lock prober is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "lexsync-statusd"
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "statusd").Logger(),
	}, nil
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware(s.cfg.ServiceName, s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/lock", s.handleLock)
		r.Get("/history", s.handleHistory)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", server.Addr).Msg("listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// handleReady checks that the store answers a sentinel probe.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProbeTimeout)
	defer cancel()
	if _, err := s.cfg.Locks.Probe(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProbeTimeout)
	defer cancel()
	plan, err := s.cfg.Planner.Status(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("status probe failed")
		respondError(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, NewStatusView(plan))
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProbeTimeout)
	defer cancel()
	st, err := s.cfg.Locks.Probe(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("lock probe failed")
		respondError(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, NewLockView(st))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		respondError(w, http.StatusNotFound, journal.ErrNoHistory)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProbeTimeout)
	defer cancel()
	events, err := s.cfg.History.History(ctx, limit)
	switch {
	case errors.Is(err, journal.ErrNoHistory):
		respondError(w, http.StatusNotFound, err)
		return
	case err != nil:
		s.logger.Error().Err(err).Msg("history query failed")
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	respondJSON(w, http.StatusOK, HistoryView{Events: events})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
