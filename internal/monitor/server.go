// Package monitor serves the runtime's operational HTTP surface:
// /health for liveness probes, /status for a JSON snapshot of the
// session state machine and every worker's bookkeeping, and /metrics
// for Prometheus scrapes. It is an operator window, not a user API;
// strategies read session state through the store, never through here.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sessrun/sessrun/internal/driver"
	"github.com/sessrun/sessrun/internal/metrics"
	"github.com/sessrun/sessrun/internal/prefetch"
	"github.com/sessrun/sessrun/internal/processor"
	"github.com/sessrun/sessrun/internal/scanner"
	"github.com/sessrun/sessrun/internal/sessiondata"
)

// Server timeouts. Status handlers only copy in-memory snapshots, so
// short deadlines are safe and keep a wedged scraper from pinning
// connections.
const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	shutdownGrace       = 5 * time.Second
)

// Sources are the snapshot providers the server reads on every /status
// request. Optional components stay nil and their sections are omitted
// from the payload.
type Sources struct {
	Service     string
	Version     string
	Mode        string
	SessionName string

	Session   *sessiondata.Store
	Clock     driver.Clock
	Metrics   *metrics.Registry
	State     func() string
	Processor func() processor.Stats
	Scanners  func() []scanner.JobStatus
	Prefetch  func() prefetch.Status
	QueueLen  func() int
}

// Config tunes the listener. Zero timeouts take the defaults.
type Config struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Status is the /status payload.
type Status struct {
	Service     string                    `json:"service"`
	Version     string                    `json:"version"`
	Mode        string                    `json:"mode"`
	SessionName string                    `json:"session_name"`
	Now         time.Time                 `json:"now"`
	SessionNow  time.Time                 `json:"session_now"`
	State       string                    `json:"state,omitempty"`
	Store       sessiondata.Stats         `json:"store"`
	Symbols     []sessiondata.SymbolStats `json:"symbols,omitempty"`
	Processor   *processor.Stats          `json:"processor,omitempty"`
	Scanners    []scanner.JobStatus       `json:"scanners,omitempty"`
	Prefetch    *prefetch.Status          `json:"prefetch,omitempty"`
	Counters    metrics.Snapshot          `json:"counters"`
	QueueDepth  int                       `json:"queue_depth"`
}

// Server is the monitoring HTTP listener.
type Server struct {
	src Sources
	cfg Config
	srv *http.Server
}

// New builds the server and its routes. Session, Clock and Metrics are
// required; everything else degrades to an absent status section.
func New(src Sources, cfg Config) *Server {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	s := &Server{src: src, cfg: cfg}

	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if src.Metrics != nil {
		router.Handle("/metrics", src.Metrics.Handler()).Methods(http.MethodGet)
	}
	router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)

	s.srv = &http.Server{
		Addr:         cfg.Listen,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the routed mux for tests and embedding.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("listen", s.cfg.Listen).Msg("monitor server started")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.srv.Shutdown(shutCtx); err != nil {
			log.Warn().Err(err).Msg("monitor server shutdown incomplete")
		}
		<-errc
		log.Info().Msg("monitor server stopped")
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": s.src.Service,
		"version": s.src.Version,
		"now":     time.Now().UTC(),
	})
}

// handleStatus snapshots every wired component. All providers copy
// under their own locks, so the handler never holds runtime state.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := Status{
		Service:     s.src.Service,
		Version:     s.src.Version,
		Mode:        s.src.Mode,
		SessionName: s.src.SessionName,
		Now:         time.Now().UTC(),
	}
	if s.src.Clock != nil {
		st.SessionNow = s.src.Clock.Now()
	}
	if s.src.State != nil {
		st.State = s.src.State()
	}
	if s.src.Session != nil {
		st.Store = s.src.Session.Stats()
		st.Symbols = s.src.Session.SymbolStats(true)
	}
	if s.src.Processor != nil {
		ps := s.src.Processor()
		st.Processor = &ps
	}
	if s.src.Scanners != nil {
		st.Scanners = s.src.Scanners()
	}
	if s.src.Prefetch != nil {
		ps := s.src.Prefetch()
		st.Prefetch = &ps
	}
	if s.src.Metrics != nil {
		st.Counters = s.src.Metrics.Snapshot()
	}
	if s.src.QueueLen != nil {
		st.QueueDepth = s.src.QueueLen()
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).Msg("monitor request")
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("status encode failed")
	}
}
