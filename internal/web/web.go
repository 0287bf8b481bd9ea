package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"remindcal/internal/config"
	appLog "remindcal/internal/log"
	"remindcal/internal/metrics"
	"remindcal/internal/poller"
	"remindcal/internal/scheduler"
)

// JobLister exposes the live reminder jobs.
type JobLister interface {
	Pending() []scheduler.Entry
}

// Refresher runs a poll cycle on demand.
type Refresher interface {
	RunCycle(ctx context.Context) poller.CycleResult
}

// Server provides the operational HTTP API:
//
//	GET  /health       liveness, never behind auth
//	GET  /api/jobs     pending reminder jobs
//	POST /api/refresh  run a poll cycle now
//	GET  /metrics      Prometheus metrics
type Server struct {
	cfg       *config.Config
	mux       *http.ServeMux
	jobs      JobLister
	refresher Refresher
	metrics   *metrics.Metrics
	loc       *time.Location
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, jobs JobLister, refresher Refresher, m *metrics.Metrics) *Server {
	loc, err := cfg.Location()
	if err != nil {
		loc = time.Local
	}
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		jobs:      jobs,
		refresher: refresher,
		metrics:   m,
		loc:       loc,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured. An empty
// username or password counts as disabled.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="remindcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/refresh", s.handleRefresh)
	s.mux.Handle("/metrics", s.metrics.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// jobDTO is the JSON view of a live job.
type jobDTO struct {
	EventID     string    `json:"event_id"`
	Rule        string    `json:"rule"`
	FireAt      time.Time `json:"fire_at"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

type jobsResponse struct {
	Jobs            []jobDTO `json:"jobs"`
	DisplayTimeZone string   `json:"display_timezone"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	pending := s.jobs.Pending()
	dtos := make([]jobDTO, 0, len(pending))
	for _, e := range pending {
		dtos = append(dtos, jobDTO{
			EventID:     e.Key.EventID,
			Rule:        e.Key.RuleID,
			FireAt:      e.FireAt.In(s.loc),
			ScheduledAt: e.ScheduledAt.In(s.loc),
		})
	}
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: dtos, DisplayTimeZone: s.loc.String()})
}

type refreshResponse struct {
	poller.CycleResult
	FetchError string `json:"fetch_error,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	res := s.refresher.RunCycle(r.Context())
	resp := refreshResponse{CycleResult: res}
	if res.FetchErr != nil {
		resp.FetchError = res.FetchErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
