// Package api serves a read-only view of the oracle over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/gravity-oracle/internal/circuitbreaker"
	"github.com/yourorg/gravity-oracle/internal/engine"
	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/types"
)

const (
	defaultDecisions = 50
	maxDecisions     = 500
)

// StatusSource returns the engine snapshot
type StatusSource interface {
	Status() engine.Status
}

// DecisionSource returns the newest audit records
type DecisionSource interface {
	Recent(ctx context.Context, limit int) ([]model.DecisionRecord, error)
}

// BreakerSource exposes the data guard without any way to change it
type BreakerSource interface {
	GetState() circuitbreaker.State
	LastGood() map[types.VenueID]model.YieldSample
}

// Config for the HTTP server
type Config struct {
	Port string

	// RateLimit in requests per second; zero disables limiting
	RateLimit float64
	Burst     int

	Version string
}

// Server exposes /health, /status, /decisions, /circuit and /metrics
type Server struct {
	config    Config
	status    StatusSource
	decisions DecisionSource
	breaker   BreakerSource
	gatherer  prometheus.Gatherer
	limiter   *rate.Limiter
	started   time.Time
	server    *http.Server
}

// New creates a server. decisions, breaker and gatherer may be nil; the
// matching endpoints then answer 503.
func New(cfg Config, status StatusSource, decisions DecisionSource, breaker BreakerSource, gatherer prometheus.Gatherer) *Server {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		config:    cfg,
		status:    status,
		decisions: decisions,
		breaker:   breaker,
		gatherer:  gatherer,
		started:   time.Now(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
		logrus.Infof("Rate limiting initialized: %v req/s, burst: %d", cfg.RateLimit, burst)
	}
	return s
}

// Handler returns the routed handler with rate limiting applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /decisions", s.handleDecisions)
	mux.HandleFunc("GET /circuit", s.handleCircuit)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return s.limit(mux)
}

// Run serves until ctx is cancelled and then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         ":" + s.config.Port,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Status server starting on port %s", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("Status server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logrus.Info("Status server stopped")
	return nil
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.errorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   s.config.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// statusResponse wraps the engine status with process information
type statusResponse struct {
	Status  string        `json:"status"`
	Uptime  string        `json:"uptime"`
	Version string        `json:"version"`
	Engine  engine.Status `json:"engine"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.status.Status()
	state := "operational"
	switch {
	case st.Fault != "":
		state = "fault"
	case st.LastError != "":
		state = "degraded"
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  state,
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
		Version: s.config.Version,
		Engine:  st,
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.decisions == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "Audit log not enabled")
		return
	}

	limit := defaultDecisions
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDecisions)
	}

	records, err := s.decisions.Recent(r.Context(), limit)
	if err != nil {
		logrus.WithError(err).Error("Failed to read audit log")
		s.errorResponse(w, http.StatusInternalServerError, "Failed to read audit log")
		return
	}
	if records == nil {
		records = []model.DecisionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(records),
		"decisions": records,
	})
}

// handleCircuit reports the breaker state and the last accepted batch
func (s *Server) handleCircuit(w http.ResponseWriter, r *http.Request) {
	if s.breaker == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "Circuit breaker not enabled")
		return
	}

	response := map[string]any{
		"state": s.breaker.GetState().String(),
	}

	lastGood := s.breaker.LastGood()
	response["last_good_count"] = len(lastGood)
	var newest int64
	for _, sample := range lastGood {
		newest = max(newest, sample.Timestamp)
	}
	if newest > 0 {
		response["last_good_timestamp"] = time.Unix(newest, 0).UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.gatherer == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "Metrics disabled")
		return
	}
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) errorResponse(w http.ResponseWriter, statusCode int, msg string) {
	logrus.WithField("status", statusCode).Warn(msg)
	writeJSON(w, statusCode, map[string]string{"status": "error", "error": msg})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}
