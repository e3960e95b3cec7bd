// Package adminserver exposes the consumer's operational HTTP surface:
// /healthz (liveness via the heartbeat checker), /status (in-flight job and
// last heartbeat), and /metrics (Prometheus).
// It is a sidecar to the Pull Consumer Loop, never on the job execution
// path.
package adminserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/hpcq/pkg/health"
	"github.com/cuemby/hpcq/pkg/metrics"
)

// StatusProvider reports the Pull Consumer Loop's current job and last
// published heartbeat, for the /status endpoint consumed by `q status`.
type StatusProvider interface {
	CurrentJobID() string
	LastHeartbeat() time.Time
}

// Server serves /healthz, /status, and /metrics. Liveness is debounced with
// the same consecutive-failure hysteresis the rest of this package's
// checkers use, so a single missed heartbeat tick does not flip the
// supervisor into a restart.
type Server struct {
	checker health.Checker
	status  StatusProvider
	mux     *http.ServeMux

	mu           sync.Mutex
	healthStatus *health.Status
	healthCfg    health.Config
}

// New builds a Server backed by checker for liveness and status for the
// in-flight job id, using health.DefaultConfig's hysteresis (3 consecutive
// failures before reporting unhealthy). status may be nil, in which case
// /status always reports an empty in-flight job.
func New(checker health.Checker, status StatusProvider) *Server {
	return NewWithConfig(checker, status, health.DefaultConfig())
}

// NewWithConfig is New with an explicit hysteresis Config, e.g. a shorter
// StartPeriod in tests.
func NewWithConfig(checker health.Checker, status StatusProvider, cfg health.Config) *Server {
	s := &Server{
		checker:      checker,
		status:       status,
		mux:          http.NewServeMux(),
		healthStatus: health.NewStatus(),
		healthCfg:    cfg,
	}
	s.mux.HandleFunc("/healthz", s.healthzHandler)
	s.mux.HandleFunc("/status", s.statusHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// evaluate runs the checker and folds the result into the debounced Status,
// returning the hysteresis-adjusted healthy bool and the raw check message.
func (s *Server) evaluate(ctx context.Context) (bool, string) {
	result := s.checker.Check(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthStatus.Update(result, s.healthCfg)
	healthy := s.healthStatus.Healthy || s.healthStatus.InStartPeriod(s.healthCfg)
	return healthy, result.Message
}

// Handler returns the http.Handler for embedding or testing.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts the HTTP server on addr and blocks until ctx is
// cancelled or the server errors.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

type healthzResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type statusResponse struct {
	Healthy       bool      `json:"healthy"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	InFlightJobID string    `json:"in_flight_job_id,omitempty"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	healthy, _ := s.evaluate(r.Context())
	resp := statusResponse{Healthy: healthy}
	if s.status != nil {
		resp.InFlightJobID = s.status.CurrentJobID()
		resp.LastHeartbeat = s.status.LastHeartbeat()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	healthy, message := s.evaluate(r.Context())
	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(healthzResponse{
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}
