// Command producer is the public HTTP endpoint described in spec §4.2/§6.1:
// it authenticates by shared API key, mints a job id, and enqueues a Job
// Message onto the jobs queue.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/hpcq/pkg/config"
	"github.com/cuemby/hpcq/pkg/jobid"
	"github.com/cuemby/hpcq/pkg/log"
	"github.com/cuemby/hpcq/pkg/metrics"
	"github.com/cuemby/hpcq/pkg/queue"
)

func main() {
	overlayPath := flag.String("config", "/etc/hpcq/config.yaml", "Optional YAML config overlay path")
	addr := flag.String("addr", ":8080", "Address to listen on")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "Output logs in JSON format")
	flag.Parse()

	log.Init(log.Config{Level: log.Level(*logLevel), JSONOutput: *logJSON})
	logger := log.WithComponent("producer")

	cfg, err := config.Load(*overlayPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading configuration")
	}

	q := queue.New(cfg.QueueBaseURL, cfg.AccountID, cfg.QueuesAPIToken)
	h := &handler{apiKey: cfg.APIKey, jobsQueue: cfg.JobsQueueID, queue: q}

	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", h.handleJobs)
	mux.HandleFunc("/health", h.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", *addr).Msg("producer listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("producer server failed")
		}
	}
}

type handler struct {
	apiKey    string
	jobsQueue string
	queue     *queue.Client
}

type jobRequest struct {
	Input    map[string]any `json:"input"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// jobMessage is the wire shape of a Job Message, per spec §3.
type jobMessage struct {
	JobID     string         `json:"job_id"`
	Input     map[string]any `json:"input"`
	CreatedAt string         `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (h *handler) authenticate(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("x-api-key") != h.apiKey || h.apiKey == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		metrics.ProducerRequestsTotal.WithLabelValues("unauthorized").Inc()
		return false
	}
	return true
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authenticate(w, r) {
		return
	}

	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_json"})
		metrics.ProducerRequestsTotal.WithLabelValues("invalid_json").Inc()
		return
	}

	id, err := jobid.New()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue_failed"})
		metrics.ProducerRequestsTotal.WithLabelValues("enqueue_failed").Inc()
		return
	}

	msg := jobMessage{
		JobID:     id,
		Input:     req.Input,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Metadata:  req.Metadata,
	}

	if err := h.queue.Send(r.Context(), h.jobsQueue, msg); err != nil {
		if errors.Is(err, queue.ErrRateLimitExhausted) {
			w.Header().Set("Retry-After", "2")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "enqueue_rate_limited"})
			metrics.ProducerRequestsTotal.WithLabelValues("rate_limited").Inc()
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue_failed"})
		metrics.ProducerRequestsTotal.WithLabelValues("enqueue_failed").Inc()
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"job_id": id,
		"queue":  "hpc-jobs",
	})
	metrics.ProducerRequestsTotal.WithLabelValues("queued").Inc()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
