// Package server is the HTTP surface of the control plane: a thin mapping of
// requests onto the lifecycle orchestrator and the metrics aggregator.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/rdwr-taly/container-control/api"
	"github.com/rdwr-taly/container-control/internal/logging"
	"github.com/rdwr-taly/container-control/pkg/lifecycle"
	"github.com/rdwr-taly/container-control/pkg/metrics"
)

const maxJSONBodyBytes = 1 << 20 // 1 MiB

// Server wires the orchestrator and aggregator to HTTP handlers.
type Server struct {
	orch   *lifecycle.Orchestrator
	agg    *metrics.Aggregator
	log    *logging.Logger
	probes healthcheck.Handler
}

// New builds the server and its liveness/readiness probes. Readiness fails
// while the workload is in the error state.
func New(orch *lifecycle.Orchestrator, agg *metrics.Aggregator, log *logging.Logger) *Server {
	if log == nil {
		log = logging.New("http", nil)
	}
	probes := healthcheck.NewHandler()
	probes.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(1000))
	probes.AddReadinessCheck("workload", func() error {
		if orch.Status() == lifecycle.StatusError {
			return errors.New("workload in error state")
		}
		return nil
	})
	return &Server{orch: orch, agg: agg, log: log, probes: probes}
}

// Routes returns the full handler chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/update", s.handleUpdate)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /metrics", s.handleExposition)

	mux.HandleFunc("GET /live", s.probes.LiveEndpoint)
	mux.HandleFunc("GET /ready", s.probes.ReadyEndpoint)

	return s.loggingMiddleware(s.recoverMiddleware(mux))
}

//
// Middleware
//

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.Infof("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

//
// Handlers
//

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "healthy",
		"app_status": s.orch.Status().String(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	payload, err := decodePayload(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.orch.Start(r.Context(), payload); err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, lifecycle.ErrMissingPrimaryKey) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "start initiated"})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	payload, err := decodePayload(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	outcome, err := s.orch.Update(r.Context(), payload)
	if errors.Is(err, lifecycle.ErrNotRunning) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "application not running"})
		return
	}
	switch outcome {
	case lifecycle.UpdateApplied:
		writeJSON(w, http.StatusOK, map[string]string{"message": "update applied"})
	case lifecycle.UpdateUnsupported:
		writeJSON(w, http.StatusConflict, map[string]string{"error": "live update not supported"})
	case lifecycle.UpdateDeclined:
		writeJSON(w, http.StatusConflict, map[string]string{"error": "adapter declined update"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	// Body is {force?: bool}; force is accepted but currently unused.
	var body struct {
		Force bool `json:"force"`
	}
	_ = json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(&body)

	if !s.orch.Stop(r.Context()) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "nothing to stop"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "stop initiated"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	report, err := s.agg.Structured(r.Context())
	if err != nil {
		s.log.Errorf("structured metrics failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "metrics collection failed"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleExposition(w http.ResponseWriter, r *http.Request) {
	body, err := s.agg.Exposition()
	if err != nil {
		s.log.Errorf("exposition metrics failed: %v", err)
		http.Error(w, "metrics collection failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", metrics.ContentType)
	_, _ = w.Write(body)
}

//
// Helpers
//

func decodePayload(r *http.Request) (api.Payload, error) {
	var payload api.Payload
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes))
	if err := dec.Decode(&payload); err != nil {
		return nil, errors.New("request body must be a JSON object")
	}
	if payload == nil {
		return nil, errors.New("request body must be a JSON object")
	}
	return payload, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// headers are already written; an encode failure here is unrecoverable
	_ = json.NewEncoder(w).Encode(v)
}
