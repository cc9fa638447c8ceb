// Package httpapi serves the secondary out-of-band health and metrics
// surface.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/adred-codev/chat-interceptor/internal/breaker"
	"github.com/adred-codev/chat-interceptor/internal/emitter"
	"github.com/adred-codev/chat-interceptor/internal/message"
	"github.com/adred-codev/chat-interceptor/internal/metrics"
	"github.com/adred-codev/chat-interceptor/internal/session"
)

// Deps bundles the collaborators the HTTP surface reports on.
type Deps struct {
	Addr      string
	Logger    *zap.Logger
	Hub       *session.Hub
	Breaker   *breaker.Breaker[message.Result]
	Emitter   *emitter.Emitter
	Metrics   *metrics.Registry
	Listening func() bool
}

// Server is the secondary HTTP listener.
type Server struct {
	deps Deps
	http *http.Server
}

// NewServer builds the health/metrics HTTP server. It does not start
// listening until Start is called.
func NewServer(deps Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{deps: deps}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.Handle("/metrics/prometheus", deps.Metrics.Handler())
	mux.HandleFunc("/", s.handleNotFound)

	s.http = &http.Server{
		Addr:         deps.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	return s
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("health/metrics http server starting", zap.String("addr", s.deps.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.deps.Logger.Warn("http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

type healthBody struct {
	Status       string            `json:"status"`
	Timestamp    string            `json:"timestamp"`
	Dependencies map[string]string `json:"dependencies"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Breaker.State()
	wsUp := s.deps.Listening()
	emitterUp := s.deps.Emitter.Connected()

	healthy := wsUp && (state == breaker.Closed || state == breaker.HalfOpen)

	body := healthBody{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Dependencies: map[string]string{
			"websocket":       boolStatus(wsUp),
			"circuit_breaker": state.String(),
			"log_backend":     boolStatus(emitterUp),
		},
	}

	if healthy {
		body.Status = "healthy"
		writeJSON(w, http.StatusOK, body)
		return
	}
	body.Status = "unhealthy"
	writeJSON(w, http.StatusServiceUnavailable, body)
}

type metricsBody struct {
	BreakerState      string `json:"circuit_breaker_state"`
	BreakerFailures   int    `json:"circuit_breaker_failures"`
	LogBackendUp      bool   `json:"log_backend_connected"`
	StreamLength      int64  `json:"stream_length"`
	LastStreamID      int64  `json:"last_stream_id"`
	ActiveConnections int    `json:"active_connections"`
}

// handleMetrics serves a JSON metrics body. Prometheus exposition of the
// same and additional collectors is available at /metrics/prometheus.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	stats, err := s.deps.Emitter.Stats(ctx)
	if err != nil {
		s.deps.Logger.Debug("stream stats unavailable", zap.Error(err))
	}

	body := metricsBody{
		BreakerState:      s.deps.Breaker.State().String(),
		BreakerFailures:   s.deps.Breaker.Failures(),
		LogBackendUp:      s.deps.Emitter.Connected(),
		StreamLength:      stats.Length,
		LastStreamID:      stats.LastID,
		ActiveConnections: s.deps.Hub.ClientCount(),
	}

	s.deps.Metrics.Emitter.StreamLength.Set(float64(stats.Length))

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
}

func boolStatus(ok bool) string {
	if ok {
		return "up"
	}
	return "down"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
