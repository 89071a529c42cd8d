// Package httpapi is the admin HTTP surface, adapted from the teacher's
// api.go: a read-only introspection surface (/feeds, /health, /metrics)
// mirroring the teacher's /articles, /stats, /health routes, plus a
// circuit-breaker status endpoint the teacher's APIServer never had a
// breaker to expose for.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alek-niko/aggregator/internal/circuitbreaker"
	"github.com/alek-niko/aggregator/internal/config"
	"github.com/alek-niko/aggregator/internal/metrics"
	"github.com/alek-niko/aggregator/internal/store"
)

// FeedSnapshotter is the subset of Scheduler this surface depends on.
type FeedSnapshotter interface {
	Snapshot() []store.FeedConfig
}

// Server is the admin HTTP server.
type Server struct {
	cfg      *config.Config
	feeds    FeedSnapshotter
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
}

// New constructs a Server. cfg and feeds must be non-nil; breakers may be
// nil if no circuit breaker manager is wired, and m may be nil, in which
// case requests are served without HTTP metrics.
func New(cfg *config.Config, feeds FeedSnapshotter, breakers *circuitbreaker.Manager, m *metrics.Metrics) *Server {
	return &Server{cfg: cfg, feeds: feeds, breakers: breakers, metrics: m}
}

// Handler builds the admin mux, wired with CORS and metrics middleware
// exactly as the teacher's APIServer.Start does.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/feeds", s.cors(s.wrapMetrics("/feeds", s.getFeeds)))
	mux.HandleFunc("/feeds/circuit", s.cors(s.wrapMetrics("/feeds/circuit", s.getCircuitStatus)))
	mux.HandleFunc("/health", s.cors(s.wrapMetrics("/health", s.healthCheck)))
	mux.Handle(s.cfg.Prometheus.MetricsPath, metrics.Handler())

	return mux
}

// ListenAndServe starts the admin server with the teacher's configured
// timeouts, blocking until ctx is cancelled or the server errors.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Performance.HTTPReadTimeout,
		WriteTimeout: s.cfg.Performance.HTTPWriteTimeout,
		IdleTimeout:  s.cfg.Performance.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.Security.CORSAllowedOrigins)
		w.Header().Set("Access-Control-Allow-Methods", s.cfg.Security.CORSAllowedMethods)
		w.Header().Set("Access-Control-Allow-Headers", s.cfg.Security.CORSAllowedHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) wrapMetrics(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	if s.metrics == nil {
		return next
	}
	return s.metrics.Middleware(next, endpoint)
}

func (s *Server) getFeeds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.feeds.Snapshot())
}

func (s *Server) getCircuitStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.breakers == nil {
		writeJSON(w, map[string]circuitbreaker.Status{})
		return
	}

	url := strings.TrimSpace(r.URL.Query().Get("url"))
	status := s.breakers.Status()
	if url == "" {
		writeJSON(w, status)
		return
	}
	one, ok := status[url]
	if !ok {
		http.Error(w, "unknown feed url", http.StatusNotFound)
		return
	}
	writeJSON(w, one)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, fmt.Sprintf("encode error: %v", err), http.StatusInternalServerError)
	}
}
