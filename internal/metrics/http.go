package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsServerConfig configures the embedded observability endpoint.
type StatsServerConfig struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// StatsServer exposes /health, /stats and /metrics for one process. Stats
// sections are pulled lazily from registered snapshot functions so the
// server never holds component locks between requests.
type StatsServer struct {
	server  *http.Server
	logger  *slog.Logger
	sources map[string]func() interface{}
	started time.Time

	httpRequests *prometheus.CounterVec
}

// NewStatsServer builds the endpoint. A nil registry falls back to the
// default Prometheus registry for both collection and exposition.
func NewStatsServer(cfg StatsServerConfig, logger *slog.Logger, registry *prometheus.Registry, sources map[string]func() interface{}) *StatsServer {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	metricsHandler := promhttp.Handler()
	if registry != nil {
		registerer = registry
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	s := &StatsServer{
		logger:  logger,
		sources: sources,
		started: time.Now(),
		httpRequests: promautoCounterVec(registerer, prometheus.CounterOpts{
			Name: "interview_http_requests_total",
			Help: "Total number of observability endpoint requests",
		}, []string{"method", "path", "status"}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.withMetrics(s.handleHealth))
	mux.HandleFunc("/stats", s.withMetrics(s.handleStats))
	mux.Handle("/metrics", metricsHandler)

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func promautoCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(opts, labels)
	reg.MustRegister(vec)
	return vec
}

// Start begins serving in the background.
func (s *StatsServer) Start() {
	s.logger.Info("starting stats server", slog.String("listen_addr", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("stats server failed", slog.String("error", err.Error()))
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *StatsServer) Stop(ctx context.Context) error {
	s.logger.Info("stopping stats server")
	return s.server.Shutdown(ctx)
}

// withMetrics counts requests and captures status codes.
func (s *StatsServer) withMetrics(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(wrapped, r)
		s.httpRequests.WithLabelValues(r.Method, r.URL.Path, fmt.Sprintf("%d", wrapped.statusCode)).Inc()
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *StatsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().UnixMilli(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("failed to encode health response", slog.String("error", err.Error()))
	}
}

func (s *StatsServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := make(map[string]interface{}, len(s.sources)+1)
	response["timestamp"] = time.Now().UnixMilli()
	for name, source := range s.sources {
		response[name] = source()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("failed to encode stats response", slog.String("error", err.Error()))
	}
}
