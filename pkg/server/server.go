// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pario-ai/genrelay/pkg/connectivity"
	"github.com/pario-ai/genrelay/pkg/generr"
	"github.com/pario-ai/genrelay/pkg/models"
	"github.com/pario-ai/genrelay/pkg/orchestrator"
	"github.com/pario-ai/genrelay/pkg/ratelimit"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server is the genrelay HTTP front end.
type Server struct {
	listen  string
	orch    *orchestrator.Orchestrator
	monitor *connectivity.Monitor
	logger  *zap.Logger
	mux     *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithConnectivity lets clients report reachability through
// POST /v1/connectivity. Without it that route answers 404.
func WithConnectivity(m *connectivity.Monitor) Option {
	return func(s *Server) { s.monitor = m }
}

// New creates a Server. gatherer backs GET /metrics; nil skips the route.
func New(listen string, o *orchestrator.Orchestrator, gatherer prometheus.Gatherer, opts ...Option) *Server {
	s := &Server{
		listen: listen,
		orch:   o,
		logger: zap.NewNop(),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	s.mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.monitor != nil {
		s.mux.HandleFunc("POST /v1/connectivity", s.handleConnectivity)
		s.mux.HandleFunc("GET /v1/connectivity", s.handleGetConnectivity)
	}
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("genrelay listening", zap.String("addr", s.listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	Subject     string            `json:"subject"`
	Style       string            `json:"style"`
	Model       string            `json:"model,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	RequestID   string            `json:"request_id,omitempty"`
	BypassCache bool              `json:"bypass_cache,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body", "invalid_request")
		return
	}
	r.Body.Close()
	if len(body) > maxBodyBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request")
		return
	}

	var req GenerateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	if id := r.Header.Get("X-Request-ID"); req.RequestID == "" && id != "" {
		req.RequestID = id
	}

	p := models.Params{
		Subject:   req.Subject,
		Style:     req.Style,
		Model:     req.Model,
		Options:   req.Options,
		RequestID: req.RequestID,
	}
	start := time.Now()
	res, err := s.orch.Generate(r.Context(), p, orchestrator.Options{BypassCache: req.BypassCache})
	if err != nil {
		kind := generr.KindOf(err)
		s.logger.Info("generate failed",
			zap.String("subject", p.Subject), zap.Stringer("kind", kind),
			zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		if hint := retryAfter(err); hint > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(hint.Round(time.Second)/time.Second)))
		}
		writeJSONError(w, statusFor(kind), generr.UserMessage(err), kind.String())
		return
	}

	if res.Cached {
		w.Header().Set("X-Genrelay-Cache", "hit")
	} else {
		w.Header().Set("X-Genrelay-Cache", "miss")
	}
	writeJSON(w, http.StatusOK, res)
}

// ConnectivityRequest is the body of POST /v1/connectivity. Omitted fields
// keep their current value.
type ConnectivityRequest struct {
	Online  *bool                 `json:"online,omitempty"`
	Quality *connectivity.Quality `json:"quality,omitempty"`
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req ConnectivityRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	st := s.monitor.Status()
	if req.Online != nil {
		st.Online = *req.Online
	}
	if req.Quality != nil {
		st.Quality = *req.Quality
	}
	s.monitor.Set(st)
	s.logger.Info("connectivity updated", zap.Bool("online", st.Online), zap.Stringer("quality", st.Quality))
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetConnectivity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

// MetricsResponse is the body of GET /v1/metrics.
type MetricsResponse struct {
	models.MetricsSnapshot
	InFlight  int             `json:"in_flight"`
	Queued    int             `json:"queued"`
	RateLimit ratelimit.Usage `json:"rate_limit"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, MetricsResponse{
		MetricsSnapshot: s.orch.Metrics(),
		InFlight:        s.orch.InFlight(),
		Queued:          s.orch.QueueLen(),
		RateLimit:       s.orch.RateLimit(),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	c := s.orch.Cache()
	if c == nil {
		writeJSONError(w, http.StatusNotFound, "response cache is disabled", "not_found")
		return
	}
	writeJSON(w, http.StatusOK, c.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.monitor != nil {
		status["online"] = s.monitor.Status().Online
	}
	writeJSON(w, http.StatusOK, status)
}

// statusFor maps an error kind to the HTTP status returned to clients.
func statusFor(k generr.Kind) int {
	switch k {
	case generr.InvalidRequest:
		return http.StatusBadRequest
	case generr.Authentication:
		return http.StatusBadGateway
	case generr.RateLimited, generr.QuotaExhausted:
		return http.StatusTooManyRequests
	case generr.Transient, generr.CapacityExceeded:
		return http.StatusServiceUnavailable
	case generr.Expired:
		return http.StatusGatewayTimeout
	case generr.Cancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func retryAfter(err error) time.Duration {
	var e *generr.Error
	if errors.As(err, &e) && e.Kind == generr.RateLimited {
		return e.RetryAfter
	}
	return 0
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":%q,"code":%d}}`, message, kind, code)
}
