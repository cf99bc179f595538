// Package server exposes the query pipeline, insights, metrics, evaluation,
// traces and provider settings over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ledgerlens/internal/eval"
	"ledgerlens/internal/index"
	"ledgerlens/internal/llm"
	"ledgerlens/internal/metrics"
	"ledgerlens/internal/rag"
	"ledgerlens/internal/tracing"
)

// Server holds the handler dependencies.
type Server struct {
	rag       *rag.Service
	factory   *llm.Factory
	index     *index.Index
	collector *metrics.Collector
	recorder  *tracing.Recorder
	harness   *eval.Harness
	suite     *eval.Suite
	log       *zap.Logger

	liveQueryTimeout time.Duration
	startTime        time.Time
}

// Config wires the server dependencies.
type Config struct {
	RAG              *rag.Service
	Factory          *llm.Factory
	Index            *index.Index
	Collector        *metrics.Collector
	Recorder         *tracing.Recorder
	Harness          *eval.Harness
	Suite            *eval.Suite
	Log              *zap.Logger
	LiveQueryTimeout time.Duration
}

// New creates the server.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.LiveQueryTimeout <= 0 {
		cfg.LiveQueryTimeout = 120 * time.Second
	}
	return &Server{
		rag:              cfg.RAG,
		factory:          cfg.Factory,
		index:            cfg.Index,
		collector:        cfg.Collector,
		recorder:         cfg.Recorder,
		harness:          cfg.Harness,
		suite:            cfg.Suite,
		log:              cfg.Log,
		liveQueryTimeout: cfg.LiveQueryTimeout,
		startTime:        time.Now(),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.recordAPIMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/query", s.handleQuery)

		r.Get("/insights", s.handleGetInsights)
		r.Post("/insights/refresh", s.handleRefreshInsights)
		r.Delete("/insights/cache", s.handleClearInsights)

		r.Route("/metrics", func(r chi.Router) {
			r.Get("/summary", s.handleMetricsSummary)
			r.Get("/flows/{flow}", s.handleMetricsFlow)
			r.Post("/benchmark/run", s.handleBenchmark)
			r.Delete("/reset", s.handleMetricsReset)
			r.Get("/health", s.handleHealth)
		})

		r.Route("/evaluation", func(r chi.Router) {
			r.Post("/single", s.handleEvaluateSingle)
			r.Post("/live-query", s.handleEvaluateLiveQuery)
			r.Get("/status", s.handleEvaluationStatus)
			r.Get("/aggregate", s.handleEvaluationAggregate)
			r.Get("/history", s.handleEvaluationHistory)
			r.Delete("/cache", s.handleEvaluationClear)
			r.Get("/test-suite", s.handleTestSuite)
			r.Post("/test-suite/run", s.handleTestSuiteRun)
			r.Get("/test-suite/history", s.handleTestSuiteHistory)
		})

		r.Route("/traces", func(r chi.Router) {
			r.Get("/recent", s.handleTracesRecent)
			r.Get("/stats", s.handleTracesStats)
			r.Get("/llm-calls", s.handleTracesLLMCalls)
			r.Get("/{id}", s.handleTraceByID)
		})

		r.Get("/settings/llm", s.handleGetLLMSettings)
		r.Post("/settings/llm", s.handleSetLLMSettings)
	})

	return r
}

// recordAPIMetrics records one api-flow observation per request.
func (s *Server) recordAPIMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		var reqErr error
		if ww.Status() >= 500 {
			reqErr = errors.New(http.StatusText(ww.Status()))
		}
		s.collector.Record(metrics.FlowAPI, time.Since(start), reqErr)
	})
}

// errorPayload is the uniform error body: {"error": {"kind", "message"}}.
type errorPayload struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response failed", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, kind, message string) {
	var p errorPayload
	p.Error.Kind = kind
	p.Error.Message = message
	s.respondJSON(w, status, p)
}

// respondProviderError maps a pipeline failure to a status code via its
// error kind. Internal details stay out of the payload.
func (s *Server) respondProviderError(w http.ResponseWriter, err error) {
	kind := llm.KindOf(err)
	status := http.StatusBadGateway
	switch kind {
	case llm.KindAuth:
		status = http.StatusServiceUnavailable
	case llm.KindRateLimit:
		status = http.StatusTooManyRequests
	case llm.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	s.respondError(w, status, string(kind), err.Error())
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
