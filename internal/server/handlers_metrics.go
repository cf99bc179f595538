package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.collector.Snapshot())
}

func (s *Server) handleMetricsFlow(w http.ResponseWriter, r *http.Request) {
	flow := chi.URLParam(r, "flow")
	fs, ok := s.collector.FlowSnapshot(flow)
	if !ok {
		s.respondError(w, http.StatusNotFound, "not_found", "unknown flow: "+flow)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"flow": flow, "metrics": fs})
}

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	resp, err := s.rag.Benchmark(r.Context())
	if err != nil {
		s.respondProviderError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"question": "What did I spend the most on last month?",
		"timings":  resp.Timings,
		"sources":  len(resp.Sources),
		"trace_id": resp.TraceID,
	})
}

func (s *Server) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	s.collector.Reset()
	s.respondJSON(w, http.StatusOK, map[string]any{"reset": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"index_size":     s.index.Size(),
		"providers":      s.factory.Status(),
	})
}
