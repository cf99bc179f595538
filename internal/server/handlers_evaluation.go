package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"ledgerlens/internal/eval"
)

type evaluateRequest struct {
	Question    string   `json:"question"`
	Answer      string   `json:"answer"`
	Contexts    []string `json:"contexts"`
	GroundTruth string   `json:"ground_truth,omitempty"`
}

func (s *Server) handleEvaluateSingle(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Question) == "" || strings.TrimSpace(req.Answer) == "" {
		s.respondError(w, http.StatusBadRequest, "bad_request", "question and answer are required")
		return
	}

	result, err := s.harness.Evaluate(r.Context(), eval.Sample{
		Question:    req.Question,
		Answer:      req.Answer,
		Contexts:    req.Contexts,
		GroundTruth: req.GroundTruth,
	})
	if err != nil {
		s.respondProviderError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

type liveQueryRequest struct {
	Question    string `json:"question"`
	GroundTruth string `json:"ground_truth,omitempty"`
}

// handleEvaluateLiveQuery runs the full pipeline for the question and then
// scores the fresh answer. The combined run gets its own deadline; hitting
// it produces a distinct timeout payload rather than a generic error.
func (s *Server) handleEvaluateLiveQuery(w http.ResponseWriter, r *http.Request) {
	var req liveQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		s.respondError(w, http.StatusBadRequest, "bad_request", "question is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.liveQueryTimeout)
	defer cancel()

	queryResp, err := s.rag.Query(ctx, req.Question, 0)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.respondLiveQueryTimeout(w)
			return
		}
		s.respondProviderError(w, err)
		return
	}

	contexts := make([]string, 0, len(queryResp.Sources))
	contextIDs := make([]string, 0, len(queryResp.Sources))
	for _, src := range queryResp.Sources {
		contexts = append(contexts, src.Snippet)
		contextIDs = append(contextIDs, src.ID)
	}

	result, err := s.harness.Evaluate(ctx, eval.Sample{
		Question:    req.Question,
		Answer:      queryResp.Answer,
		Contexts:    contexts,
		ContextIDs:  contextIDs,
		GroundTruth: req.GroundTruth,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.respondLiveQueryTimeout(w)
			return
		}
		s.respondProviderError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"answer":     queryResp.Answer,
		"trace_id":   queryResp.TraceID,
		"evaluation": result,
	})
}

func (s *Server) respondLiveQueryTimeout(w http.ResponseWriter) {
	s.respondJSON(w, http.StatusGatewayTimeout, map[string]any{
		"status":          "timeout",
		"timeout_seconds": s.liveQueryTimeout.Seconds(),
		"error": map[string]string{
			"kind":    "timeout",
			"message": "live query evaluation exceeded its deadline",
		},
	})
}

func (s *Server) handleEvaluationStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"available":    true,
		"judge":        s.factory.Status(),
		"history_size": len(s.harness.History(0)),
		"suite_cases":  len(s.suite.Cases()),
	})
}

func (s *Server) handleEvaluationAggregate(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.harness.AggregateScores())
}

func (s *Server) handleEvaluationHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	s.respondJSON(w, http.StatusOK, map[string]any{"results": s.harness.History(limit)})
}

func (s *Server) handleEvaluationClear(w http.ResponseWriter, r *http.Request) {
	n := s.harness.ClearHistory()
	s.respondJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

func (s *Server) handleTestSuite(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"cases": s.suite.Cases()})
}

type suiteRunRequest struct {
	CaseIDs []string `json:"case_ids,omitempty"`
}

func (s *Server) handleTestSuiteRun(w http.ResponseWriter, r *http.Request) {
	var req suiteRunRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
			return
		}
	}

	result, err := s.suite.Run(r.Context(), req.CaseIDs)
	if err != nil {
		if errors.Is(err, eval.ErrSuiteTimeout) {
			s.respondError(w, http.StatusGatewayTimeout, "timeout", err.Error())
			return
		}
		s.respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleTestSuiteHistory(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"runs": s.suite.RunHistory()})
}
