package server

import (
	"net/http"
	"strings"
)

type queryRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		s.respondError(w, http.StatusBadRequest, "bad_request", "question is required")
		return
	}

	resp, err := s.rag.Query(r.Context(), req.Question, req.TopK)
	if err != nil {
		s.respondProviderError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetInsights(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force_refresh") == "true"
	insights, err := s.rag.GenerateInsights(r.Context(), force)
	if err != nil {
		s.respondProviderError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"insights": insights})
}

func (s *Server) handleRefreshInsights(w http.ResponseWriter, r *http.Request) {
	insights, err := s.rag.GenerateInsights(r.Context(), true)
	if err != nil {
		s.respondProviderError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"insights": insights, "refreshed": true})
}

func (s *Server) handleClearInsights(w http.ResponseWriter, r *http.Request) {
	n, err := s.rag.ClearInsights(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"cleared": n})
}
