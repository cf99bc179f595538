package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleTracesRecent(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	s.respondJSON(w, http.StatusOK, map[string]any{"traces": s.recorder.Recent(limit)})
}

func (s *Server) handleTracesStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.recorder.Stats())
}

func (s *Server) handleTracesLLMCalls(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.recorder.LLMCalls())
}

func (s *Server) handleTraceByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t := s.recorder.Get(id)
	if t == nil {
		s.respondError(w, http.StatusNotFound, "not_found", "no retained trace with id "+id)
		return
	}
	s.respondJSON(w, http.StatusOK, t)
}

type llmSettingsRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) handleGetLLMSettings(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"providers": s.factory.Status()})
}

func (s *Server) handleSetLLMSettings(w http.ResponseWriter, r *http.Request) {
	var req llmSettingsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Provider) == "" {
		s.respondError(w, http.StatusBadRequest, "bad_request", "provider is required")
		return
	}

	if err := s.factory.SetActive(req.Provider); err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"providers": s.factory.Status()})
}
