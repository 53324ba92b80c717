package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/dsession/internal/model"
	"github.com/seantiz/dsession/internal/session"
	"github.com/seantiz/dsession/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// createSessionRequest is the JSON body for POST /v1/sessions. Durations are
// given in milliseconds.
type createSessionRequest struct {
	Description string        `json:"description"`
	User        string        `json:"user"`
	Tasks       []taskSpecReq `json:"tasks"`
}

type taskSpecReq struct {
	Name           string            `json:"name"`
	InitialDelayMS int               `json:"initial_delay_ms"`
	PeriodMS       int               `json:"period_ms"`
	Runs           int               `json:"runs"`
	Params         map[string]string `json:"params,omitempty"`
}

// listSessionsResponse wraps the list response.
type listSessionsResponse struct {
	Sessions []model.Record `json:"sessions"`
	Total    int            `json:"total"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	creq := session.CreateRequest{
		Description: req.Description,
		User:        req.User,
	}
	for _, t := range req.Tasks {
		creq.Tasks = append(creq.Tasks, session.TaskSpec{
			Name:         t.Name,
			InitialDelay: time.Duration(t.InitialDelayMS) * time.Millisecond,
			Period:       time.Duration(t.PeriodMS) * time.Millisecond,
			Runs:         t.Runs,
			Params:       t.Params,
		})
	}

	rec, err := s.manager.Create(r.Context(), creq)
	if err != nil {
		s.logger.Error("create session", "error", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.manager.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.manager.List(r.Context())
	if err != nil {
		s.logger.Error("list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	if recs == nil {
		recs = []model.Record{}
	}
	s.writeJSON(w, http.StatusOK, listSessionsResponse{
		Sessions: recs,
		Total:    len(recs),
	})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.manager.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, session.ErrNotRunning):
		s.writeError(w, http.StatusConflict, "session is not running")
		return
	case err != nil:
		s.logger.Error("cancel session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel session")
		return
	}

	rec, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("get cancelled session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve session")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.manager.Delete(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, session.ErrNotTerminal):
		s.writeError(w, http.StatusConflict, "session is still running")
		return
	case err != nil:
		s.logger.Error("delete session", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownloadSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	path, err := s.manager.ArchivePath(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("resolve archive path", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to resolve archive")
		return
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		s.writeError(w, http.StatusConflict, "archive not available")
		return
	}
	if err != nil {
		s.logger.Error("open archive", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to open archive")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.logger.Error("stat archive", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read archive")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name()))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
