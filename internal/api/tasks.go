package api

import (
	"encoding/json"
	"net/http"
)

// listTasksResponse is the JSON response for GET /v1/tasks.
type listTasksResponse struct {
	Tasks []string `json:"tasks"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, listTasksResponse{Tasks: s.registry.Names()})
}

// poolResponse is the JSON response for GET /v1/pool.
type poolResponse struct {
	CoreSize int `json:"core_size"`
	Workers  int `json:"workers"`
}

// resizePoolRequest is the JSON body for PUT /v1/pool.
type resizePoolRequest struct {
	CoreSize int `json:"core_size"`
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, poolResponse{
		CoreSize: s.svc.CoreSize(),
		Workers:  s.svc.Get().Workers(),
	})
}

// handleResizePool applies a new core worker count to the live pool.
func (s *Server) handleResizePool(w http.ResponseWriter, r *http.Request) {
	var req resizePoolRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CoreSize < 1 {
		s.writeError(w, http.StatusBadRequest, "core_size must be at least 1")
		return
	}

	s.svc.Resize(req.CoreSize)
	s.writeJSON(w, http.StatusOK, poolResponse{
		CoreSize: s.svc.CoreSize(),
		Workers:  s.svc.Get().Workers(),
	})
}
