package api

import (
	"net/http"
)

// healthResponse carries a liveness verdict plus a snapshot of the scheduler
// so operators can spot a starved pool from the probe alone.
type healthResponse struct {
	Status      string `json:"status"`
	PoolCore    int    `json:"pool_core"`
	PoolWorkers int    `json:"pool_workers"`
	Tasks       int    `json:"tasks"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		PoolCore:    s.svc.CoreSize(),
		PoolWorkers: s.svc.Get().Workers(),
		Tasks:       len(s.registry.Names()),
	})
}
