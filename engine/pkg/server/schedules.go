package server

import (
	"fmt"
	"net/http"

	"github.com/creatorhub/earnings/engine/pkg/schedule"
	"github.com/go-chi/chi/v5"
)

type payoutAccountRequest struct {
	ExternalAccountID string `json:"external_account_id"`
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.engine.Schedules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	var body schedule.Schedule
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	body.CreatorID = chi.URLParam(r, "id")
	sc, err := s.engine.Schedules.Upsert(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handlePutAccount(w http.ResponseWriter, r *http.Request) {
	var body payoutAccountRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.ExternalAccountID == "" {
		s.writeError(w, r, fmt.Errorf("%w: external_account_id is required", errBadRequest))
		return
	}
	creatorID := chi.URLParam(r, "id")
	if err := s.cfg.Accounts.SetAccount(r.Context(), creatorID, body.ExternalAccountID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSchedulerRun(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.Scheduler.RunOnce(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}
