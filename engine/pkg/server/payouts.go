package server

import (
	"fmt"
	"net/http"

	"github.com/creatorhub/earnings/engine/pkg/payout"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type createPayoutRequest struct {
	CreatorID   string             `json:"creator_id"`
	EarningsID  uuid.UUID          `json:"earnings_id"`
	RequestType payout.RequestType `json:"request_type"`
}

type rejectPayoutRequest struct {
	Reason string `json:"reason"`
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", errBadRequest, name)
	}
	return id, nil
}

func (s *Server) handleCreatePayout(w http.ResponseWriter, r *http.Request) {
	var body createPayoutRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := actorFrom(r)
	if body.CreatorID == "" && actor.Role == payout.RoleCreator {
		body.CreatorID = actor.ID
	}
	if body.RequestType == "" {
		body.RequestType = payout.RequestTypeManual
	}
	req, err := s.engine.Workflow.Create(r.Context(), payout.CreateInput{
		CreatorID:  body.CreatorID,
		EarningsID: body.EarningsID,
		Type:       body.RequestType,
		Actor:      actor,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetPayout(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.engine.Workflow.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !canView(r, req.CreatorID) {
		s.writeError(w, r, payout.ErrNotAuthorized)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCreatorPayouts(w http.ResponseWriter, r *http.Request) {
	creatorID := chi.URLParam(r, "id")
	if !canView(r, creatorID) {
		s.writeError(w, r, payout.ErrNotAuthorized)
		return
	}
	reqs, err := s.engine.Payouts.ListByCreator(r.Context(), creatorID, listLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []payout.Request{}
	}
	s.writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.engine.Workflow.AdminQueue(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.engine.Workflow.Approve(r.Context(), id, actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body rejectPayoutRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.engine.Workflow.Reject(r.Context(), id, actorFrom(r), body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.Workflow.Reconcile(r.Context(), s.cfg.ReconcileAfter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}
