package server

import (
	"net/http"

	"github.com/creatorhub/earnings/engine/pkg/engine"
	"github.com/creatorhub/earnings/engine/pkg/payout"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleCreatorEarnings(w http.ResponseWriter, r *http.Request) {
	creatorID := chi.URLParam(r, "id")
	if !canView(r, creatorID) {
		s.writeError(w, r, payout.ErrNotAuthorized)
		return
	}
	sum, err := s.engine.Ledger.Summary(r.Context(), creatorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.engine.Ledger.ListByCreator(r.Context(), creatorID, listLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := creatorEarningsResponse{
		CreatorID: creatorID,
		Summary: summaryView{
			Rows:          sum.Rows,
			GrossEarnings: sum.GrossEarnings,
			NetEarnings:   sum.NetEarnings,
			NetByStatus:   sum.NetByStatus,
			RowsByStatus:  sum.RowsByStatus,
		},
		Earnings: make([]earningsView, 0, len(rows)),
	}
	for i := range rows {
		resp.Earnings = append(resp.Earnings, *newEarningsView(&rows[i]))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAccrue(w http.ResponseWriter, r *http.Request) {
	var body engine.Accrual
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.engine.Accrue(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newEarningsView(e))
}
