package server

import (
	"net/http"

	"github.com/creatorhub/earnings/engine/pkg/payout"
	"github.com/creatorhub/earnings/engine/pkg/referral"
	"github.com/go-chi/chi/v5"
)

type createEdgeRequest struct {
	ReferrerID string `json:"referrer_id"`
	RefereeID  string `json:"referee_id"`
}

type claimRewardRequest struct {
	UserID string `json:"user_id"`
}

func newConversionView(c *referral.Conversion) conversionView {
	return conversionView{
		ID:               c.ID,
		SourceEventID:    c.SourceEventID,
		ReferrerID:       c.ReferrerID,
		RefereeID:        c.RefereeID,
		Depth:            c.Depth,
		Type:             c.Type,
		GrossAmount:      c.GrossAmount,
		CommissionRate:   c.CommissionRate,
		CommissionAmount: c.CommissionAmount,
		Status:           c.Status,
		ConversionDate:   c.ConversionDate,
	}
}

func (s *Server) handleTier(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if !canView(r, userID) {
		s.writeError(w, r, payout.ErrNotAuthorized)
		return
	}
	tier, err := s.engine.Tiers.ResolveTier(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tierView{
		Configured:     tier.Configured,
		Level:          tier.Level,
		Rate:           tier.Rate,
		CommissionType: tier.CommissionType,
		Benefits:       tier.Benefits,
	})
}

func (s *Server) handleClaimReward(w http.ResponseWriter, r *http.Request) {
	rewardID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body claimRewardRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.UserID == "" {
		body.UserID = actorFrom(r).ID
	}
	if !canView(r, body.UserID) {
		s.writeError(w, r, payout.ErrNotAuthorized)
		return
	}
	claim, err := s.engine.Referrals.ClaimReward(r.Context(), rewardID, body.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, claimView{
		ID:        claim.ID,
		RewardID:  claim.RewardID,
		UserID:    claim.UserID,
		TierLevel: claim.TierLevel,
		ClaimedAt: claim.ClaimedAt,
	})
}

func (s *Server) handleConversion(w http.ResponseWriter, r *http.Request) {
	var ev referral.ConversionEvent
	if err := decodeJSON(w, r, &ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	results, err := s.engine.Calculator.Compute(r.Context(), ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]commissionView, 0, len(results))
	for _, c := range results {
		out = append(out, commissionView(c))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApproveConversion(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conv, earnings, err := s.engine.ApproveConversion(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, approveConversionResponse{
		Conversion: newConversionView(conv),
		Earnings:   newEarningsView(earnings),
	})
}

func (s *Server) handleCreateEdge(w http.ResponseWriter, r *http.Request) {
	var body createEdgeRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	edges, err := s.engine.Referrals.CreateEdge(r.Context(), body.ReferrerID, body.RefereeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]edgeView, 0, len(edges))
	for _, e := range edges {
		out = append(out, edgeView{
			ReferrerID:     e.ReferrerID,
			RefereeID:      e.RefereeID,
			Depth:          e.Depth,
			ActivationDate: e.ActivationDate,
		})
	}
	s.writeJSON(w, http.StatusCreated, out)
}
