package server

import (
	"time"

	"github.com/creatorhub/earnings/engine/pkg/ledger"
	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/creatorhub/earnings/engine/pkg/referral"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type earningsView struct {
	ID                  uuid.UUID        `json:"id"`
	CreatorID           string           `json:"creator_id"`
	PeriodStart         string           `json:"period_start"`
	PeriodEnd           string           `json:"period_end"`
	Revision            int              `json:"revision"`
	Breakdown           ledger.Breakdown `json:"breakdown"`
	GrossEarnings       money.Cents      `json:"gross_earnings"`
	NetEarnings         money.Cents      `json:"net_earnings"`
	PayoutStatus        ledger.Status    `json:"payout_status"`
	ScheduledPayoutDate *string          `json:"scheduled_payout_date,omitempty"`
	ActualPayoutDate    *time.Time       `json:"actual_payout_date,omitempty"`
	TransferRef         string           `json:"transfer_ref,omitempty"`
	LastFailureReason   string           `json:"last_failure_reason,omitempty"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

func newEarningsView(e *ledger.Earnings) *earningsView {
	if e == nil {
		return nil
	}
	v := &earningsView{
		ID:                e.ID,
		CreatorID:         e.CreatorID,
		PeriodStart:       e.Period.Start.Format(time.DateOnly),
		PeriodEnd:         e.Period.End.Format(time.DateOnly),
		Revision:          e.Revision,
		Breakdown:         e.Breakdown,
		GrossEarnings:     e.GrossEarnings,
		NetEarnings:       e.NetEarnings,
		PayoutStatus:      e.PayoutStatus,
		ActualPayoutDate:  e.ActualPayoutDate,
		TransferRef:       e.TransferRef,
		LastFailureReason: e.LastFailureReason,
		UpdatedAt:         e.UpdatedAt,
	}
	if e.ScheduledPayoutDate != nil {
		d := e.ScheduledPayoutDate.Format(time.DateOnly)
		v.ScheduledPayoutDate = &d
	}
	return v
}

type summaryView struct {
	Rows          int                           `json:"rows"`
	GrossEarnings money.Cents                   `json:"gross_earnings"`
	NetEarnings   money.Cents                   `json:"net_earnings"`
	NetByStatus   map[ledger.Status]money.Cents `json:"net_by_status"`
	RowsByStatus  map[ledger.Status]int         `json:"rows_by_status"`
}

type creatorEarningsResponse struct {
	CreatorID string         `json:"creator_id"`
	Summary   summaryView    `json:"summary"`
	Earnings  []earningsView `json:"earnings"`
}

type tierView struct {
	Configured     bool                    `json:"configured"`
	Level          int                     `json:"level"`
	Rate           decimal.Decimal         `json:"rate"`
	CommissionType referral.CommissionType `json:"commission_type,omitempty"`
	Benefits       referral.TierBenefits   `json:"benefits"`
}

type commissionView struct {
	ConversionID   uuid.UUID       `json:"conversion_id"`
	ReferrerID     string          `json:"referrer_id"`
	Depth          int             `json:"depth"`
	TierLevel      int             `json:"tier_level"`
	BaseRate       decimal.Decimal `json:"base_rate"`
	EffectiveRate  decimal.Decimal `json:"effective_rate"`
	Amount         money.Cents     `json:"amount"`
	CampaignID     *uuid.UUID      `json:"campaign_id,omitempty"`
	CampaignAmount money.Cents     `json:"campaign_amount"`
	Replayed       bool            `json:"replayed"`
}

type conversionView struct {
	ID               uuid.UUID                 `json:"id"`
	SourceEventID    string                    `json:"source_event_id"`
	ReferrerID       string                    `json:"referrer_id"`
	RefereeID        string                    `json:"referee_id"`
	Depth            int                       `json:"depth"`
	Type             string                    `json:"type"`
	GrossAmount      money.Cents               `json:"gross_amount"`
	CommissionRate   decimal.Decimal           `json:"commission_rate"`
	CommissionAmount money.Cents               `json:"commission_amount"`
	Status           referral.ConversionStatus `json:"status"`
	ConversionDate   time.Time                 `json:"conversion_date"`
}

type approveConversionResponse struct {
	Conversion conversionView `json:"conversion"`
	Earnings   *earningsView  `json:"earnings,omitempty"`
}

type edgeView struct {
	ReferrerID     string    `json:"referrer_id"`
	RefereeID      string    `json:"referee_id"`
	Depth          int       `json:"depth"`
	ActivationDate time.Time `json:"activation_date"`
}

type claimView struct {
	ID        uuid.UUID `json:"id"`
	RewardID  uuid.UUID `json:"reward_id"`
	UserID    string    `json:"user_id"`
	TierLevel int       `json:"tier_level"`
	ClaimedAt time.Time `json:"claimed_at"`
}
