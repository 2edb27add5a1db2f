package referral

import (
	"errors"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProgramSlug identifies the single creator referral program.
const ProgramSlug = "creator_referral"

// CampaignTypeGeneral matches every conversion type.
const CampaignTypeGeneral = "general"

var (
	ErrNoProgram            = errors.New("no active referral program configured")
	ErrSelfReferral         = errors.New("referrer and referee must differ")
	ErrDepthLimitExceeded   = errors.New("referral depth exceeds program network depth limit")
	ErrReferralCycle        = errors.New("referral edge would create a cycle")
	ErrAlreadyReferred      = errors.New("referee already has a direct referrer")
	ErrCodeExists           = errors.New("referral code already exists")
	ErrCodeNotFound         = errors.New("referral code not found")
	ErrConversionNotFound   = errors.New("referral conversion not found")
	ErrInvalidTransition    = errors.New("invalid conversion status transition")
	ErrRewardNotFound       = errors.New("referral reward not found")
	ErrRewardUnavailable    = errors.New("referral reward is not available")
	ErrRewardIneligible     = errors.New("referrer does not meet reward requirements")
	ErrRewardAlreadyClaimed = errors.New("referral reward already claimed")
)

type CommissionType string

const (
	CommissionPercentage CommissionType = "percentage"
	CommissionFlat       CommissionType = "flat"
)

type ConversionStatus string

const (
	ConversionPending  ConversionStatus = "pending"
	ConversionApproved ConversionStatus = "approved"
	ConversionPaid     ConversionStatus = "paid"
)

// CanTransition reports whether a conversion may move from s to next.
func (s ConversionStatus) CanTransition(next ConversionStatus) bool {
	switch s {
	case ConversionPending:
		return next == ConversionApproved
	case ConversionApproved:
		return next == ConversionPaid
	}
	return false
}

// Program is the referral program configuration. For percentage programs
// CommissionRate is a fraction (0.2 = 20%); for flat programs it is cents.
type Program struct {
	ID                uuid.UUID
	Slug              string
	Name              string
	CommissionRate    decimal.Decimal
	CommissionType    CommissionType
	MinPayoutAmount   money.Cents
	HasTiers          bool
	NetworkDepthLimit int
	IsActive          bool
}

type Tier struct {
	Level          int
	Name           string
	CommissionRate decimal.Decimal
	MinConversions int64
	MinRevenue     money.Cents
	Benefits       TierBenefits
}

// Totals are a referrer's lifetime successful direct conversions.
type Totals struct {
	Conversions int64
	Revenue     money.Cents
}

type TierResult struct {
	Configured     bool
	Level          int
	Rate           decimal.Decimal
	CommissionType CommissionType
	Benefits       TierBenefits
}

type Code struct {
	Code           string
	ReferrerID     string
	ProgramID      uuid.UUID
	CustomMessage  string
	LandingPageURL string
	IsActive       bool
	UsesRemaining  *int
	TotalUses      int
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// Usable reports whether the code can still be redeemed at t.
func (c *Code) Usable(t time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.UsesRemaining != nil && *c.UsesRemaining <= 0 {
		return false
	}
	if c.ExpiresAt != nil && !t.Before(*c.ExpiresAt) {
		return false
	}
	return true
}

type Edge struct {
	ReferrerID     string
	RefereeID      string
	Depth          int
	ActivationDate time.Time
	IsActive       bool
}

// Ancestor is an upstream referrer of a referee.
type Ancestor struct {
	ReferrerID string
	Depth      int
}

type Campaign struct {
	ID           uuid.UUID
	Name         string
	Type         string
	StartDate    time.Time
	EndDate      time.Time
	Multiplier   decimal.Decimal
	BudgetLimit  *money.Cents
	CurrentSpend money.Cents
	IsActive     bool
}

// Applies reports whether the campaign boosts a conversion of the given type at t.
func (c *Campaign) Applies(conversionType string, t time.Time) bool {
	if !c.IsActive {
		return false
	}
	if t.Before(c.StartDate) || !t.Before(c.EndDate) {
		return false
	}
	if c.Type != CampaignTypeGeneral && c.Type != conversionType {
		return false
	}
	return c.HasBudget()
}

// HasBudget reports whether the campaign can still attribute spend.
func (c *Campaign) HasBudget() bool {
	return c.BudgetLimit == nil || c.CurrentSpend < *c.BudgetLimit
}

type ConversionEvent struct {
	EventID     string      `json:"event_id" validate:"required,max=200"`
	Type        string      `json:"type" validate:"required,max=64"`
	GrossAmount money.Cents `json:"gross_amount" validate:"gte=0"`
	RefereeID   string      `json:"referee_id" validate:"required"`
	OccurredAt  time.Time   `json:"occurred_at" validate:"required"`
}

// CommissionResult is the commission owed to one ancestor for one event.
type CommissionResult struct {
	ConversionID   uuid.UUID
	ReferrerID     string
	Depth          int
	TierLevel      int
	BaseRate       decimal.Decimal
	EffectiveRate  decimal.Decimal
	Amount         money.Cents
	CampaignID     *uuid.UUID
	CampaignAmount money.Cents
	// Replayed is set when the event had already been processed for this referrer.
	Replayed bool
}

type Conversion struct {
	ID               uuid.UUID
	SourceEventID    string
	ProgramID        uuid.UUID
	ReferrerID       string
	RefereeID        string
	Depth            int
	Type             string
	GrossAmount      money.Cents
	CommissionRate   decimal.Decimal
	CommissionAmount money.Cents
	CampaignID       *uuid.UUID
	CampaignAmount   money.Cents
	Status           ConversionStatus
	ConversionDate   time.Time

	// EarningsID is the ledger row the commission was accrued into.
	EarningsID *uuid.UUID
}

type Reward struct {
	ID                uuid.UUID
	ProgramID         uuid.UUID
	Name              string
	Type              string
	Value             money.Cents
	MinConversions    int64
	RequiredTier      int
	QuantityAvailable *int
	IsActive          bool
}

type RewardClaim struct {
	ID        uuid.UUID
	RewardID  uuid.UUID
	UserID    string
	TierLevel int
	ClaimedAt time.Time
}
