package payout

import (
	"errors"
	"slices"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/money"
	"github.com/google/uuid"
)

var (
	ErrNotFound                = errors.New("payout request not found")
	ErrEarningsAlreadyLinked   = errors.New("earnings row already has an open payout request")
	ErrEarningsNotPayable      = errors.New("earnings row is not payable")
	ErrAmountTooSmall          = errors.New("payout amount does not cover the processing fee")
	ErrRejectionReasonRequired = errors.New("rejection reason is required")
	ErrNotAuthorized           = errors.New("actor is not authorized for this payout action")
	ErrInvalidTransition       = errors.New("invalid payout request transition")
	ErrStatusConflict          = errors.New("payout request is not in the expected status")
	ErrAccountNotPayable       = errors.New("creator account cannot receive payouts")
)

type RequestType string

const (
	RequestTypeAutomatic RequestType = "automatic"
	RequestTypeManual    RequestType = "manual"
	RequestTypeEmergency RequestType = "emergency"
)

// triageRank orders request types for the admin queue, lowest first.
var triageRank = map[RequestType]int{
	RequestTypeEmergency: 0,
	RequestTypeManual:    1,
	RequestTypeAutomatic: 2,
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusApproved, StatusRejected},
	StatusApproved:   {StatusProcessing},
	StatusProcessing: {StatusPaid, StatusFailed},
}

func (s Status) CanTransition(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// Open reports whether the request still holds its ledger row.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusApproved || s == StatusProcessing
}

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleCreator Role = "creator"
	RoleSystem  Role = "system"
)

type Actor struct {
	ID   string `json:"id" validate:"required"`
	Role Role   `json:"role" validate:"required,oneof=admin creator system"`
}

// SystemActor approves scheduled payouts that do not require review.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

func (a Actor) canDecide() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

func (a Actor) canRequestFor(creatorID string) bool {
	return a.canDecide() || (a.Role == RoleCreator && a.ID == creatorID)
}

type Request struct {
	ID                  uuid.UUID   `json:"id"`
	CreatorID           string      `json:"creator_id"`
	EarningsID          uuid.UUID   `json:"earnings_id"`
	RequestedAmount     money.Cents `json:"requested_amount"`
	RequestType         RequestType `json:"request_type"`
	Status              Status      `json:"status"`
	ProcessingFee       money.Cents `json:"processing_fee"`
	NetPayoutAmount     money.Cents `json:"net_payout_amount"`
	RequestedBy         string      `json:"requested_by"`
	ApprovedBy          string      `json:"approved_by,omitempty"`
	ApprovedAt          *time.Time  `json:"approved_at,omitempty"`
	RejectedBy          string      `json:"rejected_by,omitempty"`
	RejectionReason     string      `json:"rejection_reason,omitempty"`
	FailureReason       string      `json:"failure_reason,omitempty"`
	TransferID          string      `json:"transfer_id,omitempty"`
	IdempotencyKey      string      `json:"idempotency_key"`
	ProcessingStartedAt *time.Time  `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time  `json:"completed_at,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

type CreateInput struct {
	CreatorID  string      `json:"creator_id" validate:"required"`
	EarningsID uuid.UUID   `json:"earnings_id" validate:"required"`
	Type       RequestType `json:"request_type" validate:"required,oneof=automatic manual emergency"`
	Actor      Actor       `json:"-"`
}

// change carries the fields a status transition stamps.
type change struct {
	Actor      string
	Reason     string
	TransferID string
	At         time.Time
}
