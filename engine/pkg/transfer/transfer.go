// Package transfer moves payout money to creators' connected accounts and
// answers whether an account can receive payouts.
package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/creatorhub/earnings/engine/pkg/money"
)

var (
	// ErrTransferRejected is a definite failure: no money moved.
	ErrTransferRejected = errors.New("transfer rejected")
	// ErrOutcomeUnknown means the transfer may or may not have happened.
	ErrOutcomeUnknown   = errors.New("transfer outcome unknown")
	ErrTransferNotFound = errors.New("transfer not found")
	ErrAccountNotFound  = errors.New("connected account not found")
)

type Input struct {
	DestinationAccountID string
	Amount               money.Cents
	Description          string
	IdempotencyKey       string
	Group                string
	Metadata             map[string]string
}

type Result struct {
	TransferID string
	Amount     money.Cents
	Created    time.Time
}

type Executor interface {
	CreateTransfer(ctx context.Context, in Input) (*Result, error)
	// FindTransfer returns ErrTransferNotFound when no transfer exists for the group.
	FindTransfer(ctx context.Context, group string) (*Result, error)
}

type AccountStatus struct {
	CreatorID         string `json:"creator_id"`
	ExternalAccountID string `json:"external_account_id"`
	PayoutsEnabled    bool   `json:"payouts_enabled"`
	Email             string `json:"email,omitempty"`
	DisplayName       string `json:"display_name,omitempty"`
}

type AccountRegistry interface {
	// GetAccountStatus returns ErrAccountNotFound when the creator has no
	// connected account.
	GetAccountStatus(ctx context.Context, creatorID string) (*AccountStatus, error)
}
