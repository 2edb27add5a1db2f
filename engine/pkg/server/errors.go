package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/creatorhub/earnings/engine/pkg/ledger"
	"github.com/creatorhub/earnings/engine/pkg/payout"
	"github.com/creatorhub/earnings/engine/pkg/postgres"
	"github.com/creatorhub/earnings/engine/pkg/referral"
	"github.com/creatorhub/earnings/engine/pkg/schedule"
	"github.com/creatorhub/earnings/utils/pkg/errreport"
	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("invalid request body")

type errorResponse struct {
	Error string `json:"error"`
}

var (
	notFoundErrors = []error{
		payout.ErrNotFound, ledger.ErrNotFound, schedule.ErrNotFound,
		referral.ErrConversionNotFound, referral.ErrRewardNotFound, referral.ErrCodeNotFound,
	}
	conflictErrors = []error{
		payout.ErrStatusConflict, payout.ErrInvalidTransition, payout.ErrEarningsAlreadyLinked,
		referral.ErrInvalidTransition, referral.ErrAlreadyReferred, referral.ErrReferralCycle,
		referral.ErrRewardAlreadyClaimed, schedule.ErrRunInProgress,
	}
	unprocessableErrors = []error{
		payout.ErrEarningsNotPayable, payout.ErrAmountTooSmall, payout.ErrRejectionReasonRequired,
		payout.ErrAccountNotPayable, ledger.ErrInvalidPeriod, ledger.ErrNegativeAmount, ledger.ErrFeesExceedGross,
		referral.ErrSelfReferral, referral.ErrDepthLimitExceeded, referral.ErrNoProgram,
		referral.ErrRewardUnavailable, referral.ErrRewardIneligible, schedule.ErrInvalidSchedule,
	}
)

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, payout.ErrNotAuthorized):
		return http.StatusForbidden
	case isAny(err, notFoundErrors):
		return http.StatusNotFound
	case isAny(err, conflictErrors):
		return http.StatusConflict
	case isAny(err, unprocessableErrors), errors.As(err, &verrs):
		return http.StatusUnprocessableEntity
	case postgres.IsCheckViolation(err), postgres.IsForeignKeyViolation(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps domain errors to statuses. Internal errors and database
// constraint failures are replaced with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch {
	case status == http.StatusInternalServerError:
		s.log.Error("server: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		errreport.Capture(r.Context(), err, map[string]string{"method": r.Method, "path": r.URL.Path})
		msg = postgres.UserMessage(err)
	case postgres.Classify(err) == postgres.ErrorTypeConstraint:
		s.log.Warn("server: constraint violation", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = postgres.UserMessage(err)
	}
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}
