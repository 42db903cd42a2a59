/*
errors.go - Centralized error taxonomy for billing and governance

PURPOSE:
  All error kinds in one place. Services return either a sentinel, a
  *Error carrying a kind and a machine-readable code, or one of the
  structured errors below. Every one of them unwraps to a kind sentinel,
  so callers only ever need errors.Is.

ERROR KINDS:
  NotFoundOrUnauthorized  entity missing or outside the caller's companies
  Validation              malformed payload, zero lines, missing field
  DepositExceedsBalance   deposit application larger than payment capacity
  Conflict                duplicate pending request, stale version
  Forbidden               self-approval, non-requester cancel, non-owner
  IllegalStateTransition  finalize before cooldown
  UnsupportedAction       unknown approval action tag

USAGE:
  if errors.Is(err, core.ErrDepositExceedsBalance) {
      var dep *core.DepositExceedsBalanceError
      errors.As(err, &dep)
  }

SEE ALSO:
  - api/handlers.go: HTTPStatus drives the response code
*/
package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFoundOrUnauthorized = errors.New("not found or unauthorized")
	ErrValidation             = errors.New("validation error")
	ErrDepositExceedsBalance  = errors.New("deposit exceeds balance")
	ErrConflict               = errors.New("conflict")
	ErrForbidden              = errors.New("forbidden")
	ErrIllegalStateTransition = errors.New("illegal state transition")
	ErrUnsupportedAction      = errors.New("unsupported action")

	// ErrConcurrentModification is returned by the store when a conditional
	// update finds a different version than the one that was read.
	ErrConcurrentModification = fmt.Errorf("%w: concurrent modification detected", ErrConflict)

	// ErrDuplicateDecision is returned by the store when an approver has
	// already voted on a request. Services treat it as an idempotent no-op.
	ErrDuplicateDecision = fmt.Errorf("%w: duplicate decision", ErrConflict)

	// ErrCooldownNotElapsed is returned when an owner removal is finalized
	// before its effective time.
	ErrCooldownNotElapsed = fmt.Errorf("%w: cooldown not elapsed", ErrIllegalStateTransition)
)

// Error codes carried by *Error.
const (
	CodeMustHaveOneLine         = "must_have_one_line"
	CodeMissingField            = "missing_field"
	CodeInvalidField            = "invalid_field"
	CodeCannotApproveOwnRequest = "cannot_approve_own_request"
	CodeCannotRejectOwnRequest  = "cannot_reject_own_request"
	CodeNotRequester            = "not_requester"
	CodeNotOwner                = "not_owner"
	CodeCannotRemoveLastOwner   = "cannot_remove_last_owner"
	CodeAlreadyOwner            = "already_owner"
	CodeDuplicatePending        = "duplicate_pending_request"
	CodeStaleVersion            = "concurrent_modification"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Error is a kind-tagged error with a stable code for API clients.
type Error struct {
	Kind    error // one of the sentinels above
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func NotFound(entity, id string) error {
	return &Error{
		Kind:    ErrNotFoundOrUnauthorized,
		Code:    "not_found",
		Message: fmt.Sprintf("%s %s not found", entity, id),
	}
}

func Validation(code, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func MissingField(field string) error {
	return Validation(CodeMissingField, "%s is required", field)
}

func Forbidden(code, format string, args ...any) error {
	return &Error{Kind: ErrForbidden, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Conflict(code, format string, args ...any) error {
	return &Error{Kind: ErrConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func IllegalState(code, format string, args ...any) error {
	return &Error{Kind: ErrIllegalStateTransition, Code: code, Message: fmt.Sprintf(format, args...)}
}

func UnsupportedAction(action string) error {
	return &Error{
		Kind:    ErrUnsupportedAction,
		Code:    "unsupported_action",
		Message: fmt.Sprintf("action %q is not supported", action),
	}
}

// DepositExceedsBalanceError reports which payment ran out of capacity.
type DepositExceedsBalanceError struct {
	PaymentID string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *DepositExceedsBalanceError) Error() string {
	return fmt.Sprintf("deposit exceeds balance: payment %s has %s available, requested %s",
		e.PaymentID, e.Available.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *DepositExceedsBalanceError) Unwrap() error {
	return ErrDepositExceedsBalance
}

// CooldownNotElapsedError reports when an owner removal becomes executable.
type CooldownNotElapsedError struct {
	RequestID   string
	EffectiveAt time.Time
}

func (e *CooldownNotElapsedError) Error() string {
	return fmt.Sprintf("cooldown not elapsed: request %s is effective at %s",
		e.RequestID, e.EffectiveAt.Format(time.RFC3339))
}

func (e *CooldownNotElapsedError) Unwrap() error {
	return ErrCooldownNotElapsed
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// CodeOf returns the machine-readable code of err, or "" if it carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrDepositExceedsBalance):
		return "deposit_exceeds_balance"
	case errors.Is(err, ErrCooldownNotElapsed):
		return "cooldown_not_elapsed"
	case errors.Is(err, ErrConcurrentModification):
		return CodeStaleVersion
	}
	return ""
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFoundOrUnauthorized):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrDepositExceedsBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict), errors.Is(err, ErrIllegalStateTransition):
		return http.StatusConflict
	case errors.Is(err, ErrUnsupportedAction):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// IsClientError returns true if the error is due to invalid client input
// or a rule violation rather than a storage failure.
func IsClientError(err error) bool {
	s := HTTPStatus(err)
	return s >= 400 && s < 500
}
