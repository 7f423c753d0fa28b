/*
errors.go - Failure taxonomy for stock operations

PURPOSE:
  Every failure that leaves the engine carries a stable machine-readable Kind
  plus a human-readable detail. Callers branch on the kind with errors.Is
  against the sentinels below, or with KindOf.

KINDS:
  ValidationError    malformed input, detected before any store access
  NotFound           item / kitchen / transfer reference is invalid
  InsufficientStock  the movement would drive on-hand below zero
  InvalidTransition  transfer state machine precondition unmet
  Conflict           lock wait timed out or duplicate idempotency key (retry-safe)
  Internal           store unavailable or invariant violation

PROPAGATION:
  Business failures are terminal for the call and leave no side effects.
  Only Conflict is retryable, and only by the caller with the same input.

SEE ALSO:
  - transfer/machine.go: InvalidTransitionError
  - api/handlers.go: maps kinds to HTTP statuses
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindValidation        Kind = "ValidationError"
	KindNotFound          Kind = "NotFound"
	KindInsufficientStock Kind = "InsufficientStock"
	KindInvalidTransition Kind = "InvalidTransition"
	KindConflict          Kind = "Conflict"
	KindInternal          Kind = "Internal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
	ErrInternal          = errors.New("internal error")

	// ErrLockTimeout is returned when a balance lock could not be acquired
	// before the wait deadline. The whole operation may be retried.
	ErrLockTimeout = fmt.Errorf("%w: lock wait timeout", ErrConflict)

	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key was already committed.
	ErrDuplicateIdempotencyKey = fmt.Errorf("%w: duplicate idempotency key", ErrConflict)

	// ErrStoreRequired is returned when an operation needs a transaction
	// capability the configured store does not provide.
	ErrStoreRequired = fmt.Errorf("%w: operation requires extended store interface", ErrInternal)
)

var kindSentinels = map[Kind]error{
	KindValidation:        ErrValidation,
	KindNotFound:          ErrNotFound,
	KindInsufficientStock: ErrInsufficientStock,
	KindInvalidTransition: ErrInvalidTransition,
	KindConflict:          ErrConflict,
	KindInternal:          ErrInternal,
}

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Error is a classified failure. Code is stable and machine-readable
// (e.g. "ItemNotFound"); Detail is for humans.
type Error struct {
	Kind   Kind
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Code
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := []error{kindSentinels[e.Kind]}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func Validationf(code, format string, args ...any) error {
	return &Error{Kind: KindValidation, Code: code, Detail: fmt.Sprintf(format, args...)}
}

func NotFoundf(code, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Code: code, Detail: fmt.Sprintf(format, args...)}
}

func Internalf(err error, format string, args ...any) error {
	return &Error{Kind: KindInternal, Code: "Internal", Detail: fmt.Sprintf(format, args...), Err: err}
}

// LockTimeoutf reports a lock the store could not obtain (a wait timeout, a
// busy database or a deadlock victim). cause may be nil.
func LockTimeoutf(cause error, format string, args ...any) error {
	err := ErrLockTimeout
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrLockTimeout, cause)
	}
	return &Error{Kind: KindConflict, Code: "LockTimeout", Detail: fmt.Sprintf(format, args...), Err: err}
}

// InsufficientStockError names the short item and by how much.
type InsufficientStockError struct {
	Kitchen   KitchenID
	Item      ItemID
	Available decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func NewInsufficientStock(key BalanceKey, available, requested decimal.Decimal) *InsufficientStockError {
	return &InsufficientStockError{
		Kitchen:   key.Kitchen,
		Item:      key.Item,
		Available: available,
		Requested: requested,
		Shortfall: requested.Sub(available),
	}
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock of item %s at kitchen %s: available %s, requested %s, short by %s",
		e.Item, e.Kitchen, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf classifies any error. Unclassified errors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range []Kind{KindValidation, KindNotFound, KindInsufficientStock, KindInvalidTransition, KindConflict} {
		if errors.Is(err, kindSentinels[k]) {
			return k
		}
	}
	return KindInternal
}

// CodeOf returns the stable code of err, falling back to its kind.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrLockTimeout):
		return "LockTimeout"
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return "DuplicateRequest"
	}
	return string(KindOf(err))
}

// IsRetryable returns true if the same call may succeed on retry.
func IsRetryable(err error) bool {
	return KindOf(err) == KindConflict
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindNotFound, KindInsufficientStock, KindInvalidTransition:
		return true
	}
	return false
}
