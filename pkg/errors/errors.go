// Package errors provides the error taxonomy shared by the judge packages.
//
// Verification and settlement failures are normally carried inside result
// values (proof.Result, bounty.Outcome). The Kind is what those values and
// the rare escaping Go errors have in common.
package errors

import (
	"errors"
	"fmt"
)

// =============================================================================
// Base Error Types
// =============================================================================

// Error is the base error type for all judge errors.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "ledger.Reserve")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindNotFound
	KindExpired
	KindProofInvalid
	KindAuditorMismatch
	KindNetworkTimeout
	KindDuplicate
	KindRateLimited
	KindCooldown
	KindDailyCap
	KindBelowThreshold
	KindVerificationFailed
	KindPayoutFailed
	KindUnavailable
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindExpired:
		return "expired"
	case KindProofInvalid:
		return "proof_invalid"
	case KindAuditorMismatch:
		return "auditor_mismatch"
	case KindNetworkTimeout:
		return "network_timeout"
	case KindDuplicate:
		return "duplicate"
	case KindRateLimited:
		return "rate_limited"
	case KindCooldown:
		return "cooldown"
	case KindDailyCap:
		return "daily_cap"
	case KindBelowThreshold:
		return "below_threshold"
	case KindVerificationFailed:
		return "verification_failed"
	case KindPayoutFailed:
		return "payout_failed"
	case KindUnavailable:
		return "unavailable"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Reason returns the settlement reason string for the kind.
// It is the same as String; the separate name documents intent at call sites
// that fill bounty.Outcome.Reason.
func (k Kind) Reason() string {
	return k.String()
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op, then Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
		}
	}
	return e
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with an operation name, keeping the wrapped kind.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: GetKind(err), Op: op, Err: err}
}

// =============================================================================
// Error Checkers
// =============================================================================

// GetKind returns the Kind of the error, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return GetKind(err) == KindNotFound
}

// IsTimeout checks if the error is a network timeout.
func IsTimeout(err error) bool {
	return GetKind(err) == KindNetworkTimeout
}

// IsFatal reports whether the error must reach the operator instead of being
// folded into a result value.
func IsFatal(err error) bool {
	switch GetKind(err) {
	case KindUnavailable, KindInternal:
		return true
	}
	return false
}

// IsRetryable checks if the error is retryable by the caller.
func IsRetryable(err error) bool {
	switch GetKind(err) {
	case KindNetworkTimeout, KindPayoutFailed, KindUnavailable:
		return true
	}
	return false
}

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrInvalidAuditID is returned for empty or malformed audit identifiers.
	ErrInvalidAuditID = &Error{Kind: KindInvalidInput, Message: "invalid audit ID"}

	// ErrNotFound is returned when a proof or claim does not exist.
	ErrNotFound = &Error{Kind: KindNotFound, Message: "not found"}

	// ErrTimeout is returned when an external call misses its deadline.
	ErrTimeout = &Error{Kind: KindNetworkTimeout, Message: "network timeout"}

	// ErrLedgerUnavailable is returned when the settlement ledger cannot be reached.
	ErrLedgerUnavailable = &Error{Kind: KindUnavailable, Message: "settlement ledger unavailable"}

	// ErrInvalidConfig is returned for invalid configuration.
	ErrInvalidConfig = &Error{Kind: KindInvalidInput, Message: "invalid configuration"}
)
