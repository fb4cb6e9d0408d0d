package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindUnknown, "unknown"},
		{KindInvalidInput, "invalid_input"},
		{KindNotFound, "not_found"},
		{KindExpired, "expired"},
		{KindProofInvalid, "proof_invalid"},
		{KindAuditorMismatch, "auditor_mismatch"},
		{KindNetworkTimeout, "network_timeout"},
		{KindDuplicate, "duplicate"},
		{KindRateLimited, "rate_limited"},
		{KindCooldown, "cooldown"},
		{KindDailyCap, "daily_cap"},
		{KindBelowThreshold, "below_threshold"},
		{KindVerificationFailed, "verification_failed"},
		{KindPayoutFailed, "payout_failed"},
		{KindUnavailable, "unavailable"},
		{KindInternal, "internal"},
		{Kind(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.expected {
				t.Errorf("Kind.String() = %v, want %v", got, tt.expected)
			}
			if got := tt.kind.Reason(); got != tt.expected {
				t.Errorf("Kind.Reason() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "op and message and err",
			err:      &Error{Op: "ledger.Get", Message: "query failed", Err: fmt.Errorf("database is locked")},
			expected: "ledger.Get: query failed: database is locked",
		},
		{
			name:     "op and message",
			err:      &Error{Op: "ledger.Get", Message: "query failed"},
			expected: "ledger.Get: query failed",
		},
		{
			name:     "message and err",
			err:      &Error{Message: "query failed", Err: fmt.Errorf("database is locked")},
			expected: "query failed: database is locked",
		},
		{
			name:     "message only",
			err:      &Error{Message: "query failed"},
			expected: "query failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestE(t *testing.T) {
	underlying := context.DeadlineExceeded
	err := E(KindNetworkTimeout, "backend.Fetch", "bridge did not answer", underlying)

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("E() should return *Error, got %T", err)
	}
	if e.Kind != KindNetworkTimeout {
		t.Errorf("Kind = %v, want %v", e.Kind, KindNetworkTimeout)
	}
	if e.Op != "backend.Fetch" {
		t.Errorf("Op = %q, want backend.Fetch", e.Op)
	}
	if e.Message != "bridge did not answer" {
		t.Errorf("Message = %q", e.Message)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("E() should keep the underlying error reachable")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors with the same Kind should match")
	}
}

func TestWrap_KeepsKind(t *testing.T) {
	if Wrap(nil, "op") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	err := Wrap(ErrLedgerUnavailable, "bounty.Settle")
	if GetKind(err) != KindUnavailable {
		t.Errorf("GetKind() = %v, want unavailable", GetKind(err))
	}
	if !IsFatal(err) {
		t.Error("wrapped unavailable error should stay fatal")
	}
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		fatal     bool
	}{
		{"timeout", ErrTimeout, true, false},
		{"payout failed", E(KindPayoutFailed, "rail down"), true, false},
		{"unavailable", ErrLedgerUnavailable, true, true},
		{"internal", E(KindInternal, "invariant"), false, true},
		{"duplicate", E(KindDuplicate, "dup"), false, false},
		{"not found", ErrNotFound, false, false},
		{"plain", fmt.Errorf("plain"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v", got, tt.fatal)
			}
		})
	}

	if !IsNotFound(ErrNotFound) || IsNotFound(ErrTimeout) {
		t.Error("IsNotFound misclassified")
	}
	if !IsTimeout(ErrTimeout) {
		t.Error("IsTimeout misclassified")
	}
}
