// Package proof verifies vulnerability proofs recorded on the proof ledger.
//
// A proof is fetched through a Fetcher, checked for freshness, structure and
// auditor identity, and summarized as a Result. Verification failures are
// values, never Go errors: callers branch on Result.Kind.
package proof

import (
	"context"
	"fmt"
	"time"

	"github.com/exploopio/judge/pkg/errors"
)

// Result error messages. These strings are part of the API contract.
const (
	MsgInvalidAuditID = "Invalid audit ID"
	MsgNotFound       = "Proof not found on contract"
	MsgExpired        = "Proof has expired"
	MsgProofInvalid   = "ZK proof verification failed"
	MsgNetworkTimeout = "Network timeout"
)

// MismatchMessage formats the auditor mismatch error.
func MismatchMessage(expected, actual string) string {
	return fmt.Sprintf("Auditor ID mismatch: %s != %s", expected, actual)
}

// Record is what the proof ledger holds for an audit ID.
// It never contains the witness.
type Record struct {
	AuditID        string         `json:"audit_id"`
	IsVerified     bool           `json:"is_verified"`
	ProofHash      string         `json:"proof_hash"`
	AuditorID      string         `json:"auditor_id"`
	ProofTimestamp time.Time      `json:"proof_timestamp"`
	BlockHeight    *int64         `json:"block_height,omitempty"`
	Threshold      *int           `json:"threshold,omitempty"` // attested severity threshold, if reported
	Source         string         `json:"source,omitempty"`
	RawFields      map[string]any `json:"raw_fields,omitempty"`
}

// Result is the outcome of verifying one audit ID.
type Result struct {
	AuditID        string      `json:"audit_id"`
	IsValid        bool        `json:"is_valid"`
	IsHighSeverity bool        `json:"is_high_severity"`
	AuditorID      string      `json:"auditor_id"`
	Timestamp      time.Time   `json:"timestamp"`
	ProofData      *Record     `json:"proof_data,omitempty"`
	Error          string      `json:"error,omitempty"`
	Kind           errors.Kind `json:"-"`
}

// ProvenThreshold returns the threshold attested by the verified proof.
func (r Result) ProvenThreshold() (int, bool) {
	if r.ProofData == nil || r.ProofData.Threshold == nil {
		return 0, false
	}
	return *r.ProofData.Threshold, true
}

// Reason returns the failure kind as a string, or "valid".
func (r Result) Reason() string {
	if r.IsValid {
		return "valid"
	}
	return r.Kind.String()
}

// Fetcher reads proof records from the proof ledger.
//
// Implementations return an error of kind errors.KindNotFound when the ledger
// has no record, and errors.KindNetworkTimeout when it could not be reached.
type Fetcher interface {
	Fetch(ctx context.Context, auditID string) (*Record, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, auditID string) (*Record, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, auditID string) (*Record, error) {
	return f(ctx, auditID)
}
