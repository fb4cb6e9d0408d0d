package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/exploopio/judge/pkg/errors"
	"github.com/exploopio/judge/pkg/proof"
)

// SimulatedBlockHeight is the block height reported by simulated sources.
const SimulatedBlockHeight int64 = 12345

// SimulatedMaxThreshold is the threshold simulated proofs attest by default.
const SimulatedMaxThreshold = 100

// SimulatedSource answers every well-formed audit id with a verified record.
// It is meant for local development only. Ids listed in Missing are reported
// as not found.
type SimulatedSource struct {
	AuditorID string
	Missing   map[string]bool
	Now       func() time.Time

	// Submitter, when set, supplies the attested threshold of the ids it
	// was given.
	Submitter *SimulatedSubmitter

	// Threshold is attested for every other id. Zero attests none.
	Threshold int
}

// NewSimulatedSource creates a simulated source that attributes every proof
// to auditorID and attests SimulatedMaxThreshold.
func NewSimulatedSource(auditorID string) *SimulatedSource {
	return &SimulatedSource{AuditorID: auditorID, Now: time.Now, Threshold: SimulatedMaxThreshold}
}

// Name returns "simulated".
func (s *SimulatedSource) Name() string { return "simulated" }

// Fetch returns a deterministic record: the proof hash is sha256(auditID).
func (s *SimulatedSource) Fetch(_ context.Context, auditID string) (*proof.Record, error) {
	if s.Missing[auditID] {
		return nil, errors.E(errors.KindNotFound, "backend.simulated.Fetch", "proof not found")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	sum := sha256.Sum256([]byte(auditID))
	height := SimulatedBlockHeight
	var threshold *int
	if s.Threshold > 0 {
		v := s.Threshold
		threshold = &v
	}
	if s.Submitter != nil {
		if v, ok := s.Submitter.Submitted(auditID); ok {
			threshold = &v
		}
	}
	return &proof.Record{
		AuditID:        auditID,
		IsVerified:     true,
		ProofHash:      hex.EncodeToString(sum[:]),
		AuditorID:      s.AuditorID,
		ProofTimestamp: now().UTC(),
		BlockHeight:    &height,
		Threshold:      threshold,
		Source:         s.Name(),
	}, nil
}

// Health always succeeds.
func (s *SimulatedSource) Health(context.Context) error { return nil }

// SimulatedSubmitter accepts every submission and remembers the audit ids it
// was given, so a SimulatedSource can be paired with it.
type SimulatedSubmitter struct {
	mu        sync.Mutex
	submitted map[string]SubmitRequest

	// Err, when set, is returned by every Submit call.
	Err error
}

// NewSimulatedSubmitter creates a simulated submitter.
func NewSimulatedSubmitter() *SimulatedSubmitter {
	return &SimulatedSubmitter{submitted: make(map[string]SubmitRequest)}
}

// Submit records req and returns sha256(auditID) as the proof hash.
func (s *SimulatedSubmitter) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.E(errors.KindNetworkTimeout, "backend.simulated.Submit", "context done", err)
	}
	if s.Err != nil {
		return "", s.Err
	}
	s.mu.Lock()
	s.submitted[req.AuditID] = req
	s.mu.Unlock()

	sum := sha256.Sum256([]byte(req.AuditID))
	return hex.EncodeToString(sum[:]), nil
}

// Submitted reports whether auditID was submitted and returns its threshold.
func (s *SimulatedSubmitter) Submitted(auditID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.submitted[auditID]
	return req.Threshold, ok
}

// Count returns the number of submissions.
func (s *SimulatedSubmitter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}
