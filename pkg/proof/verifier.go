package proof

import (
	"context"
	"regexp"
	"time"

	"github.com/exploopio/judge/pkg/core"
	"github.com/exploopio/judge/pkg/errors"
	"github.com/exploopio/judge/pkg/metrics"
)

// Default verification settings.
const (
	DefaultExpiry         = 24 * time.Hour
	DefaultHashLength     = 64
	DefaultNetworkTimeout = 10 * time.Second
	DefaultBatchTimeout   = 30 * time.Second
	DefaultWorkers        = 8
)

var auditIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidAuditID reports whether id is a well-formed audit identifier.
func ValidAuditID(id string) bool {
	return auditIDPattern.MatchString(id)
}

// Config configures a Verifier.
type Config struct {
	// Expiry is the maximum proof age. Default: 24h
	Expiry time.Duration

	// HashLength is the expected length of the hex proof hash. Default: 64
	HashLength int

	// NetworkTimeout bounds each fetch. Default: 10s
	NetworkTimeout time.Duration

	// BatchTimeout bounds a whole BatchVerify call. Default: 30s
	BatchTimeout time.Duration

	// Workers is the BatchVerify pool size. Default: 8
	Workers int

	Logger  core.Logger
	Metrics *metrics.Recorder

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Verifier checks proofs fetched through a Fetcher.
// It is safe for concurrent use.
type Verifier struct {
	fetcher Fetcher
	cfg     Config
	logger  core.Logger
}

// NewVerifier creates a verifier. Zero config values take the defaults.
func NewVerifier(fetcher Fetcher, cfg Config) *Verifier {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.HashLength <= 0 {
		cfg.HashLength = DefaultHashLength
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = DefaultNetworkTimeout
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  core.OrNop(cfg.Logger),
	}
}

// Verify checks the proof recorded for auditID.
//
// Checks run in order: identifier format, fetch, expiry, structure, auditor.
// The first failing check decides the result. When expectedAuditorID is empty
// the auditor check is skipped. Verify has no side effects on the ledger and
// returns the same result for the same record and clock.
func (v *Verifier) Verify(ctx context.Context, auditID, expectedAuditorID string) Result {
	start := time.Now()
	res := v.verify(ctx, auditID, expectedAuditorID)
	v.cfg.Metrics.Verification(res.Reason(), time.Since(start))

	if res.IsValid {
		v.logger.Info("proof verified: %s (auditor %s)", core.ShortID(auditID), res.AuditorID)
	} else {
		v.logger.Warn("proof rejected: %s: %s", core.ShortID(auditID), res.Error)
	}
	return res
}

func (v *Verifier) verify(ctx context.Context, auditID, expectedAuditorID string) Result {
	if !ValidAuditID(auditID) {
		return v.fail(auditID, nil, errors.KindInvalidInput, MsgInvalidAuditID)
	}

	rec, err := v.fetch(ctx, auditID)
	if err != nil {
		if errors.IsNotFound(err) {
			return v.fail(auditID, nil, errors.KindNotFound, MsgNotFound)
		}
		v.logger.Debug("fetch %s: %v", core.ShortID(auditID), err)
		return v.fail(auditID, nil, errors.KindNetworkTimeout, MsgNetworkTimeout)
	}

	// Expiry is checked before structure.
	if v.cfg.Now().Sub(rec.ProofTimestamp) > v.cfg.Expiry {
		return v.fail(auditID, rec, errors.KindExpired, MsgExpired)
	}

	if !rec.IsVerified || !v.validHash(rec.ProofHash) {
		return v.fail(auditID, rec, errors.KindProofInvalid, MsgProofInvalid)
	}

	if expectedAuditorID != "" && rec.AuditorID != expectedAuditorID {
		res := v.fail(auditID, rec, errors.KindAuditorMismatch, MismatchMessage(expectedAuditorID, rec.AuditorID))
		res.IsHighSeverity = rec.IsVerified
		return res
	}

	return Result{
		AuditID:        auditID,
		IsValid:        true,
		IsHighSeverity: rec.IsVerified,
		AuditorID:      rec.AuditorID,
		Timestamp:      rec.ProofTimestamp,
		ProofData:      rec,
	}
}

func (v *Verifier) fetch(ctx context.Context, auditID string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.NetworkTimeout)
	defer cancel()

	rec, err := v.fetcher.Fetch(ctx, auditID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.ErrNotFound
	}
	return rec, nil
}

func (v *Verifier) validHash(h string) bool {
	if len(h) != v.cfg.HashLength {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

func (v *Verifier) fail(auditID string, rec *Record, kind errors.Kind, msg string) Result {
	res := Result{
		AuditID:   auditID,
		Timestamp: v.cfg.Now(),
		ProofData: rec,
		Error:     msg,
		Kind:      kind,
	}
	if rec != nil {
		res.AuditorID = rec.AuditorID
		res.Timestamp = rec.ProofTimestamp
	}
	return res
}
