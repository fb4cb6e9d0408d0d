// Package judge drives claims from a reported compromise to a settled bounty.
//
// The Coordinator owns one state machine per claim:
//
//	Idle -> Submitted -> Verifying -> VerifiedHigh -> Settled | Rejected | SettlementFailed
//	                               -> VerifiedLow  -> Rejected
//	                               -> VerificationFailed -> Submitted (on resubmission)
//
// Independent claims progress concurrently. Work on a single claim is
// serialized. Submitting a tracked claim again reports it as a duplicate,
// unless its verification failed on a retryable error such as a network
// timeout, in which case it is verified again. Claims stuck in SettlementFailed are retried with backoff and
// can be re-driven later, either by RetrySettlement or by a retry.Worker
// using the Coordinator as its Redriver.
package judge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/exploopio/judge/pkg/audit"
	"github.com/exploopio/judge/pkg/backend"
	"github.com/exploopio/judge/pkg/bounty"
	"github.com/exploopio/judge/pkg/core"
	"github.com/exploopio/judge/pkg/errors"
	"github.com/exploopio/judge/pkg/metrics"
	"github.com/exploopio/judge/pkg/proof"
	"github.com/exploopio/judge/pkg/retry"
)

// Coordinator defaults.
const (
	DefaultThreshold      = 90
	DefaultSettleAttempts = 3
	DefaultSettleBackoff  = time.Second
	DefaultProofCacheTTL  = 10 * time.Minute
	DefaultHistoryLimit   = 1000
	DefaultErrorBuffer    = 16
)

// Claim is a severity claim by an auditor.
type Claim = bounty.Claim

// ErrNoCompromise is returned by HandleOutcome for attacks that did not
// compromise the target.
var ErrNoCompromise = errors.E(errors.KindInvalidInput, "judge.HandleOutcome", "attack did not compromise the target")

// AttackOutcome is the report of a finished attack.
type AttackOutcome struct {
	AuditorID   string          `json:"auditor_id"`
	Compromised bool            `json:"compromised"`
	Witness     backend.Witness `json:"-"`

	// Threshold is the severity the auditor claims. Zero uses the
	// coordinator's configured threshold.
	Threshold  int       `json:"threshold,omitempty"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// Config configures a Coordinator.
type Config struct {
	Verifier  *proof.Verifier
	Engine    *bounty.Engine
	Submitter backend.Submitter

	// Audit receives verification, settlement, claim state and fatal entries.
	// Default: audit.NopSink
	Audit   audit.Sink
	Logger  core.Logger
	Metrics *metrics.Recorder

	// Threshold is claimed for outcomes that do not carry their own. Default: 90
	Threshold int

	// SettleAttempts bounds the settlement attempts per drive. Default: 3
	SettleAttempts int

	// SettleBackoff is the base of the exponential wait between attempts. Default: 1s
	SettleBackoff time.Duration

	// ProofCacheTTL is how long verified proofs are served from cache. Default: 10m
	ProofCacheTTL time.Duration

	// HistoryLimit is the number of tracked claims above which finished
	// claims are forgotten, oldest first. Default: 1000
	HistoryLimit int

	// ErrorBuffer is the capacity of the Errors channel. Default: 16
	ErrorBuffer int

	Now func() time.Time
}

// Stats summarizes the coordinator's activity since start.
type Stats struct {
	ClaimsTotal        int64            `json:"claims_total"`
	Tracked            int              `json:"tracked"`
	ByState            map[State]int    `json:"by_state"`
	Settled            int64            `json:"settled"`
	Rejected           int64            `json:"rejected"`
	VerificationFailed int64            `json:"verification_failed"`
	SettlementFailures int64            `json:"settlement_failures"`
	TotalPaid          int64            `json:"total_paid"`
	Reasons            map[string]int64 `json:"reasons"`
	CachedProofs       int              `json:"cached_proofs"`
	DroppedErrors      int64            `json:"dropped_errors"`
}

// Coordinator drives claims through verification and settlement.
type Coordinator struct {
	verifier  *proof.Verifier
	engine    *bounty.Engine
	submitter backend.Submitter
	audit     audit.Sink
	logger    core.Logger
	metrics   *metrics.Recorder
	now       func() time.Time

	threshold      int
	settleAttempts int
	settleBackoff  *retry.BackoffConfig
	historyLimit   int

	cache *proofCache
	errs  chan error

	mu     sync.RWMutex
	claims map[string]*tracked
	order  []string

	statsMu sync.Mutex
	stats   Stats
}

var _ retry.Redriver = (*Coordinator)(nil)

// New creates a coordinator. Verifier and Engine are required; Submitter is
// required only for HandleOutcome.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("judge: verifier is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("judge: bounty engine is required")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopSink{}
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.SettleAttempts <= 0 {
		cfg.SettleAttempts = DefaultSettleAttempts
	}
	if cfg.SettleBackoff <= 0 {
		cfg.SettleBackoff = DefaultSettleBackoff
	}
	if cfg.ProofCacheTTL <= 0 {
		cfg.ProofCacheTTL = DefaultProofCacheTTL
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.ErrorBuffer <= 0 {
		cfg.ErrorBuffer = DefaultErrorBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	cache, err := newProofCache(cfg.ProofCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("judge: proof cache: %w", err)
	}

	return &Coordinator{
		verifier:       cfg.Verifier,
		engine:         cfg.Engine,
		submitter:      cfg.Submitter,
		audit:          cfg.Audit,
		logger:         core.OrNop(cfg.Logger),
		metrics:        cfg.Metrics,
		now:            cfg.Now,
		threshold:      cfg.Threshold,
		settleAttempts: cfg.SettleAttempts,
		settleBackoff: &retry.BackoffConfig{
			Strategy:     retry.BackoffExponential,
			BaseInterval: cfg.SettleBackoff,
			MaxInterval:  retry.DefaultMaxInterval,
			Jitter:       0.1,
		},
		historyLimit: cfg.HistoryLimit,
		cache:        cache,
		errs:         make(chan error, cfg.ErrorBuffer),
		claims:       make(map[string]*tracked),
		stats: Stats{
			Reasons: make(map[string]int64),
		},
	}, nil
}

// Errors returns the channel on which fatal errors are published. Errors
// are dropped, and counted in Stats, when nobody reads the channel.
func (c *Coordinator) Errors() <-chan error {
	return c.errs
}

// Close releases the proof cache.
func (c *Coordinator) Close() error {
	return c.cache.close()
}

// HandleOutcome turns a compromising attack into a claim and drives it to a
// final state. The witness is sent to the proof backend and nowhere else.
func (c *Coordinator) HandleOutcome(ctx context.Context, o AttackOutcome) (*ClaimView, error) {
	const op = "judge.HandleOutcome"

	if !o.Compromised {
		return nil, ErrNoCompromise
	}
	if o.AuditorID == "" {
		return nil, errors.E(errors.KindInvalidInput, op, "outcome has no auditor")
	}
	if c.submitter == nil {
		return nil, errors.E(errors.KindInternal, op, "no proof submitter configured")
	}

	threshold := o.Threshold
	if threshold <= 0 {
		threshold = c.threshold
	}
	at := o.OccurredAt
	if at.IsZero() {
		at = c.now()
	}
	claim := Claim{
		AuditID:     o.Witness.AuditID(at),
		AuditorID:   o.AuditorID,
		Threshold:   threshold,
		SubmittedAt: at.UTC(),
	}

	hash, err := c.submitter.Submit(ctx, backend.SubmitRequest{
		AuditID:   claim.AuditID,
		AuditorID: claim.AuditorID,
		Threshold: claim.Threshold,
		Witness:   o.Witness,
	})
	if err != nil {
		c.logger.Warn("proof submission for %s failed: %v", core.ShortID(claim.AuditID), err)
		return nil, errors.Wrap(err, op)
	}

	t, dup := c.acquire(claim)
	if dup != nil {
		return dup, nil
	}
	defer t.run.Unlock()
	t.update(func(v *ClaimView) { v.ProofHash = hash })
	c.move(t, StateSubmitted, "proof submitted")
	return c.drive(ctx, t)
}

// SettleClaim drives a claim whose proof was submitted by someone else.
func (c *Coordinator) SettleClaim(ctx context.Context, claim Claim) (*ClaimView, error) {
	const op = "judge.SettleClaim"

	if !proof.ValidAuditID(claim.AuditID) {
		return nil, errors.E(errors.KindInvalidInput, op, proof.MsgInvalidAuditID)
	}
	if claim.AuditorID == "" {
		return nil, errors.E(errors.KindInvalidInput, op, "claim has no auditor")
	}
	if claim.Threshold <= 0 {
		claim.Threshold = c.threshold
	}
	if claim.SubmittedAt.IsZero() {
		claim.SubmittedAt = c.now().UTC()
	}

	t, dup := c.acquire(claim)
	if dup != nil {
		return dup, nil
	}
	defer t.run.Unlock()
	c.move(t, StateSubmitted, "claim received")
	return c.drive(ctx, t)
}

// RetrySettlement re-drives a claim in SettlementFailed. The verification
// result recorded for the claim is reused.
func (c *Coordinator) RetrySettlement(ctx context.Context, auditID string) (*ClaimView, error) {
	const op = "judge.RetrySettlement"

	t := c.lookup(auditID)
	if t == nil {
		return nil, errors.E(errors.KindNotFound, op, "unknown claim")
	}

	t.run.Lock()
	defer t.run.Unlock()

	if st := t.state(); st != StateSettlementFailed {
		return t.snapshot(), errors.E(errors.KindInvalidInput, op, fmt.Sprintf("claim is %s, not %s", st, StateSettlementFailed))
	}
	var result proof.Result
	t.update(func(v *ClaimView) {
		if v.Verification != nil {
			result = *v.Verification
		}
	})
	c.settle(ctx, t, result)
	return t.snapshot(), nil
}

// Pending implements retry.Redriver. It lists claims in SettlementFailed,
// oldest first.
func (c *Coordinator) Pending(_ context.Context, limit int) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []string
	for _, id := range c.order {
		if limit > 0 && len(ids) >= limit {
			break
		}
		if t := c.claims[id]; t != nil && t.state() == StateSettlementFailed {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Redrive implements retry.Redriver.
func (c *Coordinator) Redrive(ctx context.Context, auditID string) error {
	view, err := c.RetrySettlement(ctx, auditID)
	if err != nil {
		return err
	}
	if view.State == StateSettlementFailed {
		reason := "settlement failed"
		if view.Outcome != nil && view.Outcome.Error != "" {
			reason = view.Outcome.Error
		}
		return errors.E(errors.KindPayoutFailed, "judge.Redrive", reason)
	}
	return nil
}

// Claim returns a snapshot of a tracked claim.
func (c *Coordinator) Claim(auditID string) (*ClaimView, bool) {
	t := c.lookup(auditID)
	if t == nil {
		return nil, false
	}
	return t.snapshot(), true
}

// Claims returns snapshots of all tracked claims, oldest first.
func (c *Coordinator) Claims() []*ClaimView {
	c.mu.RLock()
	ts := make([]*tracked, 0, len(c.order))
	for _, id := range c.order {
		ts = append(ts, c.claims[id])
	}
	c.mu.RUnlock()

	views := make([]*ClaimView, 0, len(ts))
	for _, t := range ts {
		views = append(views, t.snapshot())
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].Claim.SubmittedAt.Before(views[j].Claim.SubmittedAt)
	})
	return views
}

// Stats returns a snapshot of the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	c.statsMu.Lock()
	s := c.stats
	s.Reasons = make(map[string]int64, len(c.stats.Reasons))
	for k, v := range c.stats.Reasons {
		s.Reasons[k] = v
	}
	c.statsMu.Unlock()

	s.ByState = make(map[State]int)
	c.mu.RLock()
	s.Tracked = len(c.claims)
	for _, t := range c.claims {
		s.ByState[t.state()]++
	}
	c.mu.RUnlock()
	s.CachedProofs = c.cache.len()
	return s
}

// GetVerificationProof exports the proof of a valid claim for third-party
// verification. It never changes any state.
func (c *Coordinator) GetVerificationProof(ctx context.Context, auditID, format string) (string, error) {
	const op = "judge.GetVerificationProof"

	f, err := proof.ParseFormat(format)
	if err != nil {
		return "", errors.E(errors.KindInvalidInput, op, err.Error())
	}
	if !proof.ValidAuditID(auditID) {
		return "", errors.E(errors.KindInvalidInput, op, proof.MsgInvalidAuditID)
	}

	rec := c.cache.get(auditID)
	if rec == nil {
		res := c.verifier.Verify(ctx, auditID, "")
		if !res.IsValid {
			return "", errors.E(res.Kind, op, res.Error)
		}
		rec = res.ProofData
		c.cache.put(rec)
	}

	out, err := proof.Export(rec, f)
	if err != nil {
		return "", errors.E(errors.KindInternal, op, err)
	}
	return out, nil
}

// drive runs verification and settlement for a claim in Submitted.
// The caller holds t.run.
func (c *Coordinator) drive(ctx context.Context, t *tracked) (*ClaimView, error) {
	claim := t.snapshot().Claim

	c.move(t, StateVerifying, "")
	res := c.verifier.Verify(ctx, claim.AuditID, claim.AuditorID)
	t.update(func(v *ClaimView) { v.Verification = &res })
	c.recordVerification(claim, res)

	switch {
	case !res.IsValid:
		c.move(t, StateVerificationFailed, res.Error)
		return t.snapshot(), nil
	case !res.IsHighSeverity:
		c.move(t, StateVerifiedLow, "")
		c.move(t, StateRejected, errors.KindBelowThreshold.Reason())
		c.count(func(s *Stats) { s.Reasons[errors.KindBelowThreshold.Reason()]++ })
		return t.snapshot(), nil
	}

	c.cache.put(res.ProofData)
	c.move(t, StateVerifiedHigh, "")
	c.settle(ctx, t, res)
	return t.snapshot(), nil
}

// settle runs the bounty engine with bounded retries and moves the claim to
// Settled, Rejected or SettlementFailed. The caller holds t.run.
func (c *Coordinator) settle(ctx context.Context, t *tracked, res proof.Result) {
	const op = "judge.settle"
	claim := t.snapshot().Claim

	var (
		out      bounty.Outcome
		fatalErr error
	)
	err := retry.Do(ctx, retry.Policy{
		MaxAttempts: c.settleAttempts,
		Backoff:     c.settleBackoff,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			c.logger.Warn("settlement of %s failed (attempt %d/%d), retrying in %v: %v",
				core.ShortID(claim.AuditID), attempt, c.settleAttempts, wait, err)
		},
	}, func(ctx context.Context, attempt int) error {
		t.update(func(v *ClaimView) { v.SettleAttempts++ })

		var err error
		out, err = c.engine.Settle(ctx, claim, res)
		if err != nil {
			if out.Reason != "" {
				// The rail was called and the ledger hold is unresolved.
				fatalErr = err
				return nil
			}
			return err
		}
		if out.Retryable() {
			return errors.E(out.Kind, op, out.Error)
		}
		return nil
	})

	if fatalErr != nil {
		c.raise(claim, fatalErr)
	}
	if err != nil && errors.IsFatal(err) {
		c.raise(claim, err)
		if out.Reason == "" {
			out = bounty.Outcome{
				Reason:      errors.GetKind(err).Reason(),
				Kind:        errors.GetKind(err),
				Fingerprint: claim.Fingerprint(),
				AuditID:     claim.AuditID,
				AuditorID:   claim.AuditorID,
			}
		}
		out.Error = err.Error()
	}
	if err != nil && !errors.IsFatal(err) && out.Reason == "" {
		// The context ended before the engine produced an outcome.
		out = bounty.Outcome{
			Reason:      errors.KindNetworkTimeout.Reason(),
			Kind:        errors.KindNetworkTimeout,
			Fingerprint: claim.Fingerprint(),
			AuditID:     claim.AuditID,
			AuditorID:   claim.AuditorID,
			Error:       err.Error(),
		}
	}

	t.update(func(v *ClaimView) { v.Outcome = &out })
	c.recordSettlement(claim, out)

	switch {
	case out.Paid:
		c.move(t, StateSettled, "")
		c.count(func(s *Stats) { s.TotalPaid += out.Amount })
	case err != nil, fatalErr != nil:
		c.move(t, StateSettlementFailed, out.Reason)
		c.count(func(s *Stats) { s.SettlementFailures++ })
	default:
		c.move(t, StateRejected, out.Reason)
	}
	c.count(func(s *Stats) { s.Reasons[out.Reason]++ })
}

// acquire returns the claim to drive with its run lock held. When the audit
// id is already tracked and cannot be reopened it returns a snapshot with a
// duplicate outcome instead.
func (c *Coordinator) acquire(claim Claim) (*tracked, *ClaimView) {
	t, fresh := c.register(claim)
	if fresh {
		t.run.Lock()
		return t, nil
	}
	if !t.reopenable() {
		return nil, c.duplicate(t)
	}

	t.run.Lock()
	if !t.reopenable() {
		t.run.Unlock()
		return nil, c.duplicate(t)
	}
	c.logger.Info("claim %s: verifying again after %s", core.ShortID(claim.AuditID), t.snapshot().Verification.Kind)
	t.update(func(v *ClaimView) {
		v.Claim = claim
		v.Verification = nil
		v.Outcome = nil
	})
	return t, nil
}

// duplicate reports a tracked claim without touching it.
func (c *Coordinator) duplicate(t *tracked) *ClaimView {
	v := t.snapshot()
	reason := errors.KindDuplicate.Reason()
	v.Outcome = &bounty.Outcome{
		Reason:      reason,
		Kind:        errors.KindDuplicate,
		Fingerprint: v.Claim.Fingerprint(),
		AuditID:     v.Claim.AuditID,
		AuditorID:   v.Claim.AuditorID,
		Error:       fmt.Sprintf("claim is already tracked (%s)", v.State),
	}
	c.count(func(s *Stats) { s.Reasons[reason]++ })
	return v
}

// register tracks claim unless its audit id is already tracked. fresh is
// false when the existing claim is returned.
func (c *Coordinator) register(claim Claim) (t *tracked, fresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.claims[claim.AuditID]; ok {
		return existing, false
	}
	t = newTracked(claim, c.now())
	c.claims[claim.AuditID] = t
	c.order = append(c.order, claim.AuditID)
	c.evictLocked()

	c.count(func(s *Stats) { s.ClaimsTotal++ })
	c.metrics.ClaimOpened()
	c.metrics.Transition(string(StateIdle))
	return t, true
}

// evictLocked forgets the oldest final claims while more than historyLimit
// claims are tracked. The caller holds c.mu.
func (c *Coordinator) evictLocked() {
	excess := len(c.claims) - c.historyLimit
	if excess <= 0 {
		return
	}
	kept := c.order[:0]
	for _, id := range c.order {
		if excess > 0 && c.claims[id].state().Final() {
			delete(c.claims, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
}

func (c *Coordinator) lookup(auditID string) *tracked {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.claims[auditID]
}

// move performs a transition and reports it.
func (c *Coordinator) move(t *tracked, next State, reason string) {
	now := c.now()
	prev, err := t.advance(next, reason, now)
	if err != nil {
		c.raise(t.snapshot().Claim, errors.E(errors.KindInternal, "judge.move", err.Error()))
		return
	}

	claim := t.snapshot().Claim
	c.metrics.Transition(string(next))
	switch {
	case next.Final() && !prev.Final():
		c.metrics.ClaimClosed()
	case prev.Final() && !next.Final():
		c.metrics.ClaimOpened()
	}
	switch next {
	case StateSettled:
		c.count(func(s *Stats) { s.Settled++ })
	case StateRejected:
		c.count(func(s *Stats) { s.Rejected++ })
	case StateVerificationFailed:
		c.count(func(s *Stats) { s.VerificationFailed++ })
	}

	details := map[string]interface{}{"from": string(prev), "to": string(next)}
	if reason != "" {
		details["reason"] = reason
	}
	c.audit.Append(audit.Entry{
		Timestamp: now.UTC(),
		Type:      audit.EventClaimState,
		AuditID:   claim.AuditID,
		AuditorID: claim.AuditorID,
		Message:   fmt.Sprintf("%s -> %s", prev, next),
		Details:   details,
	})
	c.logger.Debug("claim %s: %s -> %s", core.ShortID(claim.AuditID), prev, next)
}

func (c *Coordinator) recordVerification(claim Claim, res proof.Result) {
	e := audit.Entry{
		Timestamp: c.now().UTC(),
		Type:      audit.EventVerification,
		AuditID:   claim.AuditID,
		AuditorID: claim.AuditorID,
		Message:   res.Reason(),
		Error:     res.Error,
		Details: map[string]interface{}{
			"is_valid":         res.IsValid,
			"is_high_severity": res.IsHighSeverity,
		},
	}
	if !res.IsValid {
		e.Severity = audit.SeverityWarning
	}
	if res.ProofData != nil {
		e.Details["proof_hash"] = res.ProofData.ProofHash
		if res.ProofData.Source != "" {
			e.Details["source"] = res.ProofData.Source
		}
	}
	c.audit.Append(e)
}

func (c *Coordinator) recordSettlement(claim Claim, out bounty.Outcome) {
	e := audit.Entry{
		Timestamp: c.now().UTC(),
		Type:      audit.EventSettlement,
		AuditID:   claim.AuditID,
		AuditorID: out.AuditorID,
		Message:   out.Reason,
		Error:     out.Error,
		Details: map[string]interface{}{
			"paid":        out.Paid,
			"amount":      out.Amount,
			"fingerprint": out.Fingerprint,
		},
	}
	if out.Tier != "" {
		e.Details["tier"] = out.Tier
	}
	if out.PayoutRef != "" {
		e.Details["payout_ref"] = out.PayoutRef
	}
	if out.Capped {
		e.Details["capped"] = true
	}
	if !out.Paid && out.Retryable() {
		e.Severity = audit.SeverityError
	}
	c.audit.Append(e)
}

// raise publishes a fatal error to the operator without blocking.
func (c *Coordinator) raise(claim Claim, err error) {
	kind := errors.GetKind(err)
	c.metrics.Fatal(kind.String())
	c.logger.Error("claim %s: %v", core.ShortID(claim.AuditID), err)
	c.audit.Append(audit.Entry{
		Timestamp: c.now().UTC(),
		Type:      audit.EventFatal,
		Severity:  audit.SeverityCritical,
		AuditID:   claim.AuditID,
		AuditorID: claim.AuditorID,
		Message:   "operator attention required",
		Error:     err.Error(),
		Details:   map[string]interface{}{"kind": kind.String()},
	})

	select {
	case c.errs <- fmt.Errorf("claim %s: %w", claim.AuditID, err):
	default:
		c.count(func(s *Stats) { s.DroppedErrors++ })
	}
}

func (c *Coordinator) count(fn func(s *Stats)) {
	c.statsMu.Lock()
	fn(&c.stats)
	c.statsMu.Unlock()
}
