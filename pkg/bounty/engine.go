// Package bounty decides whether a verified claim is paid, and how much.
//
// Settle applies the payout rules in a fixed order: verification, proven
// threshold, threshold band, replay, hourly rate, cooldown, daily cap. A
// claim that passes every rule holds its fingerprint in the ledger, is paid
// through the rail, and the hold is committed. Refusals are Outcome values.
// Only ledger failures and broken invariants are returned as errors.
package bounty

import (
	"context"
	"fmt"
	"time"

	"github.com/exploopio/judge/pkg/core"
	"github.com/exploopio/judge/pkg/errors"
	"github.com/exploopio/judge/pkg/ledger"
	"github.com/exploopio/judge/pkg/metrics"
	"github.com/exploopio/judge/pkg/payout"
	"github.com/exploopio/judge/pkg/proof"
	"github.com/exploopio/judge/pkg/shared/fingerprint"
)

// ReasonPaid is the outcome reason of a successful settlement.
const ReasonPaid = "paid"

// ledgerWriteTimeout bounds the commit or release that follows a payout.
const ledgerWriteTimeout = 10 * time.Second

// Claim is a severity claim by an auditor. Claims are immutable.
type Claim struct {
	AuditID     string    `json:"audit_id"`
	AuditorID   string    `json:"auditor_id"`
	Threshold   int       `json:"threshold"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Fingerprint returns the replay key of the claim.
func (c Claim) Fingerprint() string {
	return fingerprint.Claim(c.AuditID)
}

// Outcome is the result of a settlement attempt.
type Outcome struct {
	Paid        bool        `json:"paid"`
	Reason      string      `json:"reason"`
	Kind        errors.Kind `json:"-"`
	Amount      int64       `json:"amount"`
	Tier        string      `json:"tier,omitempty"`
	Capped      bool        `json:"capped,omitempty"`
	PayoutRef   string      `json:"payout_ref,omitempty"`
	Fingerprint string      `json:"fingerprint"`
	AuditID     string      `json:"audit_id"`
	AuditorID   string      `json:"auditor_id"`
	Error       string      `json:"error,omitempty"`
}

// Retryable reports whether settling the same claim again may succeed.
func (o Outcome) Retryable() bool {
	return !o.Paid && errors.IsRetryable(errors.E(o.Kind))
}

// Config configures an Engine.
type Config struct {
	Policy  Policy
	Ledger  ledger.Ledger
	Rail    payout.Rail
	Logger  core.Logger
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// Engine settles claims.
type Engine struct {
	policy  Policy
	ledger  ledger.Ledger
	rail    payout.Rail
	logger  core.Logger
	metrics *metrics.Recorder
	now     func() time.Time
	locks   *keyLocks
}

// NewEngine creates an engine. Ledger and Rail are required.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("bounty: ledger is required")
	}
	if cfg.Rail == nil {
		return nil, fmt.Errorf("bounty: payout rail is required")
	}
	policy := cfg.Policy.withDefaults()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("bounty: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		policy:  policy,
		ledger:  cfg.Ledger,
		rail:    cfg.Rail,
		logger:  core.OrNop(cfg.Logger),
		metrics: cfg.Metrics,
		now:     cfg.Now,
		locks:   newKeyLocks(),
	}, nil
}

// Policy returns the engine's rules.
func (e *Engine) Policy() Policy { return e.policy }

// Settle applies the payout rules to a verified claim.
//
// The replay check and the rate limits are evaluated by the ledger in the
// same atomic operation that holds the fingerprint, so judges sharing a
// ledger cannot both pay one vulnerability. The hold is committed after the
// rail pays and released when it does not. Within one process the claim's
// fingerprint lock and then the auditor's lock are held throughout.
func (e *Engine) Settle(ctx context.Context, claim Claim, result proof.Result) (Outcome, error) {
	const op = "bounty.Settle"

	auditorID := claim.AuditorID
	if auditorID == "" {
		auditorID = result.AuditorID
	}
	out := Outcome{
		Fingerprint: claim.Fingerprint(),
		AuditID:     claim.AuditID,
		AuditorID:   auditorID,
	}

	if !result.IsValid {
		return e.refuse(out, errors.KindVerificationFailed, result.Error), nil
	}
	if !result.IsHighSeverity {
		return e.refuse(out, errors.KindBelowThreshold, "proof does not attest high severity"), nil
	}
	if auditorID == "" {
		return e.refuse(out, errors.KindInvalidInput, "claim has no auditor"), nil
	}
	if proven, ok := result.ProvenThreshold(); ok {
		if claim.Threshold > proven {
			return e.refuse(out, errors.KindVerificationFailed,
				fmt.Sprintf("claimed threshold %d exceeds proven threshold %d", claim.Threshold, proven)), nil
		}
	} else if e.policy.RequireProvenThreshold {
		return e.refuse(out, errors.KindVerificationFailed, "proof does not attest a threshold"), nil
	}
	tier, ok := e.policy.Tiers.Lookup(claim.Threshold)
	if !ok {
		return e.refuse(out, errors.KindBelowThreshold,
			fmt.Sprintf("threshold %d is outside every bounty band", claim.Threshold)), nil
	}
	out.Tier = tier.String()
	amount := tier.Amount
	if e.policy.MaxSingleBounty > 0 && amount > e.policy.MaxSingleBounty {
		amount = e.policy.MaxSingleBounty
		out.Capped = true
	}

	unlockClaim := e.locks.Lock("claim:" + out.Fingerprint)
	defer unlockClaim()
	unlockAuditor := e.locks.Lock("auditor:" + auditorID)
	defer unlockAuditor()

	now := e.now()
	hold := ledger.Hold{
		Fingerprint: out.Fingerprint,
		AuditID:     claim.AuditID,
		AuditorID:   auditorID,
		Amount:      amount,
		At:          now,
		Limits: ledger.Limits{
			MaxInWindow: e.policy.MaxPerHour,
			Window:      e.policy.RateWindow,
			Cooldown:    e.policy.Cooldown,
			DailyCap:    e.policy.DailyCap,
			DayStart:    startOfDay(now),
		},
	}
	res, err := e.ledger.Reserve(ctx, hold)
	if err != nil {
		return out, e.fatal(op, err)
	}

	switch res.Verdict {
	case ledger.Reserved:
	case ledger.Duplicate:
		detail := "already settled"
		if rec := res.Existing; rec != nil {
			out.PayoutRef = rec.PayoutRef
			if rec.Pending() {
				detail = "settlement in progress since " + rec.PaidAt.Format(time.RFC3339)
			} else {
				detail = "already paid at " + rec.PaidAt.Format(time.RFC3339)
			}
		}
		return e.refuse(out, errors.KindDuplicate, detail), nil
	case ledger.RateLimited:
		return e.refuse(out, errors.KindRateLimited,
			fmt.Sprintf("%d payouts in the last %v", res.Rate.CountInWindow, e.policy.RateWindow)), nil
	case ledger.CoolingDown:
		since := time.Duration(0)
		if res.Rate.LastPayoutAt != nil {
			since = now.Sub(*res.Rate.LastPayoutAt)
		}
		return e.refuse(out, errors.KindCooldown,
			fmt.Sprintf("last payout %v ago", since.Round(time.Second))), nil
	case ledger.CapReached:
		return e.refuse(out, errors.KindDailyCap, fmt.Sprintf("daily cap of %d reached", e.policy.DailyCap)), nil
	default:
		return out, errors.E(errors.KindInternal, op, "unexpected ledger verdict "+res.Verdict.String())
	}

	if res.Amount < amount {
		e.logger.Info("bounty for %s reduced from %d to %d by the daily cap",
			core.ShortID(claim.AuditID), amount, res.Amount)
		out.Capped = true
	}
	amount = res.Amount
	out.Amount = amount

	// The hold must be settled one way or the other even if the caller
	// gives up.
	finishCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	}

	payCtx, cancel := context.WithTimeout(ctx, e.policy.PayoutTimeout)
	start := time.Now()
	ref, err := e.rail.Payout(payCtx, auditorID, amount)
	cancel()
	if err != nil {
		e.metrics.Payout("error", time.Since(start))
		out.Amount = 0
		out = e.refuse(out, errors.KindPayoutFailed, err.Error())

		relCtx, cancelRel := finishCtx()
		relErr := e.ledger.Release(relCtx, hold)
		cancelRel()
		if relErr != nil {
			e.logger.Error("hold for %s is not released after failed payout: %v", core.ShortID(claim.AuditID), relErr)
			return out, e.fatal(op, relErr)
		}
		return out, nil
	}
	e.metrics.Payout("ok", time.Since(start))
	out.PayoutRef = ref
	out.Paid = true
	out.Reason = ReasonPaid

	comCtx, cancelCom := finishCtx()
	err = e.ledger.Commit(comCtx, hold, ref)
	cancelCom()
	if err != nil {
		// The fingerprint stays held, so no other judge pays it.
		e.logger.Error("payout %s for %s is not committed: %v", ref, core.ShortID(claim.AuditID), err)
		return out, e.fatal(op, err)
	}

	e.metrics.Settlement(ReasonPaid, amount)
	e.logger.Info("paid %d to %s for %s (tier %s)", amount, auditorID, core.ShortID(claim.AuditID), out.Tier)
	return out, nil
}

func (e *Engine) refuse(out Outcome, kind errors.Kind, detail string) Outcome {
	out.Paid = false
	out.Kind = kind
	out.Reason = kind.Reason()
	out.Error = detail
	e.metrics.Settlement(out.Reason, 0)
	e.logger.Info("settlement for %s refused: %s", core.ShortID(out.AuditID), out.Reason)
	return out
}

func (e *Engine) fatal(op string, err error) error {
	if errors.IsFatal(err) {
		return errors.Wrap(err, op)
	}
	return errors.E(errors.KindUnavailable, op, "settlement ledger unavailable", err)
}
