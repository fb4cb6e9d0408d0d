// Package ledger stores settlement records: one per paid vulnerability.
//
// A settlement is a two-step write. Reserve atomically checks the replay key
// and the payout limits and, when they pass, stores a pending record that
// holds the fingerprint and counts against the limits. Commit marks the
// record paid once the rail has paid; Release drops a pending record whose
// payout failed. Every check and the hold itself are one ledger operation,
// so judges sharing a ledger cannot pay the same fingerprint twice.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/exploopio/judge/pkg/errors"
)

// Record statuses.
const (
	StatusPending = "pending"
	StatusPaid    = "paid"
)

// SettlementRecord is a held or paid bounty.
type SettlementRecord struct {
	Fingerprint  string    `json:"fingerprint"`
	AuditID      string    `json:"audit_id"`
	AuditorID    string    `json:"auditor_id"`
	BountyAmount int64     `json:"bounty_amount"`
	PayoutRef    string    `json:"payout_ref,omitempty"`
	PaidAt       time.Time `json:"paid_at"`
	Status       string    `json:"status"`
}

// Pending reports whether the payout of the record is still in flight.
func (r *SettlementRecord) Pending() bool { return r.Status == StatusPending }

// RateState summarizes an auditor's recent payouts.
type RateState struct {
	// CountInWindow is the number of payouts after WindowStart.
	CountInWindow int        `json:"count_in_window"`
	WindowStart   time.Time  `json:"window_start"`
	LastPayoutAt  *time.Time `json:"last_payout_at,omitempty"`
}

// Limits are the payout rules checked by Reserve. Zero disables a rule.
type Limits struct {
	// MaxInWindow is the number of payouts an auditor may hold in
	// (At-Window, At].
	MaxInWindow int
	Window      time.Duration

	// Cooldown is the minimum time between two payouts to one auditor.
	Cooldown time.Duration

	// DailyCap caps the total held or paid at or after DayStart.
	DailyCap int64
	DayStart time.Time
}

// Hold asks Reserve to hold a fingerprint for a payout of Amount.
type Hold struct {
	Fingerprint string
	AuditID     string
	AuditorID   string
	Amount      int64
	At          time.Time
	Limits      Limits
}

// Validate checks that the hold can be stored.
func (h *Hold) Validate() error {
	switch {
	case h.Fingerprint == "":
		return fmt.Errorf("fingerprint is required")
	case h.AuditorID == "":
		return fmt.Errorf("auditor_id is required")
	case h.Amount <= 0:
		return fmt.Errorf("amount must be positive")
	case h.At.IsZero():
		return fmt.Errorf("hold time is required")
	}
	return nil
}

func (h *Hold) record(amount int64) SettlementRecord {
	return SettlementRecord{
		Fingerprint:  h.Fingerprint,
		AuditID:      h.AuditID,
		AuditorID:    h.AuditorID,
		BountyAmount: amount,
		PaidAt:       h.At,
		Status:       StatusPending,
	}
}

// Verdict is the answer of Reserve.
type Verdict int

const (
	Reserved Verdict = iota
	Duplicate
	RateLimited
	CoolingDown
	CapReached
)

var verdictNames = [...]string{"reserved", "duplicate", "rate_limited", "cooldown", "daily_cap"}

func (v Verdict) String() string {
	if v < 0 || int(v) >= len(verdictNames) {
		return fmt.Sprintf("verdict(%d)", int(v))
	}
	return verdictNames[v]
}

// Reservation is the result of Reserve.
type Reservation struct {
	Verdict Verdict

	// Amount is the amount held, reduced by the daily cap when needed.
	Amount int64

	// Existing is the record holding the fingerprint, on Duplicate.
	Existing *SettlementRecord

	// Rate and PaidToday are the auditor's and the day's totals before the
	// hold.
	Rate      RateState
	PaidToday int64
}

// decide applies the limits in order: hourly rate, cooldown, daily cap.
func (l Limits) decide(amount int64, st RateState, paidToday int64, now time.Time) Reservation {
	r := Reservation{Verdict: Reserved, Amount: amount, Rate: st, PaidToday: paidToday}
	if l.MaxInWindow > 0 && st.CountInWindow >= l.MaxInWindow {
		r.Verdict = RateLimited
		return r
	}
	if l.Cooldown > 0 && st.LastPayoutAt != nil && now.Sub(*st.LastPayoutAt) < l.Cooldown {
		r.Verdict = CoolingDown
		return r
	}
	if l.DailyCap > 0 {
		remaining := l.DailyCap - paidToday
		if remaining <= 0 {
			r.Verdict = CapReached
			return r
		}
		r.Amount = min(amount, remaining)
	}
	return r
}

// Ledger is the settlement store.
type Ledger interface {
	// Reserve holds h.Fingerprint unless a record for it exists or a limit
	// refuses the payout. The check and the hold are atomic.
	Reserve(ctx context.Context, h Hold) (Reservation, error)

	// Commit marks the pending record of h as paid with payoutRef.
	Commit(ctx context.Context, h Hold, payoutRef string) error

	// Release drops the pending record of h. Releasing a fingerprint that
	// is not pending is a no-op.
	Release(ctx context.Context, h Hold) error

	// Get returns the record for fingerprint, or nil if there is none.
	Get(ctx context.Context, fingerprint string) (*SettlementRecord, error)

	Ping(ctx context.Context) error
	Close() error
}

// Driver names.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config selects and configures a ledger backend.
type Config struct {
	Driver string `yaml:"driver" json:"driver"`

	// Path is the SQLite database file.
	Path string `yaml:"path" json:"path"`

	// Redis settings.
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// Open creates the configured ledger.
func Open(cfg Config) (Ledger, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return NewSQLite(cfg.Path)
	case DriverRedis:
		return NewRedisFromConfig(&cfg.Redis)
	default:
		return nil, errors.E(errors.KindInvalidInput, "ledger.Open", "unknown driver "+cfg.Driver)
	}
}

func unavailable(op string, err error) error {
	return errors.E(errors.KindUnavailable, op, "settlement ledger unavailable", err)
}

func invalid(op string, err error) error {
	return errors.E(errors.KindInvalidInput, op, err.Error())
}

func notPending(op, fingerprint string) error {
	return errors.E(errors.KindNotFound, op, "no pending settlement for "+fingerprint)
}
