package bounty

import (
	"fmt"
	"time"

	"github.com/exploopio/judge/pkg/shared/severity"
)

// Policy defaults.
const (
	DefaultMaxPerHour      = 10
	DefaultRateWindow      = time.Hour
	DefaultCooldown        = 120 * time.Second
	DefaultMaxSingleBounty = 1000
	DefaultDailyCap        = 10000
	DefaultPayoutTimeout   = 15 * time.Second
)

// Policy holds the payout rules.
type Policy struct {
	// MaxPerHour is the number of payouts an auditor may receive inside
	// RateWindow. Zero disables the limit.
	MaxPerHour int           `yaml:"max_per_hour" json:"max_per_hour"`
	RateWindow time.Duration `yaml:"rate_window" json:"rate_window"`

	// Cooldown is the minimum time between two payouts to one auditor.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`

	// MaxSingleBounty caps any one payout. Zero disables the cap.
	MaxSingleBounty int64 `yaml:"max_single" json:"max_single"`

	// DailyCap caps the total paid per UTC day across all auditors.
	// Zero disables the cap.
	DailyCap int64 `yaml:"daily_cap" json:"daily_cap"`

	PayoutTimeout time.Duration  `yaml:"payout_timeout" json:"payout_timeout"`
	Tiers         severity.Tiers `yaml:"tiers" json:"tiers"`

	// RequireProvenThreshold refuses proofs that do not report the
	// threshold they attest. A claimed threshold above an attested one is
	// always refused.
	RequireProvenThreshold bool `yaml:"require_proven_threshold" json:"require_proven_threshold"`
}

// DefaultPolicy returns the default payout rules.
func DefaultPolicy() Policy {
	return Policy{
		MaxPerHour:      DefaultMaxPerHour,
		RateWindow:      DefaultRateWindow,
		Cooldown:        DefaultCooldown,
		MaxSingleBounty: DefaultMaxSingleBounty,
		DailyCap:        DefaultDailyCap,
		PayoutTimeout:   DefaultPayoutTimeout,
		Tiers:           severity.DefaultTiers(),

		RequireProvenThreshold: true,
	}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.MaxPerHour < 0 {
		return fmt.Errorf("max_per_hour must not be negative")
	}
	if p.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative")
	}
	if p.MaxSingleBounty < 0 || p.DailyCap < 0 {
		return fmt.Errorf("caps must not be negative")
	}
	if err := p.Tiers.Validate(); err != nil {
		return fmt.Errorf("tiers: %w", err)
	}
	return nil
}

func (p Policy) withDefaults() Policy {
	if p.RateWindow <= 0 {
		p.RateWindow = DefaultRateWindow
	}
	if p.PayoutTimeout <= 0 {
		p.PayoutTimeout = DefaultPayoutTimeout
	}
	if len(p.Tiers) == 0 {
		p.Tiers = severity.DefaultTiers()
	}
	return p
}

// startOfDay returns midnight UTC of t's day.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
