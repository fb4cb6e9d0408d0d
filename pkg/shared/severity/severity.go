// Package severity maps disclosed severity thresholds to severity levels and
// bounty tiers.
//
// A claim never reveals its exact risk score. It discloses a threshold and a
// proof that the hidden score exceeds it, so everything here is keyed on the
// threshold (0-100).
package severity

import (
	"fmt"
	"sort"
	"strings"
)

// Level represents a severity level.
type Level string

const (
	// Critical - threshold of 96 or above.
	Critical Level = "critical"

	// High - threshold of 90 to 95, the lowest band that pays by default.
	High Level = "high"

	// Medium - threshold of 70 to 89.
	Medium Level = "medium"

	// Low - any positive threshold below 70.
	Low Level = "low"

	// Info - zero threshold, proves nothing.
	Info Level = "info"

	// Unknown - Severity could not be determined.
	Unknown Level = "unknown"
)

// MaxThreshold is the highest threshold a claim can disclose.
const MaxThreshold = 100

// String returns the string representation of the severity level.
func (l Level) String() string {
	return string(l)
}

// Priority returns the numeric priority of the severity level.
// Higher numbers = higher priority.
func (l Level) Priority() int {
	switch l {
	case Critical:
		return 5
	case High:
		return 4
	case Medium:
		return 3
	case Low:
		return 2
	case Info:
		return 1
	default:
		return 0
	}
}

// IsAtLeast returns true if this severity is at least as high as the other.
func (l Level) IsAtLeast(other Level) bool {
	return l.Priority() >= other.Priority()
}

// FromString normalizes a severity string to a standard Level.
func FromString(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL", "CRIT":
		return Critical
	case "HIGH":
		return High
	case "MEDIUM", "MED":
		return Medium
	case "LOW":
		return Low
	case "INFO", "NONE":
		return Info
	default:
		return Unknown
	}
}

// FromThreshold converts a disclosed threshold into a severity level.
//   - 96-100: Critical
//   - 90-95: High
//   - 70-89: Medium
//   - 1-69: Low
//   - 0: Info
func FromThreshold(threshold int) Level {
	switch {
	case threshold < 0 || threshold > MaxThreshold:
		return Unknown
	case threshold >= 96:
		return Critical
	case threshold >= 90:
		return High
	case threshold >= 70:
		return Medium
	case threshold > 0:
		return Low
	default:
		return Info
	}
}

// =============================================================================
// Bounty tiers
// =============================================================================

// Tier is an inclusive threshold band and the bounty it pays.
type Tier struct {
	Min    int   `yaml:"min" json:"min"`
	Max    int   `yaml:"max" json:"max"`
	Amount int64 `yaml:"amount" json:"amount"`
}

// Contains reports whether threshold falls inside the band.
func (t Tier) Contains(threshold int) bool {
	return threshold >= t.Min && threshold <= t.Max
}

// String formats the tier as "min-max".
func (t Tier) String() string {
	if t.Min == t.Max {
		return fmt.Sprintf("%d", t.Min)
	}
	return fmt.Sprintf("%d-%d", t.Min, t.Max)
}

// Tiers is an ordered, non-overlapping tier table.
type Tiers []Tier

// DefaultTiers returns the stock tier table:
//   - 90-95: 100
//   - 96-99: 250
//   - 100: 500
func DefaultTiers() Tiers {
	return Tiers{
		{Min: 90, Max: 95, Amount: 100},
		{Min: 96, Max: 99, Amount: 250},
		{Min: 100, Max: 100, Amount: 500},
	}
}

// Lookup returns the tier containing threshold.
// The second value is false when no band covers it.
func (ts Tiers) Lookup(threshold int) (Tier, bool) {
	for _, t := range ts {
		if t.Contains(threshold) {
			return t, true
		}
	}
	return Tier{}, false
}

// AmountFor returns the bounty for threshold, or 0 when it is below every band.
func (ts Tiers) AmountFor(threshold int) int64 {
	t, ok := ts.Lookup(threshold)
	if !ok {
		return 0
	}
	return t.Amount
}

// MinThreshold returns the lowest threshold that pays anything.
func (ts Tiers) MinThreshold() int {
	if len(ts) == 0 {
		return MaxThreshold + 1
	}
	lowest := ts[0].Min
	for _, t := range ts[1:] {
		if t.Min < lowest {
			lowest = t.Min
		}
	}
	return lowest
}

// Validate checks that bands are well formed, within 0-100, pay a positive
// amount and do not overlap.
func (ts Tiers) Validate() error {
	if len(ts) == 0 {
		return fmt.Errorf("tier table is empty")
	}

	sorted := make(Tiers, len(ts))
	copy(sorted, ts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })

	for i, t := range sorted {
		if t.Min < 0 || t.Max > MaxThreshold || t.Min > t.Max {
			return fmt.Errorf("tier %s: invalid range", t)
		}
		if t.Amount <= 0 {
			return fmt.Errorf("tier %s: amount must be positive", t)
		}
		if i > 0 && t.Min <= sorted[i-1].Max {
			return fmt.Errorf("tier %s overlaps tier %s", t, sorted[i-1])
		}
	}
	return nil
}
