// Package backend talks to the proof ledger: it reads proof records through
// an ordered chain of sources and submits new proofs with their witness.
package backend

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/exploopio/judge/pkg/proof"
)

// Source reads proof records from one proof ledger endpoint.
//
// Fetch returns an error of kind errors.KindNotFound when the source has no
// record for the audit ID. Any other error marks the source as degraded.
type Source interface {
	Name() string
	Fetch(ctx context.Context, auditID string) (*proof.Record, error)
}

// HealthChecker is implemented by sources that can report their own health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Closer is implemented by sources holding connections.
type Closer interface {
	Close() error
}

// parseTimestamp accepts RFC 3339 strings, naive ISO timestamps and unix
// seconds or milliseconds. It returns fallback when raw is empty or unparseable.
func parseTimestamp(raw json.RawMessage, fallback time.Time) time.Time {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return fallback
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return fallback
		}
		if t, ok := parseTimeString(str); ok {
			return t
		}
		// numeric timestamps sometimes arrive quoted
		s = str
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	if n >= 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTimeString(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func int64Ptr(raw json.RawMessage) *int64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// thresholdPtr reads an attested threshold. Values outside 0..100 are
// treated as absent.
func thresholdPtr(raw json.RawMessage) *int {
	n := int64Ptr(raw)
	if n == nil || *n < 0 || *n > 100 {
		return nil
	}
	v := int(*n)
	return &v
}
