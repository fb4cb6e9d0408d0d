package backend

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/exploopio/judge/pkg/core"
	"github.com/exploopio/judge/pkg/errors"
	"github.com/exploopio/judge/pkg/metrics"
	"github.com/exploopio/judge/pkg/proof"
)

// DefaultHealthTTL is how long a health result is reused.
const DefaultHealthTTL = 30 * time.Second

// SourceError is a source that failed for a reason other than not found.
type SourceError struct {
	Source string      `json:"source"`
	Error  string      `json:"error"`
	Kind   errors.Kind `json:"-"`
}

// FetchReport describes how a record was obtained.
type FetchReport struct {
	// Source is the source that answered, empty if none did.
	Source string `json:"source,omitempty"`

	// Degraded lists every source that failed on the way.
	Degraded []SourceError `json:"degraded,omitempty"`
}

// HealthStatus is the cached outcome of a backend health check.
type HealthStatus struct {
	Healthy   bool              `json:"healthy"`
	Sources   map[string]string `json:"sources"`
	CheckedAt time.Time         `json:"checked_at"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	HealthTTL time.Duration
	Logger    core.Logger
	Metrics   *metrics.Recorder
}

// Client queries an ordered chain of sources. It implements proof.Fetcher.
type Client struct {
	sources   []Source
	healthTTL time.Duration
	logger    core.Logger
	metrics   *metrics.Recorder
	now       func() time.Time

	healthMu sync.Mutex
	health   *HealthStatus
}

// NewClient creates a client over sources, tried in order.
func NewClient(cfg ClientConfig, sources ...Source) *Client {
	if cfg.HealthTTL <= 0 {
		cfg.HealthTTL = DefaultHealthTTL
	}
	return &Client{
		sources:   sources,
		healthTTL: cfg.HealthTTL,
		logger:    core.OrNop(cfg.Logger),
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// Sources returns the configured source names in order.
func (c *Client) Sources() []string {
	names := make([]string, len(c.sources))
	for i, s := range c.sources {
		names[i] = s.Name()
	}
	return names
}

// Fetch implements proof.Fetcher.
func (c *Client) Fetch(ctx context.Context, auditID string) (*proof.Record, error) {
	rec, _, err := c.FetchWithReport(ctx, auditID)
	return rec, err
}

// FetchWithReport tries each source until one has the record. A source that
// reports not found passes to the next one. Other failures are listed in the
// report. When no source has the record the error is KindNetworkTimeout if
// any source failed and KindNotFound otherwise.
func (c *Client) FetchWithReport(ctx context.Context, auditID string) (*proof.Record, FetchReport, error) {
	const op = "backend.Fetch"
	var report FetchReport

	if len(c.sources) == 0 {
		return nil, report, errors.E(errors.KindUnavailable, op, "no proof sources configured")
	}

	for _, src := range c.sources {
		if err := ctx.Err(); err != nil {
			report.Degraded = append(report.Degraded, SourceError{
				Source: src.Name(),
				Error:  err.Error(),
				Kind:   errors.KindNetworkTimeout,
			})
			c.metrics.Fetch(src.Name(), "skipped")
			continue
		}

		rec, err := src.Fetch(ctx, auditID)
		switch {
		case err == nil && rec != nil:
			c.metrics.Fetch(src.Name(), "found")
			report.Source = src.Name()
			if rec.Source == "" {
				rec.Source = src.Name()
			}
			if len(report.Degraded) > 0 {
				c.logger.Warn("proof %s served by %s after %d degraded source(s)",
					core.ShortID(auditID), src.Name(), len(report.Degraded))
			}
			return rec, report, nil

		case err == nil, errors.IsNotFound(err):
			c.metrics.Fetch(src.Name(), "not_found")
			c.logger.Debug("proof %s not found on %s", core.ShortID(auditID), src.Name())

		default:
			c.metrics.Fetch(src.Name(), "error")
			c.logger.Warn("source %s failed for %s: %v", src.Name(), core.ShortID(auditID), err)
			report.Degraded = append(report.Degraded, SourceError{
				Source: src.Name(),
				Error:  err.Error(),
				Kind:   errors.GetKind(err),
			})
		}
	}

	if len(report.Degraded) > 0 {
		names := make([]string, len(report.Degraded))
		for i, d := range report.Degraded {
			names[i] = d.Source
		}
		return nil, report, errors.E(errors.KindNetworkTimeout, op,
			"proof unavailable, degraded sources: "+strings.Join(names, ", "))
	}
	return nil, report, errors.E(errors.KindNotFound, op, "proof not found on any source")
}

// HealthCheck checks every source that supports it. The result is cached for
// the configured TTL. The backend is healthy when at least one checked source
// is healthy, or when no source supports health checks.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	now := c.now()
	if c.health != nil && now.Sub(c.health.CheckedAt) < c.healthTTL {
		return *c.health
	}

	status := HealthStatus{Sources: make(map[string]string), CheckedAt: now}
	checked, healthy := 0, 0
	for _, src := range c.sources {
		hc, ok := src.(HealthChecker)
		if !ok {
			continue
		}
		checked++
		if err := hc.Health(ctx); err != nil {
			status.Sources[src.Name()] = err.Error()
			continue
		}
		healthy++
		status.Sources[src.Name()] = "healthy"
	}
	status.Healthy = checked == 0 || healthy > 0

	c.health = &status
	return status
}

// Close closes every source that holds resources.
func (c *Client) Close() error {
	var first error
	for _, src := range c.sources {
		if cl, ok := src.(Closer); ok {
			if err := cl.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
