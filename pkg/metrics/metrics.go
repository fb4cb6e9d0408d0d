// Package metrics reports judge activity: verifications, proof source
// lookups, settlements, payouts and API traffic. Components talk to a
// Recorder; the Recorder writes to any Collector, normally the Prometheus one.
package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Collector receives metric updates. Labels are passed as alternating
// name/value pairs in the order the metric's Definition declares them.
type Collector interface {
	CounterAdd(name string, value float64, labels ...string)
	GaugeAdd(name string, delta float64, labels ...string)
	HistogramObserve(name string, value float64, labels ...string)

	// Handler serves the collected metrics, if the backend can.
	Handler() http.Handler
}

// Kind is the shape of a metric.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
)

// Definition describes one judge metric.
type Definition struct {
	Name    string
	Kind    Kind
	Help    string
	Labels  []string
	Buckets []float64
}

var (
	latencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	VerificationsTotal = Definition{
		Name: "zkjudge_verifications_total", Kind: KindCounter,
		Help:   "Proof verifications by result (valid or the failure kind).",
		Labels: []string{"result"},
	}
	VerificationDuration = Definition{
		Name: "zkjudge_verification_duration_seconds", Kind: KindHistogram,
		Help:    "Latency of a single proof verification.",
		Buckets: latencyBuckets,
	}
	BatchSize = Definition{
		Name: "zkjudge_batch_size", Kind: KindHistogram,
		Help:    "Audit IDs per batch verification request.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
	}
	BackendFetchesTotal = Definition{
		Name: "zkjudge_backend_fetches_total", Kind: KindCounter,
		Help:   "Proof lookups per source and outcome.",
		Labels: []string{"source", "status"},
	}
	SettlementsTotal = Definition{
		Name: "zkjudge_settlements_total", Kind: KindCounter,
		Help:   "Settlement decisions by reason.",
		Labels: []string{"reason"},
	}
	BountyPaidTotal = Definition{
		Name: "zkjudge_bounty_paid_total", Kind: KindCounter,
		Help: "Bounty amount paid out, in the smallest currency unit.",
	}
	PayoutDuration = Definition{
		Name: "zkjudge_payout_duration_seconds", Kind: KindHistogram,
		Help:    "Latency of payout rail calls.",
		Labels:  []string{"status"},
		Buckets: append(append([]float64{}, latencyBuckets...), 15),
	}
	ClaimTransitionsTotal = Definition{
		Name: "zkjudge_claim_transitions_total", Kind: KindCounter,
		Help:   "Claim state transitions by target state.",
		Labels: []string{"state"},
	}
	ActiveClaims = Definition{
		Name: "zkjudge_active_claims", Kind: KindGauge,
		Help: "Claims not yet settled or rejected.",
	}
	FatalErrorsTotal = Definition{
		Name: "zkjudge_fatal_errors_total", Kind: KindCounter,
		Help:   "Errors raised to the operator channel, by kind.",
		Labels: []string{"kind"},
	}
	HTTPRequestsTotal = Definition{
		Name: "zkjudge_http_requests_total", Kind: KindCounter,
		Help:   "API requests served.",
		Labels: []string{"method", "route", "status"},
	}
	HTTPRequestDuration = Definition{
		Name: "zkjudge_http_request_duration_seconds", Kind: KindHistogram,
		Help:    "API request latency.",
		Labels:  []string{"method", "route"},
		Buckets: append(append([]float64{}, latencyBuckets...), 30),
	}
)

// DefaultMetrics lists every metric the judge reports.
func DefaultMetrics() []Definition {
	return []Definition{
		VerificationsTotal, VerificationDuration, BatchSize,
		BackendFetchesTotal,
		SettlementsTotal, BountyPaidTotal, PayoutDuration,
		ClaimTransitionsTotal, ActiveClaims, FatalErrorsTotal,
		HTTPRequestsTotal, HTTPRequestDuration,
	}
}

// NopCollector discards everything.
type NopCollector struct{}

func (NopCollector) CounterAdd(string, float64, ...string)       {}
func (NopCollector) GaugeAdd(string, float64, ...string)         {}
func (NopCollector) HistogramObserve(string, float64, ...string) {}
func (NopCollector) Handler() http.Handler                       { return http.NotFoundHandler() }

// InMemoryCollector keeps series in maps so tests can read them back.
// Series are keyed by name plus sorted "label=value" pairs.
type InMemoryCollector struct {
	mu           sync.RWMutex
	values       map[string]float64
	observations map[string][]float64
}

func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		values:       make(map[string]float64),
		observations: make(map[string][]float64),
	}
}

func seriesKey(name string, labels []string) string {
	pairs := make([]string, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		pairs = append(pairs, labels[i]+"="+labels[i+1])
	}
	sort.Strings(pairs)
	if len(pairs) == 0 {
		return name
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.GaugeAdd(name, value, labels...)
}

func (c *InMemoryCollector) GaugeAdd(name string, delta float64, labels ...string) {
	c.mu.Lock()
	c.values[seriesKey(name, labels)] += delta
	c.mu.Unlock()
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	k := seriesKey(name, labels)
	c.mu.Lock()
	c.observations[k] = append(c.observations[k], value)
	c.mu.Unlock()
}

func (c *InMemoryCollector) Handler() http.Handler { return http.NotFoundHandler() }

// GetCounter returns the current value of a counter series.
func (c *InMemoryCollector) GetCounter(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[seriesKey(name, labels)]
}

// GetGauge returns the current value of a gauge series.
func (c *InMemoryCollector) GetGauge(name string, labels ...string) float64 {
	return c.GetCounter(name, labels...)
}

// GetHistogram returns a copy of the observations of a histogram series.
func (c *InMemoryCollector) GetHistogram(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]float64(nil), c.observations[seriesKey(name, labels)]...)
}

var (
	_ Collector = NopCollector{}
	_ Collector = (*InMemoryCollector)(nil)
)
