package metrics

import "time"

// Recorder reports judge events to a Collector using the default metric
// definitions. A nil *Recorder is valid and records nothing.
type Recorder struct {
	c Collector
}

// NewRecorder wraps a collector. A nil collector yields a no-op recorder.
func NewRecorder(c Collector) *Recorder {
	if c == nil {
		c = NopCollector{}
	}
	return &Recorder{c: c}
}

// Collector returns the wrapped collector.
func (r *Recorder) Collector() Collector {
	if r == nil {
		return NopCollector{}
	}
	return r.c
}

// Verification records one verification result ("valid" or the failure kind).
func (r *Recorder) Verification(result string, d time.Duration) {
	if r == nil {
		return
	}
	r.c.CounterAdd(VerificationsTotal.Name, 1, "result", result)
	r.c.HistogramObserve(VerificationDuration.Name, d.Seconds())
}

// Batch records the size of a batch verification.
func (r *Recorder) Batch(size int) {
	if r == nil {
		return
	}
	r.c.HistogramObserve(BatchSize.Name, float64(size))
}

// Fetch records one proof source lookup.
func (r *Recorder) Fetch(source, status string) {
	if r == nil {
		return
	}
	r.c.CounterAdd(BackendFetchesTotal.Name, 1, "source", source, "status", status)
}

// Settlement records a settlement decision. amount is only added for paid claims.
func (r *Recorder) Settlement(reason string, amount int64) {
	if r == nil {
		return
	}
	r.c.CounterAdd(SettlementsTotal.Name, 1, "reason", reason)
	if amount > 0 {
		r.c.CounterAdd(BountyPaidTotal.Name, float64(amount))
	}
}

// Payout records the latency of a payout rail call.
func (r *Recorder) Payout(status string, d time.Duration) {
	if r == nil {
		return
	}
	r.c.HistogramObserve(PayoutDuration.Name, d.Seconds(), "status", status)
}

// Transition records a claim entering state.
func (r *Recorder) Transition(state string) {
	if r == nil {
		return
	}
	r.c.CounterAdd(ClaimTransitionsTotal.Name, 1, "state", state)
}

// ClaimOpened and ClaimClosed track the number of non-terminal claims.
func (r *Recorder) ClaimOpened() {
	if r == nil {
		return
	}
	r.c.GaugeAdd(ActiveClaims.Name, 1)
}

func (r *Recorder) ClaimClosed() {
	if r == nil {
		return
	}
	r.c.GaugeAdd(ActiveClaims.Name, -1)
}

// Fatal records an error raised to the operator.
func (r *Recorder) Fatal(kind string) {
	if r == nil {
		return
	}
	r.c.CounterAdd(FatalErrorsTotal.Name, 1, "kind", kind)
}

// HTTPRequest records one served API request.
func (r *Recorder) HTTPRequest(method, route, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.c.CounterAdd(HTTPRequestsTotal.Name, 1, "method", method, "route", route, "status", status)
	r.c.HistogramObserve(HTTPRequestDuration.Name, d.Seconds(), "method", method, "route", route)
}
