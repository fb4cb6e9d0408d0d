package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestInMemoryCollector_Series(t *testing.T) {
	c := NewInMemoryCollector()

	c.CounterAdd("fetches", 1, "source", "bridge", "status", "ok")
	c.CounterAdd("fetches", 2, "status", "ok", "source", "bridge")
	c.CounterAdd("fetches", 1, "source", "api", "status", "ok")

	if got := c.GetCounter("fetches", "source", "bridge", "status", "ok"); got != 3 {
		t.Errorf("bridge/ok = %v, want 3 (label order must not matter)", got)
	}
	if got := c.GetCounter("fetches", "source", "api", "status", "ok"); got != 1 {
		t.Errorf("api/ok = %v, want 1", got)
	}
	if got := c.GetCounter("fetches"); got != 0 {
		t.Errorf("unlabelled series = %v, want 0", got)
	}

	c.GaugeAdd("active", 1)
	c.GaugeAdd("active", 1)
	c.GaugeAdd("active", -1)
	if got := c.GetGauge("active"); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}

	c.HistogramObserve("latency", 0.2, "route", "/v1/claims")
	c.HistogramObserve("latency", 0.4, "route", "/v1/claims")
	obs := c.GetHistogram("latency", "route", "/v1/claims")
	if len(obs) != 2 {
		t.Fatalf("observations = %v, want 2", obs)
	}
	obs[0] = 99
	if c.GetHistogram("latency", "route", "/v1/claims")[0] == 99 {
		t.Error("GetHistogram must return a copy")
	}
}

func TestDefaultMetrics(t *testing.T) {
	seen := map[string]bool{}
	for _, def := range DefaultMetrics() {
		if !strings.HasPrefix(def.Name, "zkjudge_") {
			t.Errorf("%s: missing zkjudge_ prefix", def.Name)
		}
		if def.Help == "" {
			t.Errorf("%s: empty help", def.Name)
		}
		switch def.Kind {
		case KindCounter, KindGauge, KindHistogram:
		default:
			t.Errorf("%s: kind %q", def.Name, def.Kind)
		}
		if def.Kind != KindHistogram && len(def.Buckets) > 0 {
			t.Errorf("%s: buckets on a %s", def.Name, def.Kind)
		}
		if seen[def.Name] {
			t.Errorf("%s defined twice", def.Name)
		}
		seen[def.Name] = true
	}
}

func TestRecorder(t *testing.T) {
	c := NewInMemoryCollector()
	r := NewRecorder(c)

	r.Verification("valid", 20*time.Millisecond)
	r.Verification("not_found", time.Millisecond)
	r.Settlement("paid", 250)
	r.Settlement("duplicate", 0)
	r.Fetch("bridge", "ok")
	r.ClaimOpened()
	r.ClaimOpened()
	r.ClaimClosed()
	r.HTTPRequest("GET", "/v1/stats", "200", time.Millisecond)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"valid verifications", c.GetCounter(VerificationsTotal.Name, "result", "valid"), 1},
		{"duration observations", float64(len(c.GetHistogram(VerificationDuration.Name))), 2},
		{"bounty paid", c.GetCounter(BountyPaidTotal.Name), 250},
		{"duplicate settlements", c.GetCounter(SettlementsTotal.Name, "reason", "duplicate"), 1},
		{"bridge fetches", c.GetCounter(BackendFetchesTotal.Name, "source", "bridge", "status", "ok"), 1},
		{"active claims", c.GetGauge(ActiveClaims.Name), 1},
		{"http requests", c.GetCounter(HTTPRequestsTotal.Name, "method", "GET", "route", "/v1/stats", "status", "200"), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	r.Verification("valid", time.Second)
	r.Settlement("paid", 1)
	r.ClaimOpened()
	r.Fatal("internal")
	if r.Collector() == nil {
		t.Error("nil recorder should expose a nop collector")
	}
	if NewRecorder(nil).Collector() == nil {
		t.Error("NewRecorder(nil) should wrap a nop collector")
	}
}

func TestPrometheusCollector(t *testing.T) {
	c := NewPrometheusCollector(&PrometheusConfig{RegisterDefaultMetrics: true})
	r := NewRecorder(c)
	r.Settlement("paid", 100)
	r.Verification("valid", time.Millisecond)
	r.ClaimOpened()

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{SettlementsTotal.Name, BountyPaidTotal.Name, VerificationsTotal.Name, ActiveClaims.Name} {
		if !found[name] {
			t.Errorf("metric %s not gathered", name)
		}
	}

	// Unregistered names are dropped silently.
	c.CounterAdd("zkjudge_unknown_total", 1)

	if err := c.Register(SettlementsTotal); err != nil {
		t.Errorf("re-registering = %v, want nil", err)
	}
	if err := c.Register(Definition{Name: "x", Kind: "summary"}); err == nil {
		t.Error("Register should reject unknown kinds")
	}
}

func TestPrometheusCollector_Handler(t *testing.T) {
	c := NewPrometheusCollector(&PrometheusConfig{RegisterDefaultMetrics: true})
	NewRecorder(c).Fatal("payout_failed")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(string(body), `zkjudge_fatal_errors_total{kind="payout_failed"} 1`) {
		t.Errorf("fatal error series missing from:\n%s", body)
	}
}

func TestLabelValues(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"source"}, ""},
		{[]string{"source", "bridge"}, "bridge"},
		{[]string{"source", "bridge", "status", "ok"}, "bridge,ok"},
		{[]string{"source", "bridge", "status"}, "bridge"},
	}
	for _, tt := range tests {
		if got := strings.Join(labelValues(tt.in), ","); got != tt.want {
			t.Errorf("labelValues(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
