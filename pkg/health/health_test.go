package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/exploopio/judge/pkg/backend"
)

func staticCheck(status Status) CheckFunc {
	return func(ctx context.Context) CheckResult { return CheckResult{Status: status} }
}

func TestHandler_Register(t *testing.T) {
	h := NewHandler(WithVersion("1.0.0"), WithJudgeID("judge-1"), WithTimeout(time.Second))
	h.RegisterFunc("custom", func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy, Message: "custom check"}
	})

	resp := h.Check(context.Background())
	if resp.Status != StatusHealthy {
		t.Errorf("Status = %v, want %v", resp.Status, StatusHealthy)
	}
	if resp.Version != "1.0.0" || resp.JudgeID != "judge-1" {
		t.Errorf("Version/JudgeID = %q/%q", resp.Version, resp.JudgeID)
	}
	if r, ok := resp.Checks["custom"]; !ok || r.Message != "custom check" {
		t.Errorf("Checks = %+v", resp.Checks)
	}

	h.Unregister("custom")
	if n := len(h.Check(context.Background()).Checks); n != 0 {
		t.Errorf("Checks after unregister = %d, want 0", n)
	}
}

func TestHandler_StatusAggregation(t *testing.T) {
	tests := []struct {
		name     string
		critical map[string]Status
		other    map[string]Status
		want     Status
	}{
		{"all healthy", map[string]Status{"ledger": StatusHealthy}, map[string]Status{"disk": StatusHealthy}, StatusHealthy},
		{"critical down", map[string]Status{"ledger": StatusUnhealthy}, map[string]Status{"disk": StatusHealthy}, StatusUnhealthy},
		{"non-critical down", map[string]Status{"ledger": StatusHealthy}, map[string]Status{"disk": StatusUnhealthy}, StatusDegraded},
		{"degraded", map[string]Status{"ledger": StatusDegraded}, nil, StatusDegraded},
		{"critical wins", map[string]Status{"ledger": StatusUnhealthy}, map[string]Status{"disk": StatusDegraded}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler()
			for name, st := range tt.critical {
				h.RegisterCritical(name, staticCheck(st))
			}
			for name, st := range tt.other {
				h.Register(name, staticCheck(st))
			}
			if got := h.Check(context.Background()).Status; got != tt.want {
				t.Errorf("Status = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLivenessHandler(t *testing.T) {
	h := NewHandler()
	h.RegisterCritical("ledger", staticCheck(StatusUnhealthy))

	w := httptest.NewRecorder()
	h.LivenessHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != string(StatusHealthy) {
		t.Errorf("status = %v", body["status"])
	}
}

func TestReadinessHandler(t *testing.T) {
	h := NewHandler()

	serve := func() int {
		w := httptest.NewRecorder()
		h.ReadinessHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return w.Code
	}

	if code := serve(); code != http.StatusServiceUnavailable {
		t.Errorf("before SetReady: %d, want 503", code)
	}

	h.SetReady(true)
	if code := serve(); code != http.StatusOK {
		t.Errorf("ready: %d, want 200", code)
	}

	h.Register("disk", staticCheck(StatusUnhealthy))
	if code := serve(); code != http.StatusOK {
		t.Errorf("degraded: %d, want 200", code)
	}

	h.RegisterCritical("ledger", staticCheck(StatusUnhealthy))
	if code := serve(); code != http.StatusServiceUnavailable {
		t.Errorf("ledger down: %d, want 503", code)
	}
}

func TestHealthHandler(t *testing.T) {
	h := NewHandler(WithSecureDefaults(), WithVersion("1.0.0"))
	h.RegisterCritical("ledger", staticCheck(StatusHealthy))

	w := httptest.NewRecorder()
	h.HealthHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Version != "" || resp.Checks != nil || resp.Uptime != 0 {
		t.Errorf("secure defaults leaked details: %+v", resp)
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestLedgerCheck(t *testing.T) {
	tests := []struct {
		name   string
		check  *LedgerCheck
		status Status
	}{
		{"up", &LedgerCheck{Ledger: pinger{}, Driver: "sqlite"}, StatusHealthy},
		{"down", &LedgerCheck{Ledger: pinger{err: errors.New("connection refused")}}, StatusUnhealthy},
		{"missing", &LedgerCheck{}, StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.check.Check(context.Background()).Status; got != tt.status {
				t.Errorf("Status = %v, want %v", got, tt.status)
			}
		})
	}
}

type fakeBackend struct{ status backend.HealthStatus }

func (f fakeBackend) HealthCheck(context.Context) backend.HealthStatus { return f.status }

func TestBackendCheck(t *testing.T) {
	tests := []struct {
		name   string
		status backend.HealthStatus
		want   Status
	}{
		{
			name:   "all up",
			status: backend.HealthStatus{Healthy: true, Sources: map[string]string{"bridge": "healthy", "api": "healthy"}},
			want:   StatusHealthy,
		},
		{
			name:   "one down",
			status: backend.HealthStatus{Healthy: true, Sources: map[string]string{"bridge": "healthy", "api": "timeout"}},
			want:   StatusDegraded,
		},
		{
			name:   "all down",
			status: backend.HealthStatus{Healthy: false, Sources: map[string]string{"bridge": "timeout"}},
			want:   StatusUnhealthy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &BackendCheck{Backend: fakeBackend{status: tt.status}}
			if got := c.Check(context.Background()).Status; got != tt.want {
				t.Errorf("Status = %v, want %v", got, tt.want)
			}
		})
	}

	if got := (&BackendCheck{}).Check(context.Background()).Status; got != StatusUnknown {
		t.Errorf("nil backend Status = %v, want unknown", got)
	}
}

func TestBackendCheck_SimulatedClient(t *testing.T) {
	client := backend.NewClient(backend.ClientConfig{}, backend.NewSimulatedSource("auditor-1"))
	c := &BackendCheck{Backend: client}
	if got := c.Check(context.Background()).Status; got != StatusHealthy {
		t.Errorf("Status = %v, want healthy", got)
	}
}

func TestRailCheck(t *testing.T) {
	status := func(code int) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
	}
	ok, auth, down := status(http.StatusOK), status(http.StatusUnauthorized), status(http.StatusBadGateway)
	defer ok.Close()
	defer auth.Close()
	defer down.Close()

	tests := []struct {
		name string
		url  string
		want Status
	}{
		{"2xx", ok.URL, StatusHealthy},
		{"auth required still reachable", auth.URL, StatusHealthy},
		{"5xx", down.URL, StatusDegraded},
		{"bad url", "://nope", StatusUnhealthy},
		{"refused", "http://127.0.0.1:1", StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &RailCheck{URL: tt.url, Timeout: time.Second}
			if got := c.Check(context.Background()).Status; got != tt.want {
				t.Errorf("Status = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStorageCheck(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	ctx := context.Background()

	got := (&StorageCheck{Paths: []string{a, b}}).Check(ctx)
	if got.Status != StatusHealthy {
		t.Errorf("Status = %v (%s), want healthy", got.Status, got.Error)
	}
	if len(got.Metadata) != 2 {
		t.Errorf("Metadata = %v, want one entry per path", got.Metadata)
	}
	if got := (&StorageCheck{Paths: []string{a}, MinFreePercent: 100.1}).Check(ctx).Status; got != StatusUnhealthy {
		t.Errorf("impossible threshold Status = %v, want unhealthy", got)
	}
	if got := (&StorageCheck{Paths: []string{a, "/does/not/exist"}}).Check(ctx).Status; got != StatusUnhealthy {
		t.Errorf("missing path Status = %v, want unhealthy", got)
	}
}

func TestRuntimeCheck(t *testing.T) {
	ctx := context.Background()
	if got := (&RuntimeCheck{}).Check(ctx); got.Status != StatusHealthy {
		t.Errorf("Status = %v, want healthy", got.Status)
	}
	if got := (&RuntimeCheck{MaxHeapBytes: 1}).Check(ctx).Status; got != StatusDegraded {
		t.Errorf("heap limit Status = %v, want degraded", got)
	}
	if got := (&RuntimeCheck{MaxGoroutines: 1}).Check(ctx).Status; got != StatusDegraded {
		t.Errorf("goroutine limit Status = %v, want degraded", got)
	}
}

func TestSystemMemoryCheck(t *testing.T) {
	result := (&SystemMemoryCheck{}).Check(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("Status = %v, want %v", result.Status, StatusHealthy)
	}
	if result.Metadata == nil {
		t.Error("Metadata should not be nil")
	}
}
