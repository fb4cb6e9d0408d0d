// Package health reports whether the judge can settle claims.
//
// The judge is ready when its settlement ledger answers and at least one
// proof source is reachable. Liveness only says the process serves HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Checker is one health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc func(ctx context.Context) CheckResult

func (f CheckFunc) Name() string                          { return "" }
func (f CheckFunc) Check(ctx context.Context) CheckResult { return f(ctx) }

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration_ms"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Response is the full health check response.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	JudgeID   string                 `json:"judge_id,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Version   string                 `json:"version,omitempty"`
	Uptime    time.Duration          `json:"uptime_seconds,omitempty"`
}

// Handler runs the registered checks and serves the health endpoints.
type Handler struct {
	mu     sync.RWMutex
	checks map[string]Checker

	// critical checks make the judge unready when they fail; the others
	// only degrade it.
	critical map[string]bool

	judgeID   string
	version   string
	startTime time.Time
	timeout   time.Duration

	hideVersion bool
	hideUptime  bool
	hideDetails bool

	ready bool
}

// HandlerOption configures the health handler.
type HandlerOption func(*Handler)

// WithVersion sets the reported version.
func WithVersion(version string) HandlerOption {
	return func(h *Handler) { h.version = version }
}

// WithJudgeID sets the reported judge identity.
func WithJudgeID(id string) HandlerOption {
	return func(h *Handler) { h.judgeID = id }
}

// WithTimeout bounds a full round of checks.
func WithTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) { h.timeout = timeout }
}

// WithSecureDefaults hides version, uptime and per-check details.
func WithSecureDefaults() HandlerOption {
	return func(h *Handler) {
		h.hideVersion = true
		h.hideUptime = true
		h.hideDetails = true
	}
}

// NewHandler creates a health handler. It starts unready; call SetReady
// once the judge has opened its ledger.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		checks:    make(map[string]Checker),
		critical:  make(map[string]bool),
		startTime: time.Now(),
		timeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a check whose failure degrades the judge.
func (h *Handler) Register(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
	delete(h.critical, name)
}

// RegisterCritical adds a check whose failure makes the judge unhealthy.
func (h *Handler) RegisterCritical(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
	h.critical[name] = true
}

// RegisterFunc adds a non-critical check function.
func (h *Handler) RegisterFunc(name string, fn func(ctx context.Context) CheckResult) {
	h.Register(name, CheckFunc(fn))
}

// Unregister removes a check.
func (h *Handler) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
	delete(h.critical, name)
}

// SetReady sets the readiness state.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the readiness state.
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Check runs all checks concurrently.
//
// A failing critical check makes the response unhealthy. A failing
// non-critical check, or a degraded one, makes it degraded.
func (h *Handler) Check(ctx context.Context) Response {
	h.mu.RLock()
	checks := make(map[string]Checker, len(h.checks))
	critical := make(map[string]bool, len(h.critical))
	for name, c := range h.checks {
		checks[name] = c
		critical[name] = h.critical[name]
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(map[string]CheckResult, len(checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, checker := range checks {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()
			start := time.Now()
			result := checker.Check(ctx)
			result.Duration = time.Since(start)
			result.Timestamp = time.Now()

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	overall := StatusHealthy
	for name, r := range results {
		switch {
		case r.Status == StatusUnhealthy && critical[name]:
			overall = StatusUnhealthy
		case r.Status == StatusUnhealthy, r.Status == StatusDegraded:
			if overall != StatusUnhealthy {
				overall = StatusDegraded
			}
		}
	}

	resp := Response{
		Status:    overall,
		Timestamp: time.Now(),
		JudgeID:   h.judgeID,
	}
	if !h.hideDetails {
		resp.Checks = results
	}
	if !h.hideVersion && h.version != "" {
		resp.Version = h.version
	}
	if !h.hideUptime {
		resp.Uptime = time.Since(h.startTime)
	}
	return resp
}

// LivenessHandler answers 200 while the process serves HTTP.
func (h *Handler) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    StatusHealthy,
			"timestamp": time.Now(),
		})
	})
}

// ReadinessHandler answers 503 until SetReady(true), and while a critical
// check fails.
func (h *Handler) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":    StatusUnhealthy,
				"message":   "judge not ready",
				"timestamp": time.Now(),
			})
			return
		}
		resp := h.Check(r.Context())
		code := http.StatusOK
		if resp.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
}

// HealthHandler serves the detailed report.
func (h *Handler) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := h.Check(r.Context())
		code := http.StatusOK
		switch resp.Status {
		case StatusHealthy, StatusDegraded:
		case StatusUnhealthy:
			code = http.StatusServiceUnavailable
		default:
			code = http.StatusInternalServerError
		}
		writeJSON(w, code, resp)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

var (
	_ Checker = (*LedgerCheck)(nil)
	_ Checker = (*BackendCheck)(nil)
	_ Checker = (*RailCheck)(nil)
	_ Checker = (*StorageCheck)(nil)
	_ Checker = (*RuntimeCheck)(nil)
	_ Checker = (*SystemMemoryCheck)(nil)
	_ Checker = CheckFunc(nil)
)
