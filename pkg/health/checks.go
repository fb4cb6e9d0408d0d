package health

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/exploopio/judge/pkg/backend"
)

// Pinger is anything that can prove it is reachable, such as a ledger.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LedgerCheck pings the settlement ledger. Without a ledger no claim can be
// settled, so it is meant to be registered as critical.
type LedgerCheck struct {
	Ledger Pinger
	Driver string
}

func (c *LedgerCheck) Name() string { return "ledger" }

func (c *LedgerCheck) Check(ctx context.Context) CheckResult {
	result := CheckResult{Timestamp: time.Now(), Metadata: map[string]any{}}
	if c.Driver != "" {
		result.Metadata["driver"] = c.Driver
	}
	if c.Ledger == nil {
		result.Status = StatusUnknown
		result.Message = "no ledger configured"
		return result
	}
	if err := c.Ledger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}
	result.Status = StatusHealthy
	result.Message = "connected"
	return result
}

// BackendHealth is implemented by backend.Client.
type BackendHealth interface {
	HealthCheck(ctx context.Context) backend.HealthStatus
}

// BackendCheck reports the proof backend's cached health. Some sources down
// is degraded; all of them down is unhealthy.
type BackendCheck struct {
	Backend BackendHealth
}

func (c *BackendCheck) Name() string { return "proof_backend" }

func (c *BackendCheck) Check(ctx context.Context) CheckResult {
	result := CheckResult{Timestamp: time.Now(), Metadata: map[string]any{}}
	if c.Backend == nil {
		result.Status = StatusUnknown
		result.Message = "no proof backend configured"
		return result
	}

	st := c.Backend.HealthCheck(ctx)
	down := 0
	for name, s := range st.Sources {
		result.Metadata[name] = s
		if s != "healthy" {
			down++
		}
	}
	result.Metadata["checked_at"] = st.CheckedAt

	switch {
	case !st.Healthy:
		result.Status = StatusUnhealthy
		result.Error = "no proof source reachable"
	case down > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d proof sources down", down, len(st.Sources))
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d proof sources reachable", len(st.Sources))
	}
	return result
}

// RailCheck calls the payout rail. Any answer below 500 counts as
// reachable. A 5xx degrades the judge; a transport error is unhealthy.
type RailCheck struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

func (c *RailCheck) Name() string { return "payout_rail" }

func (c *RailCheck) Check(ctx context.Context) CheckResult {
	result := CheckResult{Timestamp: time.Now(), Metadata: map[string]any{"url": c.URL}}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.URL, nil)
	if err == nil {
		var resp *http.Response
		if resp, err = client.Do(req); err == nil {
			resp.Body.Close()
			result.Metadata["status_code"] = resp.StatusCode
			if resp.StatusCode >= 500 {
				result.Status = StatusDegraded
				result.Error = fmt.Sprintf("payout rail answered %d", resp.StatusCode)
			} else {
				result.Status = StatusHealthy
				result.Message = "payout rail reachable"
			}
			return result
		}
	}
	result.Status = StatusUnhealthy
	result.Error = err.Error()
	return result
}

// StorageCheck reports free space on the filesystems holding the ledger and
// the audit log. The emptiest filesystem decides the status.
type StorageCheck struct {
	Paths          []string
	MinFreePercent float64
}

func (c *StorageCheck) Name() string { return "storage" }

func (c *StorageCheck) Check(ctx context.Context) CheckResult {
	result := CheckResult{Status: StatusHealthy, Timestamp: time.Now(), Metadata: map[string]any{}}

	paths := c.Paths
	if len(paths) == 0 {
		paths = []string{"."}
	}
	lowest := 100.0
	for _, p := range paths {
		free, err := freePercent(p)
		if err != nil {
			result.Status = StatusUnhealthy
			result.Error = fmt.Sprintf("statfs %s: %v", p, err)
			return result
		}
		result.Metadata[p] = fmt.Sprintf("%.1f%% free", free)
		if free < lowest {
			lowest = free
		}
	}

	if c.MinFreePercent > 0 && lowest < c.MinFreePercent {
		result.Status = StatusUnhealthy
		result.Error = fmt.Sprintf("%.1f%% free, need %.1f%%", lowest, c.MinFreePercent)
		return result
	}
	result.Message = fmt.Sprintf("lowest free space %.1f%%", lowest)
	return result
}

func freePercent(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	if st.Blocks == 0 {
		return 0, fmt.Errorf("no blocks reported")
	}
	return float64(st.Bavail) / float64(st.Blocks) * 100, nil
}

// RuntimeCheck watches the judge process itself. Exceeding either limit
// degrades the judge; it can still settle claims, only slower.
type RuntimeCheck struct {
	MaxHeapBytes  uint64
	MaxGoroutines int
}

func (c *RuntimeCheck) Name() string { return "runtime" }

func (c *RuntimeCheck) Check(ctx context.Context) CheckResult {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	g := runtime.NumGoroutine()

	result := CheckResult{
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("heap %d MiB, %d goroutines", m.HeapAlloc>>20, g),
		Timestamp: time.Now(),
		Metadata: map[string]any{
			"heap_alloc_bytes": m.HeapAlloc,
			"goroutines":       g,
			"num_gc":           m.NumGC,
		},
	}
	switch {
	case c.MaxHeapBytes > 0 && m.HeapAlloc > c.MaxHeapBytes:
		result.Status = StatusDegraded
		result.Error = fmt.Sprintf("heap %d bytes over limit %d", m.HeapAlloc, c.MaxHeapBytes)
	case c.MaxGoroutines > 0 && g > c.MaxGoroutines:
		result.Status = StatusDegraded
		result.Error = fmt.Sprintf("%d goroutines over limit %d", g, c.MaxGoroutines)
	}
	return result
}
