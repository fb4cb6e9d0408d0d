package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/exploopio/judge/pkg/core"
)

// Redriver is the source of work for the Worker.
// The judge coordinator implements it over claims stuck in SettlementFailed.
type Redriver interface {
	// Pending lists up to limit item IDs that are waiting for another attempt.
	Pending(ctx context.Context, limit int) ([]string, error)

	// Redrive makes one more attempt for the item.
	Redrive(ctx context.Context, id string) error
}

// Worker re-drives failed items in the background.
// It periodically asks the Redriver for pending items and retries each one
// once its backoff has elapsed.
type Worker struct {
	source  Redriver
	backoff *BackoffConfig
	logger  core.Logger

	// Configuration
	interval    time.Duration
	batchSize   int
	maxAttempts int

	// State
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	attempts map[string]*itemState

	onExhaust func(id string, lastErr error)

	// Statistics
	stats   WorkerStats
	statsMu sync.RWMutex
}

type itemState struct {
	attempts    int
	lastAttempt time.Time
	lastErr     error
}

// WorkerStats contains statistics about the worker.
type WorkerStats struct {
	TotalAttempts   int64     `json:"total_attempts"`
	Succeeded       int64     `json:"succeeded"`
	FailedAttempts  int64     `json:"failed_attempts"`
	ExhaustedItems  int64     `json:"exhausted_items"`
	LastProcessedAt time.Time `json:"last_processed_at"`

	IsRunning   bool      `json:"is_running"`
	StartedAt   time.Time `json:"started_at"`
	LastCheckAt time.Time `json:"last_check_at"`
}

// WorkerConfig configures the worker.
type WorkerConfig struct {
	// Interval is how often to check for pending items.
	// Default: 1 minute
	Interval time.Duration `yaml:"interval" json:"interval"`

	// BatchSize is the maximum number of items to process per check.
	// Default: 10
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// MaxAttempts is the number of background attempts per item before it is
	// reported as exhausted and left alone.
	// Default: 5
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// Backoff spaces attempts for the same item.
	Backoff *BackoffConfig `yaml:"-" json:"-"`

	Logger core.Logger `yaml:"-" json:"-"`
}

// Worker defaults.
const (
	DefaultWorkerInterval    = time.Minute
	DefaultWorkerBatchSize   = 10
	DefaultWorkerMaxAttempts = 5
)

// NewWorker creates a new worker.
func NewWorker(cfg *WorkerConfig, source Redriver) *Worker {
	if cfg == nil {
		cfg = &WorkerConfig{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWorkerInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWorkerBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultWorkerMaxAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoffConfig()
	}

	return &Worker{
		source:      source,
		backoff:     cfg.Backoff,
		logger:      core.OrNop(cfg.Logger),
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		stopCh:      make(chan struct{}),
		attempts:    make(map[string]*itemState),
	}
}

// OnExhaust sets a callback for items that used up their background attempts.
func (w *Worker) OnExhaust(fn func(id string, lastErr error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onExhaust = fn
}

// Start starts the background loop and returns immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("worker is already running")
	}

	w.running = true
	w.stopCh = make(chan struct{})

	w.statsMu.Lock()
	w.stats.IsRunning = true
	w.stats.StartedAt = time.Now()
	w.statsMu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("retry worker started (interval: %v, batch: %d, max attempts: %d)",
		w.interval, w.batchSize, w.maxAttempts)
	return nil
}

// Stop stops the worker and waits for the current batch to complete.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop timed out: %w", ctx.Err())
	}

	w.statsMu.Lock()
	w.stats.IsRunning = false
	w.statsMu.Unlock()
	return nil
}

// Stats returns the current worker statistics.
func (w *Worker) Stats() WorkerStats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.stats
}

// ProcessNow runs one batch synchronously.
func (w *Worker) ProcessNow(ctx context.Context) error {
	return w.processBatch(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil {
				w.logger.Warn("retry worker batch error: %v", err)
			}
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) error {
	w.statsMu.Lock()
	w.stats.LastCheckAt = time.Now()
	w.statsMu.Unlock()

	ids, err := w.source.Pending(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if len(ids) < w.batchSize {
		w.prune(ids)
	}

	for _, id := range ids {
		select {
		case <-w.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		st := w.state(id)
		if st.attempts >= w.maxAttempts {
			continue
		}
		if !w.backoff.Due(st.lastAttempt, st.attempts, time.Now()) {
			continue
		}

		err := w.source.Redrive(ctx, id)
		st.attempts++
		st.lastAttempt = time.Now()
		st.lastErr = err

		w.statsMu.Lock()
		w.stats.TotalAttempts++
		w.stats.LastProcessedAt = st.lastAttempt
		if err == nil {
			w.stats.Succeeded++
		} else {
			w.stats.FailedAttempts++
		}
		w.statsMu.Unlock()

		if err == nil {
			w.forget(id)
			w.logger.Info("re-drove %s (attempt %d)", core.ShortID(id), st.attempts)
			continue
		}

		w.logger.Warn("re-drive %s failed (attempt %d/%d): %v", core.ShortID(id), st.attempts, w.maxAttempts, err)
		if st.attempts >= w.maxAttempts {
			w.statsMu.Lock()
			w.stats.ExhaustedItems++
			w.statsMu.Unlock()

			w.mu.Lock()
			fn := w.onExhaust
			w.mu.Unlock()
			if fn != nil {
				fn(id, err)
			}
		}
	}
	return nil
}

func (w *Worker) state(id string) *itemState {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.attempts[id]
	if !ok {
		st = &itemState{}
		w.attempts[id] = st
	}
	return st
}

// prune drops state for items that are no longer pending, such as claims
// settled through the API. Only valid when pending is the complete list.
func (w *Worker) prune(pending []string) {
	keep := make(map[string]bool, len(pending))
	for _, id := range pending {
		keep[id] = true
	}
	w.mu.Lock()
	for id := range w.attempts {
		if !keep[id] {
			delete(w.attempts, id)
		}
	}
	w.mu.Unlock()
}

// Tracked is the number of items with background attempts on record.
func (w *Worker) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.attempts)
}

func (w *Worker) forget(id string) {
	w.mu.Lock()
	delete(w.attempts, id)
	w.mu.Unlock()
}
