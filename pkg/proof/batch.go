package proof

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/exploopio/judge/pkg/errors"
)

// BatchVerify verifies ids on a fixed-size worker pool.
//
// The result slice has the same length and order as ids. A failing element
// never affects its neighbours. When the batch deadline passes, every slot
// that has not finished holds a "Network timeout" result; BatchVerify returns
// at the deadline even if a fetcher ignores cancellation.
func (v *Verifier) BatchVerify(ctx context.Context, ids []string, expectedAuditorID string) []Result {
	results := make([]Result, len(ids))
	if len(ids) == 0 {
		return results
	}
	v.cfg.Metrics.Batch(len(ids))

	ctx, cancel := context.WithTimeout(ctx, v.cfg.BatchTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		filled = make([]bool, len(ids))
		closed bool
	)

	g := new(errgroup.Group)
	g.SetLimit(v.cfg.Workers)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i, id := range ids {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				res := v.Verify(ctx, id, expectedAuditorID)

				mu.Lock()
				defer mu.Unlock()
				if !closed {
					results[i] = res
					filled[i] = true
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	closed = true

	timedOut := 0
	for i, ok := range filled {
		if !ok {
			results[i] = Result{
				AuditID:   ids[i],
				Timestamp: v.cfg.Now(),
				Error:     MsgNetworkTimeout,
				Kind:      errors.KindNetworkTimeout,
			}
			timedOut++
		}
	}
	if timedOut > 0 {
		v.logger.Warn("batch verification: %d of %d proofs hit the %v deadline", timedOut, len(ids), v.cfg.BatchTimeout)
	}
	return results
}
