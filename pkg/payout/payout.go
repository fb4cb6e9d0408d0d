// Package payout sends bounty payments through a payout rail.
package payout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/judge/pkg/client"
	"github.com/exploopio/judge/pkg/core"
	"github.com/exploopio/judge/pkg/errors"
)

// Rail pays an auditor and returns the rail's payment reference.
type Rail interface {
	Payout(ctx context.Context, auditorID string, amount int64) (string, error)
}

// RailFunc adapts a function to Rail.
type RailFunc func(ctx context.Context, auditorID string, amount int64) (string, error)

// Payout calls f.
func (f RailFunc) Payout(ctx context.Context, auditorID string, amount int64) (string, error) {
	return f(ctx, auditorID, amount)
}

// Rail kinds.
const (
	KindSimulated = "simulated"
	KindHTTP      = "http"
)

// Config selects a rail.
type Config struct {
	Kind      string        `yaml:"kind" json:"kind"`
	URL       string        `yaml:"url" json:"url"`
	APIKey    string        `yaml:"api_key" json:"-"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	RateLimit float64       `yaml:"rate_limit" json:"rate_limit"`
}

// New creates the configured rail.
func New(cfg Config, logger core.Logger) (Rail, error) {
	switch cfg.Kind {
	case "", KindSimulated:
		return NewSimulatedRail(logger), nil
	case KindHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("payout: url is required for the http rail")
		}
		return NewHTTPRail(cfg, logger), nil
	default:
		return nil, fmt.Errorf("payout: unknown rail %q", cfg.Kind)
	}
}

// HTTPRail posts payouts to a payment service.
type HTTPRail struct {
	client *client.Client
	logger core.Logger
}

// NewHTTPRail creates an HTTP rail. Retries are left to the caller.
func NewHTTPRail(cfg Config, logger core.Logger) *HTTPRail {
	return &HTTPRail{
		client: client.New(&client.Config{
			BaseURL:   cfg.URL,
			APIKey:    cfg.APIKey,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			Logger:    logger,
		}),
		logger: core.OrNop(logger),
	}
}

type payoutRequest struct {
	Recipient      string `json:"recipient"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type payoutResponse struct {
	TxHash string `json:"tx_hash"`
}

// Payout posts the payment. Every call carries a fresh idempotency key.
func (r *HTTPRail) Payout(ctx context.Context, auditorID string, amount int64) (string, error) {
	const op = "payout.http"

	req := payoutRequest{
		Recipient:      auditorID,
		Amount:         amount,
		IdempotencyKey: uuid.NewString(),
	}
	var resp payoutResponse
	if err := r.client.PostJSON(ctx, "/api/payouts", req, &resp); err != nil {
		return "", errors.E(errors.KindPayoutFailed, op, "payout request failed", err)
	}
	if resp.TxHash == "" {
		return "", errors.E(errors.KindPayoutFailed, op, "payout response without tx_hash")
	}
	r.logger.Info("paid %d to %s (tx %s)", amount, auditorID, core.ShortID(resp.TxHash))
	return resp.TxHash, nil
}

// Payment is a payout made by a SimulatedRail.
type Payment struct {
	Ref       string
	AuditorID string
	Amount    int64
}

// SimulatedRail records payments in memory.
type SimulatedRail struct {
	mu       sync.Mutex
	payments []Payment
	failures int
	failErr  error
	delay    time.Duration
	logger   core.Logger
}

// NewSimulatedRail creates a simulated rail.
func NewSimulatedRail(logger core.Logger) *SimulatedRail {
	return &SimulatedRail{logger: core.OrNop(logger)}
}

// FailNext makes the next n payouts fail with err.
func (r *SimulatedRail) FailNext(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = n
	r.failErr = err
}

// SetDelay makes every payout take d.
func (r *SimulatedRail) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

// Payout records the payment and returns a uuid reference.
func (r *SimulatedRail) Payout(ctx context.Context, auditorID string, amount int64) (string, error) {
	const op = "payout.simulated"

	r.mu.Lock()
	delay := r.delay
	r.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", errors.E(errors.KindPayoutFailed, op, "payout timed out", ctx.Err())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failures > 0 {
		r.failures--
		err := r.failErr
		if err == nil {
			err = fmt.Errorf("rail unavailable")
		}
		return "", errors.E(errors.KindPayoutFailed, op, "payout rejected", err)
	}

	ref := uuid.NewString()
	r.payments = append(r.payments, Payment{Ref: ref, AuditorID: auditorID, Amount: amount})
	r.logger.Debug("simulated payout %d to %s (%s)", amount, auditorID, ref)
	return ref, nil
}

// Payments returns a copy of the recorded payments.
func (r *SimulatedRail) Payments() []Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Payment, len(r.payments))
	copy(out, r.payments)
	return out
}

// Total returns the sum of recorded payments.
func (r *SimulatedRail) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, p := range r.payments {
		total += p.Amount
	}
	return total
}
