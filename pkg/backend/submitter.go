package backend

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/exploopio/judge/pkg/client"
	"github.com/exploopio/judge/pkg/core"
	"github.com/exploopio/judge/pkg/errors"
	"github.com/exploopio/judge/pkg/retry"
)

// Submitter records new proofs on the proof ledger and returns the proof
// hash the ledger assigned.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
}

// Submitter defaults.
const (
	DefaultSubmitTimeout  = 60 * time.Second
	DefaultSubmitAttempts = 3
)

// HTTPSubmitter submits proofs to the proof ledger API.
type HTTPSubmitter struct {
	client   *client.Client
	timeout  time.Duration
	attempts int
	backoff  *retry.BackoffConfig
	logger   core.Logger
}

// HTTPSubmitterConfig configures an HTTPSubmitter.
type HTTPSubmitterConfig struct {
	URL      string
	APIKey   string
	Timeout  time.Duration
	Attempts int
	Backoff  *retry.BackoffConfig
	Logger   core.Logger
}

// NewHTTPSubmitter creates a submitter.
func NewHTTPSubmitter(cfg HTTPSubmitterConfig) *HTTPSubmitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSubmitTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultSubmitAttempts
	}
	if cfg.Backoff == nil {
		cfg.Backoff = &retry.BackoffConfig{
			Strategy:     retry.BackoffExponential,
			BaseInterval: time.Second,
			MaxInterval:  30 * time.Second,
			Jitter:       0.5,
		}
	}
	return &HTTPSubmitter{
		client: client.New(&client.Config{
			BaseURL: cfg.URL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		}),
		timeout:  cfg.Timeout,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		logger:   core.OrNop(cfg.Logger),
	}
}

type submitBody struct {
	AuditID     string          `json:"audit_id"`
	AuditorAddr string          `json:"auditor_addr"`
	Threshold   int             `json:"threshold"`
	Witness     json.RawMessage `json:"witness"`
}

type submitResponse struct {
	Success       bool            `json:"success"`
	TransactionID string          `json:"transaction_id"`
	BlockHeight   json.RawMessage `json:"block_height"`
	Error         string          `json:"error"`
}

// Submit sends the proof request with retries. Rejections (HTTP 400, or an
// error mentioning the threshold or invalid input) are not retried.
func (s *HTTPSubmitter) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	const op = "backend.Submit"

	body := submitBody{
		AuditID:     req.AuditID,
		AuditorAddr: req.AuditorID,
		Threshold:   req.Threshold,
		Witness:     req.Witness.WireFormat(),
	}

	var proofHash string
	err := retry.Do(ctx, retry.Policy{
		MaxAttempts: s.attempts,
		Backoff:     s.backoff,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			s.logger.Warn("submit %s failed (attempt %d/%d), retrying in %v: %v",
				core.ShortID(req.AuditID), attempt, s.attempts, wait, err)
		},
	}, func(ctx context.Context, _ int) error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		var resp submitResponse
		if err := s.client.PostJSON(ctx, "/api/submit-audit", body, &resp); err != nil {
			return err
		}
		if !resp.Success {
			msg := resp.Error
			if msg == "" {
				msg = "unknown error from proof ledger"
			}
			lower := strings.ToLower(msg)
			if strings.Contains(lower, "threshold") || strings.Contains(lower, "invalid") {
				return errors.E(errors.KindInvalidInput, op, msg)
			}
			return errors.E(errors.KindNetworkTimeout, op, msg)
		}

		hash := resp.TransactionID
		if hash == "" {
			hash = "zk_proof_" + req.AuditID[:min(32, len(req.AuditID))]
			s.logger.Warn("no transaction id for %s, using fallback hash", core.ShortID(req.AuditID))
		}
		proofHash = hash
		if h := int64Ptr(resp.BlockHeight); h != nil {
			s.logger.Debug("proof for %s included at block %d", core.ShortID(req.AuditID), *h)
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, op)
	}

	s.logger.Info("proof submitted for %s (threshold %d)", core.ShortID(req.AuditID), req.Threshold)
	return proofHash, nil
}

// Health checks the proof ledger API.
func (s *HTTPSubmitter) Health(ctx context.Context) error {
	var resp healthResponse
	if err := s.client.GetJSON(ctx, "/health", &resp); err != nil {
		return err
	}
	if resp.Status != "healthy" {
		return errors.E(errors.KindUnavailable, "backend.Health", "proof ledger status "+resp.Status)
	}
	return nil
}
