package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/exploopio/judge/pkg/client"
	"github.com/exploopio/judge/pkg/errors"
	"github.com/exploopio/judge/pkg/proof"
)

// Flavor selects the request and response shape of an HTTP source.
type Flavor string

const (
	// FlavorBridge sends {"auditId"} and reads camelCase fields.
	FlavorBridge Flavor = "bridge"

	// FlavorAPI sends {"audit_id"} and reads snake_case fields.
	FlavorAPI Flavor = "api"
)

const queryAuditPath = "/api/query-audit"

// HTTPSource queries a proof ledger bridge or API over HTTP.
type HTTPSource struct {
	name   string
	flavor Flavor
	client *client.Client
	now    func() time.Time
}

// HTTPSourceConfig configures an HTTPSource.
type HTTPSourceConfig struct {
	Name      string
	Flavor    Flavor
	URL       string
	APIKey    string
	RateLimit float64 // requests per second, 0 = unlimited
}

// NewHTTPSource creates an HTTP source.
func NewHTTPSource(cfg HTTPSourceConfig) *HTTPSource {
	if cfg.Flavor == "" {
		cfg.Flavor = FlavorAPI
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Flavor)
	}
	return &HTTPSource{
		name:   cfg.Name,
		flavor: cfg.Flavor,
		client: client.New(&client.Config{
			BaseURL:   cfg.URL,
			APIKey:    cfg.APIKey,
			RateLimit: cfg.RateLimit,
		}),
		now: time.Now,
	}
}

// Name returns the source name.
func (s *HTTPSource) Name() string { return s.name }

// bridgeResponse is the camelCase bridge shape.
type bridgeResponse struct {
	Found       bool            `json:"found"`
	IsVerified  bool            `json:"isVerified"`
	AuditorID   string          `json:"auditorId"`
	ProofHash   string          `json:"proofHash"`
	Timestamp   json.RawMessage `json:"timestamp"`
	BlockHeight json.RawMessage `json:"blockHeight"`
	Threshold   json.RawMessage `json:"threshold"`
}

// apiResponse is the snake_case API shape.
type apiResponse struct {
	Found          bool            `json:"found"`
	AuditID        string          `json:"audit_id"`
	IsVerified     bool            `json:"is_verified"`
	AuditorID      string          `json:"auditor_id"`
	ProofHash      string          `json:"proof_hash"`
	ProofTimestamp json.RawMessage `json:"proof_timestamp"`
	BlockHeight    json.RawMessage `json:"block_height"`
	Threshold      json.RawMessage `json:"threshold"`
}

// Fetch queries the source for auditID.
func (s *HTTPSource) Fetch(ctx context.Context, auditID string) (*proof.Record, error) {
	op := "backend." + s.name + ".Fetch"

	var raw map[string]any
	var body any
	if s.flavor == FlavorBridge {
		body = map[string]string{"auditId": auditID}
	} else {
		body = map[string]string{"audit_id": auditID}
	}

	data, err := s.post(ctx, body)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(data, &raw)
	fetchedAt := s.now().UTC()

	switch s.flavor {
	case FlavorBridge:
		var resp bridgeResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, errors.E(errors.KindNetworkTimeout, op, "malformed response", err)
		}
		if !resp.Found {
			return nil, errors.E(errors.KindNotFound, op, "proof not found")
		}
		return &proof.Record{
			AuditID:        auditID,
			IsVerified:     resp.IsVerified,
			ProofHash:      resp.ProofHash,
			AuditorID:      resp.AuditorID,
			ProofTimestamp: parseTimestamp(resp.Timestamp, fetchedAt),
			BlockHeight:    int64Ptr(resp.BlockHeight),
			Threshold:      thresholdPtr(resp.Threshold),
			Source:         s.name,
			RawFields:      raw,
		}, nil

	default:
		var resp apiResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, errors.E(errors.KindNetworkTimeout, op, "malformed response", err)
		}
		if !resp.Found {
			return nil, errors.E(errors.KindNotFound, op, "proof not found")
		}
		return &proof.Record{
			AuditID:        auditID,
			IsVerified:     resp.IsVerified,
			ProofHash:      resp.ProofHash,
			AuditorID:      resp.AuditorID,
			ProofTimestamp: parseTimestamp(resp.ProofTimestamp, fetchedAt),
			BlockHeight:    int64Ptr(resp.BlockHeight),
			Threshold:      thresholdPtr(resp.Threshold),
			Source:         s.name,
			RawFields:      raw,
		}, nil
	}
}

func (s *HTTPSource) post(ctx context.Context, body any) ([]byte, error) {
	in, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return s.client.Do(ctx, "POST", queryAuditPath, in)
}

// healthResponse is the /health shape of the proof ledger API.
type healthResponse struct {
	Status          string `json:"status"`
	ContractAddress string `json:"contract_address"`
}

// Health reports whether the ledger API is up and its contract initialized.
func (s *HTTPSource) Health(ctx context.Context) error {
	var resp healthResponse
	if err := s.client.GetJSON(ctx, "/health", &resp); err != nil {
		return err
	}
	if resp.Status != "healthy" {
		return fmt.Errorf("%s: status %q", s.name, resp.Status)
	}
	if s.flavor == FlavorAPI && resp.ContractAddress == "" {
		return fmt.Errorf("%s: contract not initialized", s.name)
	}
	return nil
}
