package backend

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/exploopio/judge/pkg/client"
	"github.com/exploopio/judge/pkg/errors"
	"github.com/exploopio/judge/pkg/proof"
)

const contractStateQuery = `query GetAudit($contractAddress: String!, $auditId: String!) {
  contractState(address: $contractAddress) {
    is_verified(auditId: $auditId)
    auditor_id(auditId: $auditId)
    proof_timestamp(auditId: $auditId)
    proof_hash(auditId: $auditId)
    threshold(auditId: $auditId)
  }
}`

// GraphQLSource reads contract state through a chain indexer.
type GraphQLSource struct {
	name            string
	client          *client.Client
	contractAddress string
	now             func() time.Time
}

// NewGraphQLSource creates an indexer source. url is the full GraphQL endpoint.
func NewGraphQLSource(name, url, contractAddress string) *GraphQLSource {
	if name == "" {
		name = "indexer"
	}
	return &GraphQLSource{
		name:            name,
		client:          client.New(&client.Config{BaseURL: url}),
		contractAddress: contractAddress,
		now:             time.Now,
	}
}

// Name returns the source name.
func (s *GraphQLSource) Name() string { return s.name }

type graphqlRequest struct {
	Query     string            `json:"query"`
	Variables map[string]string `json:"variables"`
}

type graphqlResponse struct {
	Data *struct {
		ContractState *struct {
			IsVerified     *bool           `json:"is_verified"`
			AuditorID      string          `json:"auditor_id"`
			ProofTimestamp json.RawMessage `json:"proof_timestamp"`
			ProofHash      string          `json:"proof_hash"`
			Threshold      json.RawMessage `json:"threshold"`
		} `json:"contractState"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Fetch queries the indexer for auditID. A null contract state or a null
// is_verified field means the ledger holds no record.
func (s *GraphQLSource) Fetch(ctx context.Context, auditID string) (*proof.Record, error) {
	op := "backend." + s.name + ".Fetch"

	req := graphqlRequest{
		Query: contractStateQuery,
		Variables: map[string]string{
			"contractAddress": s.contractAddress,
			"auditId":         auditID,
		},
	}

	var resp graphqlResponse
	if err := s.client.PostJSON(ctx, "", req, &resp); err != nil {
		return nil, err
	}

	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, errors.E(errors.KindNetworkTimeout, op, "indexer error: "+strings.Join(msgs, "; "))
	}

	if resp.Data == nil || resp.Data.ContractState == nil || resp.Data.ContractState.IsVerified == nil {
		return nil, errors.E(errors.KindNotFound, op, "proof not found")
	}

	st := resp.Data.ContractState
	return &proof.Record{
		AuditID:        auditID,
		IsVerified:     *st.IsVerified,
		ProofHash:      st.ProofHash,
		AuditorID:      st.AuditorID,
		ProofTimestamp: parseTimestamp(st.ProofTimestamp, s.now().UTC()),
		Threshold:      thresholdPtr(st.Threshold),
		Source:         s.name,
	}, nil
}
