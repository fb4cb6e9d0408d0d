package backend

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/exploopio/judge/pkg/errors"
	"github.com/exploopio/judge/pkg/proof"
	grpctransport "github.com/exploopio/judge/pkg/transport/grpc"
)

// ProofLedger gRPC service, JSON encoded.
const (
	ProofLedgerService     = "judge.proof.v1.ProofLedger"
	ProofLedgerQueryMethod = "/" + ProofLedgerService + "/QueryAudit"
)

// QueryAuditRequest is the QueryAudit request message.
type QueryAuditRequest struct {
	AuditID string `json:"audit_id"`
}

// QueryAuditResponse is the QueryAudit response message.
type QueryAuditResponse struct {
	Found          bool   `json:"found"`
	IsVerified     bool   `json:"is_verified"`
	AuditorID      string `json:"auditor_id"`
	ProofHash      string `json:"proof_hash"`
	ProofTimestamp string `json:"proof_timestamp,omitempty"`
	BlockHeight    *int64 `json:"block_height,omitempty"`
	Threshold      *int   `json:"threshold,omitempty"`
}

// GRPCSource queries a ProofLedger gRPC service.
type GRPCSource struct {
	name      string
	transport *grpctransport.Transport
	now       func() time.Time
}

// NewGRPCSource creates a gRPC source over the given transport config.
func NewGRPCSource(name string, cfg *grpctransport.Config) *GRPCSource {
	if name == "" {
		name = "grpc"
	}
	return &GRPCSource{
		name:      name,
		transport: grpctransport.NewTransport(cfg),
		now:       time.Now,
	}
}

// Name returns the source name.
func (s *GRPCSource) Name() string { return s.name }

// Fetch calls QueryAudit.
func (s *GRPCSource) Fetch(ctx context.Context, auditID string) (*proof.Record, error) {
	op := "backend." + s.name + ".Fetch"

	var resp QueryAuditResponse
	err := s.transport.Invoke(ctx, ProofLedgerQueryMethod, &QueryAuditRequest{AuditID: auditID}, &resp)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.E(errors.KindNotFound, op, "proof not found", err)
		}
		return nil, errors.E(errors.KindNetworkTimeout, op, "call failed", err)
	}
	if !resp.Found {
		return nil, errors.E(errors.KindNotFound, op, "proof not found")
	}

	ts, _ := json.Marshal(resp.ProofTimestamp)
	if resp.ProofTimestamp == "" {
		ts = nil
	}
	return &proof.Record{
		AuditID:        auditID,
		IsVerified:     resp.IsVerified,
		ProofHash:      resp.ProofHash,
		AuditorID:      resp.AuditorID,
		ProofTimestamp: parseTimestamp(ts, s.now().UTC()),
		BlockHeight:    resp.BlockHeight,
		Threshold:      resp.Threshold,
		Source:         s.name,
	}, nil
}

// Close closes the underlying connection.
func (s *GRPCSource) Close() error {
	return s.transport.Close()
}

// =============================================================================
// Server side
// =============================================================================

// ProofLedgerServer is implemented by services answering QueryAudit.
type ProofLedgerServer interface {
	QueryAudit(ctx context.Context, req *QueryAuditRequest) (*QueryAuditResponse, error)
}

// RegisterProofLedgerServer registers srv on s. Clients must use the JSON
// codec (content subtype "json").
func RegisterProofLedgerServer(s *grpc.Server, srv ProofLedgerServer) {
	s.RegisterService(&proofLedgerServiceDesc, srv)
}

var proofLedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ProofLedgerService,
	HandlerType: (*ProofLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "QueryAudit",
			Handler:    queryAuditHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "judge/proof/v1/ledger.proto",
}

func queryAuditHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(QueryAuditRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProofLedgerServer).QueryAudit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ProofLedgerQueryMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProofLedgerServer).QueryAudit(ctx, req.(*QueryAuditRequest))
	}
	return interceptor(ctx, in, info, handler)
}
