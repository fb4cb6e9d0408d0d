package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/exploopio/judge/pkg/backend"
	"github.com/exploopio/judge/pkg/errors"
	"github.com/exploopio/judge/pkg/judge"
	"github.com/exploopio/judge/pkg/proof"
)

type outcomeRequest struct {
	AuditorID   string    `json:"auditor_id"`
	Compromised bool      `json:"compromised"`
	Exploit     string    `json:"exploit"`
	RiskScore   int       `json:"risk_score"`
	Threshold   int       `json:"threshold"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type verifyRequest struct {
	AuditID   string `json:"audit_id"`
	AuditorID string `json:"auditor_id"`
}

type batchRequest struct {
	AuditIDs  []string `json:"audit_ids"`
	AuditorID string   `json:"auditor_id"`
}

type verifyResponse struct {
	proof.Result
	Reason string `json:"reason"`
}

type batchResponse struct {
	Results      []verifyResponse `json:"results"`
	Total        int              `json:"total"`
	Valid        int              `json:"valid"`
	HighSeverity int              `json:"high_severity"`
}

type exportResponse struct {
	AuditID string `json:"audit_id"`
	Format  string `json:"format"`
	Proof   string `json:"proof"`
}

type errorBody struct {
	Error     string           `json:"error"`
	Kind      string           `json:"kind"`
	RequestID string           `json:"request_id,omitempty"`
	Claim     *judge.ClaimView `json:"claim,omitempty"`
}

func (s *Server) handleOutcome(c *gin.Context) {
	var req outcomeRequest
	if !bind(c, &req) {
		return
	}
	view, err := s.cfg.Coordinator.HandleOutcome(c.Request.Context(), judge.AttackOutcome{
		AuditorID:   req.AuditorID,
		Compromised: req.Compromised,
		Witness:     backend.NewWitness(req.Exploit, req.RiskScore),
		Threshold:   req.Threshold,
		OccurredAt:  req.OccurredAt,
	})
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) settleClaim(c *gin.Context) {
	var claim judge.Claim
	if !bind(c, &claim) {
		return
	}
	view, err := s.cfg.Coordinator.SettleClaim(c.Request.Context(), claim)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) retrySettlement(c *gin.Context) {
	view, err := s.cfg.Coordinator.RetrySettlement(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, view)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) getClaim(c *gin.Context) {
	view, ok := s.cfg.Coordinator.Claim(c.Param("id"))
	if !ok {
		s.fail(c, errors.E(errors.KindNotFound, "api.getClaim", "unknown claim"), nil)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) listClaims(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"claims": s.cfg.Coordinator.Claims()})
}

func (s *Server) verifyProof(c *gin.Context) {
	var req verifyRequest
	if !bind(c, &req) {
		return
	}
	res := s.cfg.Verifier.Verify(c.Request.Context(), req.AuditID, req.AuditorID)
	c.JSON(http.StatusOK, verifyResponse{Result: res, Reason: res.Reason()})
}

func (s *Server) batchVerify(c *gin.Context) {
	var req batchRequest
	if !bind(c, &req) {
		return
	}
	switch {
	case len(req.AuditIDs) == 0:
		s.fail(c, errors.E(errors.KindInvalidInput, "api.batchVerify", "audit_ids is empty"), nil)
		return
	case len(req.AuditIDs) > s.cfg.MaxBatch:
		s.fail(c, errors.E(errors.KindInvalidInput, "api.batchVerify", "too many audit_ids"), nil)
		return
	}

	results := s.cfg.Verifier.BatchVerify(c.Request.Context(), req.AuditIDs, req.AuditorID)
	resp := batchResponse{Results: make([]verifyResponse, len(results)), Total: len(results)}
	for i, r := range results {
		resp.Results[i] = verifyResponse{Result: r, Reason: r.Reason()}
		if r.IsValid {
			resp.Valid++
			if r.IsHighSeverity {
				resp.HighSeverity++
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) exportProof(c *gin.Context) {
	id := c.Param("id")
	format := c.DefaultQuery("format", string(proof.FormatJSON))
	out, err := s.cfg.Coordinator.GetVerificationProof(c.Request.Context(), id, format)
	if err != nil {
		s.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, exportResponse{AuditID: id, Format: format, Proof: out})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Coordinator.Stats())
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{
			Error:     "malformed request body: " + err.Error(),
			Kind:      errors.KindInvalidInput.String(),
			RequestID: c.GetString(ctxRequestID),
		})
		return false
	}
	return true
}

// fail writes err with the status of its kind. Invalid input against an
// existing claim is a conflict. Internal errors are logged and replaced by a
// generic message.
func (s *Server) fail(c *gin.Context, err error, view *judge.ClaimView) {
	kind := errors.GetKind(err)
	status := statusFor(kind)
	if kind == errors.KindInvalidInput && view != nil {
		status = http.StatusConflict
	}

	msg := err.Error()
	if status >= http.StatusInternalServerError && kind != errors.KindUnavailable &&
		kind != errors.KindNetworkTimeout && kind != errors.KindPayoutFailed {
		s.logger.Error("request %s failed: %v", c.GetString(ctxRequestID), err)
		msg = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errorBody{
		Error:     msg,
		Kind:      kind.String(),
		RequestID: c.GetString(ctxRequestID),
		Claim:     view,
	})
}

func statusFor(kind errors.Kind) int {
	switch kind {
	case errors.KindInvalidInput:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindDuplicate:
		return http.StatusConflict
	case errors.KindRateLimited, errors.KindCooldown, errors.KindDailyCap:
		return http.StatusTooManyRequests
	case errors.KindExpired, errors.KindProofInvalid, errors.KindAuditorMismatch,
		errors.KindBelowThreshold, errors.KindVerificationFailed:
		return http.StatusUnprocessableEntity
	case errors.KindNetworkTimeout:
		return http.StatusGatewayTimeout
	case errors.KindPayoutFailed:
		return http.StatusBadGateway
	case errors.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
