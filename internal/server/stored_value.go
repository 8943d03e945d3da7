package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/keepr/internal/ledger/domain"
	storedvaluedomain "github.com/smallbiznis/keepr/internal/storedvalue/domain"
)

type issueStoredValueRequest struct {
	Type        string     `json:"type"`
	Code        string     `json:"code"`
	Currency    string     `json:"currency"`
	Amount      int64      `json:"amount"`
	PIN         string     `json:"pin"`
	TaxableLoad bool       `json:"taxable_load"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (s *Server) IssueStoredValue(c *gin.Context) {
	var req issueStoredValueRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.storedValueSvc.Issue(c.Request.Context(), storedvaluedomain.IssueRequest{
		TenantID:       tenantID(c),
		Type:           storedvaluedomain.AccountType(strings.TrimSpace(req.Type)),
		Code:           strings.TrimSpace(req.Code),
		Currency:       req.Currency,
		Amount:         req.Amount,
		PIN:            req.PIN,
		TaxableLoad:    req.TaxableLoad,
		ExpiresAt:      req.ExpiresAt,
		IdempotencyKey: idempotencyKey(c),
		ActorID:        actorID(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	writeStoredValueResult(c, http.StatusCreated, resp)
}

func (s *Server) GetStoredValue(c *gin.Context) {
	accountID, err := pathID(c, "id", "account_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.storedValueSvc.Get(c.Request.Context(), tenantID(c), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type adjustStoredValueRequest struct {
	Delta     int64  `json:"delta"`
	Kind      string `json:"kind"`
	PIN       string `json:"pin"`
	Reference string `json:"reference"`
}

func (s *Server) AdjustStoredValue(c *gin.Context) {
	accountID, err := pathID(c, "id", "account_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req adjustStoredValueRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.storedValueSvc.AdjustStoredValue(c.Request.Context(), storedvaluedomain.AdjustRequest{
		TenantID:       tenantID(c),
		AccountID:      accountID,
		Delta:          req.Delta,
		Kind:           ledgerdomain.EntryKind(strings.TrimSpace(req.Kind)),
		IdempotencyKey: idempotencyKey(c),
		PIN:            req.PIN,
		Reference:      strings.TrimSpace(req.Reference),
		ActorID:        actorID(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	writeStoredValueResult(c, http.StatusOK, resp)
}

type voidStoredValueRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) VoidStoredValue(c *gin.Context) {
	accountID, err := pathID(c, "id", "account_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req voidStoredValueRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.storedValueSvc.Void(c.Request.Context(), storedvaluedomain.VoidRequest{
		TenantID:       tenantID(c),
		AccountID:      accountID,
		Reason:         strings.TrimSpace(req.Reason),
		IdempotencyKey: idempotencyKey(c),
		ActorID:        actorID(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	writeStoredValueResult(c, http.StatusOK, resp)
}

func writeStoredValueResult(c *gin.Context, status int, res storedvaluedomain.Result) {
	markReplayed(c, res.Replayed)
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": res})
}
