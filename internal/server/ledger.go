package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/keepr/internal/ledger/domain"
	"github.com/smallbiznis/keepr/pkg/db/pagination"
)

type postLedgerEntryRequest struct {
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	Kind        string         `json:"kind"`
	Amount      int64          `json:"amount"`
	Currency    string         `json:"currency"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) PostLedgerEntry(c *gin.Context) {
	var req postLedgerEntryRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	subjectID, err := parseOptionalSnowflakeID("subject_id", req.SubjectID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.ledgerSvc.Post(c.Request.Context(), ledgerdomain.PostRequest{
		TenantID:       tenantID(c),
		SubjectType:    ledgerdomain.SubjectType(strings.TrimSpace(req.SubjectType)),
		SubjectID:      subjectID,
		Kind:           ledgerdomain.EntryKind(strings.TrimSpace(req.Kind)),
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: idempotencyKey(c),
		ActorID:        actorID(c),
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	markReplayed(c, resp.Replayed)
	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": resp.Entry})
}

func (s *Server) ListLedgerEntries(c *gin.Context) {
	subjectType, subjectID, err := ledgerSubject(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ledgerSvc.ListEntries(c.Request.Context(), tenantID(c), ledgerdomain.ListEntriesRequest{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Pagination:  query,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) LedgerBalance(c *gin.Context) {
	subjectType, subjectID, err := ledgerSubject(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.ledgerSvc.Balance(c.Request.Context(), tenantID(c), subjectType, subjectID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func ledgerSubject(c *gin.Context) (ledgerdomain.SubjectType, snowflake.ID, error) {
	subjectType := ledgerdomain.SubjectType(strings.TrimSpace(c.Param("subject_type")))
	if !subjectType.Valid() {
		return "", 0, newValidationError("subject_type", "invalid_subject_type", "invalid subject_type")
	}
	subjectID, err := pathID(c, "subject_id", "subject_id")
	if err != nil {
		return "", 0, err
	}
	return subjectType, subjectID, nil
}
