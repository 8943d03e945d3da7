package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	availabilitydomain "github.com/smallbiznis/keepr/internal/availability/domain"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
)

type checkAvailabilityRequest struct {
	UnitID      string                         `json:"unit_id"`
	ClassID     string                         `json:"class_id"`
	Start       string                         `json:"start"`
	End         string                         `json:"end"`
	Constraints availabilitydomain.Constraints `json:"constraints"`
}

func (s *Server) CheckAvailability(c *gin.Context) {
	var req checkAvailabilityRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	unitID, err := parseOptionalSnowflakeID("unit_id", req.UnitID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	classID, err := parseOptionalSnowflakeID("class_id", req.ClassID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	r, err := parseDateRange(req.Start, req.End)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.availSvc.CheckAvailability(c.Request.Context(), availabilitydomain.CheckRequest{
		TenantID:    tenantID(c),
		UnitID:      unitID,
		ClassID:     classID,
		Range:       r,
		Constraints: req.Constraints,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type selectUnitRequest struct {
	ClassID     string                         `json:"class_id"`
	Start       string                         `json:"start"`
	End         string                         `json:"end"`
	Constraints availabilitydomain.Constraints `json:"constraints"`
	Preferences struct {
		Features       []string `json:"features"`
		PreviousUnitID string   `json:"previous_unit_id"`
	} `json:"preferences"`
}

func (s *Server) SelectBestUnit(c *gin.Context) {
	var req selectUnitRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	classID, err := parseOptionalSnowflakeID("class_id", req.ClassID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	previous, err := parseOptionalSnowflakeID("previous_unit_id", req.Preferences.PreviousUnitID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	r, err := parseDateRange(req.Start, req.End)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	best, err := s.availSvc.SelectBestUnit(c.Request.Context(), availabilitydomain.SelectRequest{
		TenantID:    tenantID(c),
		ClassID:     classID,
		Range:       r,
		Constraints: req.Constraints,
		Preferences: availabilitydomain.Preferences{
			Features:       req.Preferences.Features,
			PreviousUnitID: previous,
		},
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// No free unit is an answer, not an error.
	c.JSON(http.StatusOK, gin.H{"data": best})
}

type createClaimRequest struct {
	UnitID      string                         `json:"unit_id"`
	Start       string                         `json:"start"`
	End         string                         `json:"end"`
	Kind        string                         `json:"kind"`
	SubjectID   string                         `json:"subject_id"`
	ExpiresAt   *time.Time                     `json:"expires_at"`
	Constraints availabilitydomain.Constraints `json:"constraints"`
}

func (s *Server) CreateClaim(c *gin.Context) {
	var req createClaimRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	unitID, err := parseOptionalSnowflakeID("unit_id", req.UnitID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	subjectID, err := parseOptionalSnowflakeID("subject_id", req.SubjectID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	r, err := parseDateRange(req.Start, req.End)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	claimReq := availabilitydomain.ClaimRequest{
		TenantID:    tenantID(c),
		UnitID:      unitID,
		Range:       r,
		Kind:        inventorydomain.ClaimKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		SubjectID:   subjectID,
		ActorID:     actorID(c),
		Constraints: req.Constraints,
	}
	if req.ExpiresAt != nil {
		claimReq.ExpiresAt = *req.ExpiresAt
	}

	result, err := s.availSvc.CreateClaim(c.Request.Context(), claimReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !result.OK() {
		AbortWithError(c, result.Err())
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": result.Claim})
}

type releaseClaimRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) ReleaseClaim(c *gin.Context) {
	claimID, err := pathID(c, "id", "claim_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req releaseClaimRequest
	if c.Request.ContentLength > 0 {
		if err := bindJSON(c, &req); err != nil {
			AbortWithError(c, err)
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = availabilitydomain.ReleaseReasonCancelled
	}

	claim, err := s.availSvc.ReleaseClaim(c.Request.Context(), tenantID(c), claimID, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": claim})
}

type extendHoldRequest struct {
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) ExtendHold(c *gin.Context) {
	claimID, err := pathID(c, "id", "claim_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req extendHoldRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}
	if req.ExpiresAt == nil {
		AbortWithError(c, newValidationError("expires_at", "required", "expires_at is required"))
		return
	}

	claim, err := s.availSvc.ExtendHold(c.Request.Context(), tenantID(c), claimID, *req.ExpiresAt)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": claim})
}

type convertHoldRequest struct {
	SubjectID   string                         `json:"subject_id"`
	Constraints availabilitydomain.Constraints `json:"constraints"`
}

func (s *Server) ConvertHold(c *gin.Context) {
	holdID, err := pathID(c, "id", "claim_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req convertHoldRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}
	subjectID, err := parseOptionalSnowflakeID("subject_id", req.SubjectID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.availSvc.ConvertHold(c.Request.Context(), availabilitydomain.ConvertRequest{
		TenantID:    tenantID(c),
		HoldID:      holdID,
		SubjectID:   subjectID,
		Constraints: req.Constraints,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !result.OK() {
		AbortWithError(c, result.Err())
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result.Claim})
}
