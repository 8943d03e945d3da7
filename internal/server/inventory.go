package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	inventorydomain "github.com/smallbiznis/keepr/internal/inventory/domain"
	"github.com/smallbiznis/keepr/pkg/db/pagination"
)

func (s *Server) CreateUnitClass(c *gin.Context) {
	var req inventorydomain.CreateUnitClassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.inventorySvc.CreateUnitClass(c.Request.Context(), tenantID(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) CreateUnit(c *gin.Context) {
	var req inventorydomain.CreateUnitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.inventorySvc.CreateUnit(c.Request.Context(), tenantID(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetUnit(c *gin.Context) {
	unitID, err := pathID(c, "id", "unit_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.inventorySvc.GetUnit(c.Request.Context(), tenantID(c), unitID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListUnits(c *gin.Context) {
	var query struct {
		pagination.Pagination
		ClassID string `form:"class_id"`
		Active  string `form:"active"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	active, err := parseOptionalBool(query.Active)
	if err != nil {
		AbortWithError(c, newValidationError("active", "invalid_active", "invalid active"))
		return
	}

	resp, err := s.inventorySvc.ListUnits(c.Request.Context(), tenantID(c), inventorydomain.ListUnitsRequest{
		ClassID:   strings.TrimSpace(query.ClassID),
		Active:    active,
		PageToken: query.PageToken,
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type setUnitActiveRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) SetUnitActive(c *gin.Context) {
	unitID, err := pathID(c, "id", "unit_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req setUnitActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Active == nil {
		AbortWithError(c, newValidationError("active", "required", "active is required"))
		return
	}

	resp, err := s.inventorySvc.SetUnitActive(c.Request.Context(), tenantID(c), unitID, *req.Active)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetClaims(c *gin.Context) {
	unitID, err := pathID(c, "id", "unit_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	r, err := parseDateRange(c.Query("start"), c.Query("end"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	kinds, err := parseClaimKinds(c.Query("kinds"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	claims, err := s.inventorySvc.GetClaims(c.Request.Context(), tenantID(c), unitID, r, inventorydomain.ClaimQuery{Kinds: kinds})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if claims == nil {
		claims = []inventorydomain.DateRangeClaim{}
	}

	c.JSON(http.StatusOK, gin.H{"data": claims})
}

func (s *Server) ListFreeUnits(c *gin.Context) {
	classID, err := pathID(c, "id", "class_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	r, err := parseDateRange(c.Query("start"), c.Query("end"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	exclude, err := parseClaimKinds(c.Query("exclude_kinds"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	units, err := s.inventorySvc.ListFreeUnits(c.Request.Context(), tenantID(c), classID, r, exclude)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if units == nil {
		units = []inventorydomain.BookableUnit{}
	}

	c.JSON(http.StatusOK, gin.H{"data": units})
}
