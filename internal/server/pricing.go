package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	pricingdomain "github.com/smallbiznis/keepr/internal/pricing/domain"
)

type quoteRequest struct {
	UnitID         string   `json:"unit_id"`
	ClassID        string   `json:"class_id"`
	Start          string   `json:"start"`
	End            string   `json:"end"`
	RatePlanCode   string   `json:"rate_plan_code"`
	PromoCode      string   `json:"promo_code"`
	TaxExemptCodes []string `json:"tax_exempt_codes"`
}

func (s *Server) Quote(c *gin.Context) {
	var req quoteRequest
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

	quote, err := s.pricingSvc.Quote(c.Request.Context(), pricingdomain.QuoteRequest{
		TenantID:       tenantID(c),
		UnitID:         unitID,
		ClassID:        classID,
		Range:          r,
		RatePlanCode:   strings.TrimSpace(req.RatePlanCode),
		PromoCode:      strings.TrimSpace(req.PromoCode),
		TaxExemptCodes: req.TaxExemptCodes,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": quote})
}
