package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	availabilitydomain "github.com/smallbiznis/keepr/internal/availability/domain"
	reservationdomain "github.com/smallbiznis/keepr/internal/reservation/domain"
)

type createReservationRequest struct {
	UnitID         string                         `json:"unit_id"`
	ClassID        string                         `json:"class_id"`
	HoldID         string                         `json:"hold_id"`
	Start          string                         `json:"start"`
	End            string                         `json:"end"`
	Constraints    availabilitydomain.Constraints `json:"constraints"`
	Features       []string                       `json:"features"`
	PreviousUnitID string                         `json:"previous_unit_id"`
	RatePlanCode   string                         `json:"rate_plan_code"`
	PromoCode      string                         `json:"promo_code"`
	TaxExemptCodes []string                       `json:"tax_exempt_codes"`
	PaymentMethod  string                         `json:"payment_method"`
	GuestRef       string                         `json:"guest_ref"`
}

func (s *Server) CreateReservation(c *gin.Context) {
	var req createReservationRequest
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
	holdID, err := parseOptionalSnowflakeID("hold_id", req.HoldID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	previous, err := parseOptionalSnowflakeID("previous_unit_id", req.PreviousUnitID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	bookReq := reservationdomain.BookRequest{
		TenantID:    tenantID(c),
		UnitID:      unitID,
		ClassID:     classID,
		HoldID:      holdID,
		Constraints: req.Constraints,
		Preferences: availabilitydomain.Preferences{
			Features:       req.Features,
			PreviousUnitID: previous,
		},
		RatePlanCode:   strings.TrimSpace(req.RatePlanCode),
		PromoCode:      strings.TrimSpace(req.PromoCode),
		TaxExemptCodes: req.TaxExemptCodes,
		PaymentMethod:  strings.TrimSpace(req.PaymentMethod),
		GuestRef:       strings.TrimSpace(req.GuestRef),
		IdempotencyKey: idempotencyKey(c),
		ActorID:        actorID(c),
	}
	// A hold carries its own range; dates are optional then.
	if holdID == 0 || req.Start != "" || req.End != "" {
		r, err := parseDateRange(req.Start, req.End)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		bookReq.Range = r
	}

	resp, err := s.reservationSvc.Book(c.Request.Context(), bookReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	markReplayed(c, resp.Replayed)
	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": resp})
}

func (s *Server) GetReservation(c *gin.Context) {
	reservationID, err := pathID(c, "id", "reservation_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.reservationSvc.Get(c.Request.Context(), tenantID(c), reservationID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type cancelReservationRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CancelReservation(c *gin.Context) {
	reservationID, err := pathID(c, "id", "reservation_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req cancelReservationRequest
	if c.Request.ContentLength > 0 {
		if err := bindJSON(c, &req); err != nil {
			AbortWithError(c, err)
			return
		}
	}

	resp, err := s.reservationSvc.Cancel(c.Request.Context(), reservationdomain.CancelRequest{
		TenantID:       tenantID(c),
		ReservationID:  reservationID,
		Reason:         strings.TrimSpace(req.Reason),
		IdempotencyKey: idempotencyKey(c),
		ActorID:        actorID(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	markReplayed(c, resp.Replayed)
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
