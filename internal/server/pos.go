package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/keepr/internal/observability/context"
	posdomain "github.com/smallbiznis/keepr/internal/pos/domain"
)

const statusPendingVerification = "pending_verification"

func (s *Server) ReplayOffline(c *gin.Context) {
	var req posdomain.ReplayRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		req.DeviceID = strings.TrimSpace(c.GetHeader(HeaderDevice))
	}
	if req.DeviceID != "" {
		c.Request = c.Request.WithContext(obscontext.WithDeviceID(c.Request.Context(), req.DeviceID))
	}
	if !s.allowDevice(c, req.DeviceID) {
		return
	}
	req.TenantID = tenantID(c)
	req.ActorID = actorID(c)
	if req.ActorID == "" {
		req.ActorID = req.DeviceID
	}

	resp, err := s.posSvc.ReplayOffline(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	switch {
	case resp.NeedsReview:
		// The sale is stored and awaits a manager; the device must not retry.
		c.JSON(http.StatusAccepted, gin.H{"status": statusPendingVerification, "data": resp})
	case resp.Duplicate:
		markReplayed(c, true)
		c.JSON(http.StatusOK, gin.H{"status": string(resp.Status), "data": resp})
	default:
		c.JSON(http.StatusCreated, gin.H{"status": string(resp.Status), "data": resp})
	}
}

func (s *Server) GetOfflineReplay(c *gin.Context) {
	recordID, err := pathID(c, "id", "record_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.posSvc.Get(c.Request.Context(), tenantID(c), recordID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type resolveOfflineReplayRequest struct {
	Action string `json:"action"`
	Note   string `json:"note"`
}

func (s *Server) ResolveOfflineReplay(c *gin.Context) {
	recordID, err := pathID(c, "id", "record_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req resolveOfflineReplayRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.posSvc.ResolveReview(c.Request.Context(), posdomain.ResolveRequest{
		TenantID: tenantID(c),
		RecordID: recordID,
		Action:   posdomain.ResolveAction(strings.ToLower(strings.TrimSpace(req.Action))),
		Note:     strings.TrimSpace(req.Note),
		ActorID:  actorID(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
