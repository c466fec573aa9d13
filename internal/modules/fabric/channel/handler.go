package channel

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/echodesk/core/internal/middleware"
	"github.com/echodesk/core/internal/modules/fabric/wukong"
	"github.com/echodesk/core/internal/pkg/response"
)

// Handler exposes the substrate pass-throughs to the operator console.
type Handler struct {
	adapter *Adapter
}

func NewHandler(adapter *Adapter) *Handler {
	return &Handler{adapter: adapter}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	grp := rg.Group("/channels", authMW)
	grp.POST("/search", h.search)
	grp.POST("/conversations/sync", h.syncConversations)
	grp.POST("/conversations/unread", h.setUnread)
	grp.POST("/device/kick", middleware.RequireAdmin(), h.kickDevice)
}

func (h *Handler) search(c *gin.Context) {
	var req wukong.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}
	if strings.TrimSpace(req.ChannelID) == "" {
		response.BadRequest(c, "channel_id is required")
		return
	}
	if req.LoginUID == "" {
		req.LoginUID = StaffUID(middleware.CurrentStaffID(c))
	}

	msgs, err := h.adapter.SearchMessages(c.Request.Context(), req)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, gin.H{"messages": msgs})
}

func (h *Handler) syncConversations(c *gin.Context) {
	var req struct {
		UID      string `json:"uid"`
		Version  int64  `json:"version"`
		MsgCount int    `json:"msg_count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}
	if req.UID == "" {
		req.UID = StaffUID(middleware.CurrentStaffID(c))
	}

	convs, err := h.adapter.SyncConversations(c.Request.Context(), req.UID, req.Version, req.MsgCount)
	if err != nil {
		response.Fail(c, err)
		return
	}
	response.OK(c, gin.H{"conversations": convs})
}

func (h *Handler) setUnread(c *gin.Context) {
	var req struct {
		UID         string `json:"uid"`
		ChannelID   string `json:"channel_id"`
		ChannelType int    `json:"channel_type"`
		Unread      int    `json:"unread"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}
	if strings.TrimSpace(req.ChannelID) == "" {
		response.BadRequest(c, "channel_id is required")
		return
	}
	if req.UID == "" {
		req.UID = StaffUID(middleware.CurrentStaffID(c))
	}
	if req.ChannelType == 0 {
		req.ChannelType = wukong.ChannelTypeCS
	}

	if err := h.adapter.SetUnread(c.Request.Context(), req.UID, req.ChannelID, req.ChannelType, req.Unread); err != nil {
		response.Fail(c, err)
		return
	}
	response.NoContent(c)
}

func (h *Handler) kickDevice(c *gin.Context) {
	var req struct {
		UID        string `json:"uid"`
		DeviceFlag int    `json:"device_flag"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid json body")
		return
	}
	if strings.TrimSpace(req.UID) == "" {
		response.BadRequest(c, "uid is required")
		return
	}

	if err := h.adapter.KickDevice(c.Request.Context(), req.UID, req.DeviceFlag); err != nil {
		response.Fail(c, err)
		return
	}
	response.NoContent(c)
}
