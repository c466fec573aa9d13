package gateway

import (
	"github.com/gin-gonic/gin"

	"github.com/echodesk/core/internal/middleware"
	"github.com/echodesk/core/internal/pkg/response"
)

// RegisterRoutes mounts socket.io and the stats endpoint.
func RegisterRoutes(rg *gin.RouterGroup, hub *Hub, authMW gin.HandlerFunc) {
	handler := gin.WrapH(hub.Handler())
	rg.Any("/socket.io", handler)
	rg.Any("/socket.io/*any", handler)

	rg.GET("/gateway/stats", authMW, func(c *gin.Context) {
		stats := gin.H{
			"total":   hub.ClientCount(""),
			"project": hub.ClientCount(middleware.CurrentProjectID(c)),
		}
		if middleware.CurrentStaffRole(c) == "admin" {
			stats["projects"] = hub.ProjectCounts()
		}
		response.OK(c, stats)
	})
}
