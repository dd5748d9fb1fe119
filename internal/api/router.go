package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kdlbs/agentmesh/internal/common/httpmw"
	"github.com/kdlbs/agentmesh/internal/common/logger"
)

// SetupRoutes registers the client-facing and Administrative API route
// groups onto router, mirroring the teacher's SetupRoutes(group, service,
// logger) shape.
func SetupRoutes(router *gin.RouterGroup, h *Handler, ws *WSHandler, log *logger.Logger) {
	router.Use(httpmw.RequestLogger(log, "api"), httpmw.OtelTracing("api"))

	v1 := router.Group("/v1")

	v1.POST("/tasks", h.SubmitTask)
	v1.DELETE("/tasks/:taskId", h.CancelTask)
	v1.GET("/stats", h.GetStats)
	v1.GET("/describe", h.Describe)
	SetupWebSocketRoutes(v1, ws)

	admin := v1.Group("/admin")
	admin.GET("/agents", h.ListAgents)
	admin.DELETE("/agents/:agentId", h.DeregisterAgent)
	admin.GET("/providers", h.ProviderStats)
	admin.POST("/providers/disable", h.DisableProvider)
	admin.GET("/routes", h.RouteAudit)
}

// NewRouter builds a standalone *gin.Engine, for callers that don't need to
// mount the API under a larger router (tests, cmd/meshd).
func NewRouter(h *Handler, ws *WSHandler, log *logger.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	SetupRoutes(engine.Group(""), h, ws, log)
	return engine
}
