// Package api implements the Administrative and synchronous client surfaces
// of spec.md §6 on top of gin, in the teacher's router/handler split.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kdlbs/agentmesh/internal/common/apperrors"
	"github.com/kdlbs/agentmesh/internal/common/logger"
	"github.com/kdlbs/agentmesh/internal/orchestrator"
	"github.com/kdlbs/agentmesh/internal/providerpool"
	"github.com/kdlbs/agentmesh/internal/registry"
)

// Handler holds the collaborators every route needs: the Orchestrator for
// client-facing submit/cancel/describe/stats, and the Registry/Provider Pool
// for the read-mostly Administrative API.
type Handler struct {
	orchestrator *orchestrator.Orchestrator
	registry     *registry.Registry
	providers    *providerpool.Manager
	logger       *logger.Logger
}

// NewHandler builds a Handler bound to the given collaborators.
func NewHandler(orch *orchestrator.Orchestrator, reg *registry.Registry, providers *providerpool.Manager, log *logger.Logger) *Handler {
	return &Handler{orchestrator: orch, registry: reg, providers: providers, logger: log}
}

// respondError translates an apperrors.Error to its HTTP status and a
// client-safe JSON body; any other error is treated as internal.
func (h *Handler) respondError(c *gin.Context, err error) {
	appErr, ok := err.(*apperrors.Error)
	if !ok {
		appErr = apperrors.New(apperrors.KindInternalError, http.StatusInternalServerError, "internal error")
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"kind":    appErr.Kind,
		"message": appErr.Message,
	})
}

// --- Client-facing operations (§4.5 submitTask/cancelTask/describe/stats) ---

type submitRequest struct {
	SessionID    string         `json:"sessionId" binding:"required"`
	TaskType     string         `json:"taskType" binding:"required"`
	Payload      map[string]any `json:"payload"`
	Capability   string         `json:"capability"`
	Capabilities []string       `json:"capabilities"`
	Priority     int            `json:"priority"`
	DeadlineMS   int64          `json:"deadlineMs"`
}

// SubmitTask handles POST /v1/tasks: a synchronous-request variant of
// submitTask for clients that poll rather than hold a duplex session open.
func (h *Handler) SubmitTask(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.InvalidRequest(err.Error()))
		return
	}

	opts := orchestrator.SubmitOptions{
		Capability:   req.Capability,
		Capabilities: req.Capabilities,
		Priority:     req.Priority,
	}
	if req.DeadlineMS > 0 {
		opts.Deadline = msToTime(req.DeadlineMS)
	}

	taskID, err := h.orchestrator.SubmitTask(c.Request.Context(), req.SessionID, req.TaskType, req.Payload, opts)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": taskID})
}

// CancelTask handles DELETE /v1/tasks/:taskId.
func (h *Handler) CancelTask(c *gin.Context) {
	taskID := c.Param("taskId")
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		h.respondError(c, apperrors.InvalidRequest("sessionId query parameter is required"))
		return
	}

	if err := h.orchestrator.CancelTask(c.Request.Context(), sessionID, taskID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetStats handles GET /v1/stats.
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.Stats())
}

// Describe handles GET /v1/describe: the known Supervisor inventory and the
// capabilities each covers.
func (h *Handler) Describe(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.Describe())
}

// --- Administrative API (§6): read-only registry/provider snapshots, ---
// --- and privileged write endpoints.                                 ---

// ListAgents handles GET /v1/admin/agents.
func (h *Handler) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.registry.List()})
}

// DeregisterAgent handles DELETE /v1/admin/agents/:agentId.
func (h *Handler) DeregisterAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.registry.Deregister(agentID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ProviderStats handles GET /v1/admin/providers.
func (h *Handler) ProviderStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.providers.Stats()})
}

type disableProviderRequest struct {
	ProviderID string `json:"providerId" binding:"required"`
}

// DisableProvider handles POST /v1/admin/providers/disable: removes the
// provider's pool from the Manager, so later lookups of that provider fail
// fast with ProviderDisabled, e.g. in response to an incident, without
// waiting for organic failure detection.
func (h *Handler) DisableProvider(c *gin.Context) {
	var req disableProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.InvalidRequest(err.Error()))
		return
	}
	h.providers.Disable(req.ProviderID)
	c.Status(http.StatusNoContent)
}

// RouteAudit handles GET /v1/admin/routes: the RouteDecision trail the
// Orchestrator retains for diagnosing misrouted or unbalanced dispatch.
func (h *Handler) RouteAudit(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"decisions": h.orchestrator.RouteAudit()})
}
