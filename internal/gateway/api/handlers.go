package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wsforge/wsforge/internal/common/config"
	"github.com/wsforge/wsforge/internal/common/errors"
	"github.com/wsforge/wsforge/internal/common/logger"
	"github.com/wsforge/wsforge/internal/workspace/activity"
	"github.com/wsforge/wsforge/internal/workspace/gc"
	"github.com/wsforge/wsforge/internal/workspace/meta"
	"github.com/wsforge/wsforge/internal/workspace/run"
	"github.com/wsforge/wsforge/internal/workspace/supervisor"
)

// HeaderPort carries the resolved host port on lookup responses.
const HeaderPort = "X-WS-Port"

// HeaderGatewayToken authenticates nginx subrequests on the port lookup.
// The token may also arrive as the ?token= query parameter, since nginx
// auth_request configs cannot always set headers.
const HeaderGatewayToken = "X-WS-Gateway-Token"

// PortLookupPath is the full route of the port lookup. nginx subrequests
// can present the gateway token but never a request signature, so the
// auth gate exempts this path from the signature step.
const PortLookupPath = "/internal/api/v1/lookup/port"

// Handler implements the internal API endpoints.
type Handler struct {
	supervisor *supervisor.Supervisor
	engine     *run.Engine
	observer   *run.Observer
	collector  *gc.Collector
	tracker    *activity.Tracker
	store      *meta.Store
	preview    config.PreviewConfig
	logger     *logger.Logger
	startedAt  time.Time
}

// NewHandler creates the handler.
func NewHandler(sup *supervisor.Supervisor, engine *run.Engine, observer *run.Observer, collector *gc.Collector, tracker *activity.Tracker, store *meta.Store, preview config.PreviewConfig, log *logger.Logger) *Handler {
	return &Handler{
		supervisor: sup,
		engine:     engine,
		observer:   observer,
		collector:  collector,
		tracker:    tracker,
		store:      store,
		preview:    preview,
		logger:     log,
		startedAt:  time.Now(),
	}
}

func userIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || id <= 0 {
		c.Error(errors.InputInvalid("userId must be a positive integer"))
		return 0, false
	}
	return id, true
}

func appIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("appId"), 10, 64)
	if err != nil || id <= 0 {
		c.Error(errors.InputInvalid("appId must be a positive integer"))
		return 0, false
	}
	return id, true
}

// Health reports liveness. Ungated.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.startedAt).String(),
	})
}

// EnsureWorkspace brings the user's container up.
func (h *Handler) EnsureWorkspace(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	h.tracker.Touch(userID)

	m, err := h.supervisor.Ensure(c.Request.Context(), userID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"containerName": m.ContainerName,
		"hostPort":      m.HostPort,
		"image":         m.Image,
		"previewUrl":    run.PreviewURL(h.preview, userID),
	})
}

// LaunchRun starts a managed task, ensuring the container first.
func (h *Handler) LaunchRun(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	h.tracker.Touch(userID)

	var req LaunchRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.InputInvalid("appId and type are required"))
		return
	}
	taskType, err := run.ParseTaskType(req.Type)
	if err != nil {
		c.Error(errors.InputInvalid(err.Error()))
		return
	}

	if _, err := h.supervisor.Ensure(c.Request.Context(), userID); err != nil {
		c.Error(err)
		return
	}

	result, err := h.engine.Launch(c.Request.Context(), userID, req.AppID, taskType)
	if err != nil {
		c.Error(err)
		return
	}
	if result.AlreadyRunning {
		c.JSON(http.StatusConflict, gin.H{
			"code":    "ALREADY_RUNNING",
			"message": "a task is already running for this user",
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// StopRun tears the current task down. Idempotent.
func (h *Handler) StopRun(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	h.tracker.Touch(userID)

	if err := h.engine.StopRun(c.Request.Context(), userID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// RunStatus returns the observer's reconciled view.
func (h *Handler) RunStatus(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	h.tracker.Touch(userID)

	status, err := h.observer.Observe(c.Request.Context(), userID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ForceRunMeta overwrites the durable run record, bypassing the
// optimistic stamp. Operator repair path for wedged records.
func (h *Handler) ForceRunMeta(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	var req ForceMetaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.InputInvalid("appId and type are required"))
		return
	}
	taskType, err := run.ParseTaskType(req.Type)
	if err != nil {
		c.Error(errors.InputInvalid(err.Error()))
		return
	}

	m := &run.Meta{
		AppID:     req.AppID,
		Type:      taskType,
		PID:       req.PID,
		StartedAt: time.Now().Unix(),
		ExitCode:  req.ExitCode,
		LogPath:   req.LogPath,
	}
	if err := h.engine.OverwriteMeta(userID, m); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"written": true})
}

// RemoveContainer force-removes the user's container.
func (h *Handler) RemoveContainer(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	if err := h.engine.StopRun(c.Request.Context(), userID); err != nil {
		c.Error(err)
		return
	}
	if err := h.supervisor.Remove(c.Request.Context(), userID); err != nil {
		c.Error(err)
		return
	}
	h.tracker.Forget(userID)
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// CleanupApp is the control-plane hook fired on app deletion.
func (h *Handler) CleanupApp(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	appID, ok := appIDParam(c)
	if !ok {
		return
	}

	if err := h.collector.CleanupApp(c.Request.Context(), userID, appID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleaned": true})
}

// SweepGC runs an orphan sweep against the supplied live app-id set.
func (h *Handler) SweepGC(c *gin.Context) {
	var req SweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.InputInvalid("liveAppIds is required"))
		return
	}

	live := make(map[int64]struct{}, len(req.LiveAppIDs))
	for _, id := range req.LiveAppIDs {
		live[id] = struct{}{}
	}
	report := h.collector.Sweep(c.Request.Context(), live)
	c.JSON(http.StatusOK, report)
}

// LookupPort resolves a user's host port for the reverse proxy. Response
// is 204 with the port in a header, the shape nginx's auth_request
// subrequest expects. Guarded by the gateway token unless the caller is
// loopback.
func (h *Handler) LookupPort(c *gin.Context) {
	token := h.preview.GatewayToken
	presented := c.GetHeader(HeaderGatewayToken)
	if presented == "" {
		presented = c.Query("token")
	}
	if token != "" && presented != token && !isLoopback(clientIP(c.Request.RemoteAddr)) {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	userID, err := strconv.ParseInt(c.Query("userId"), 10, 64)
	if err != nil || userID <= 0 {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	m, err := h.store.Load(userID)
	if err != nil || m == nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}

	// Proxied traffic counts as user activity.
	h.tracker.Touch(userID)

	c.Header(HeaderPort, strconv.Itoa(m.HostPort))
	c.Status(http.StatusNoContent)
}
