package api

import (
	"github.com/gin-gonic/gin"

	"github.com/wsforge/wsforge/internal/common/logger"
	"github.com/wsforge/wsforge/internal/gateway/sse"
	"github.com/wsforge/wsforge/internal/gateway/websocket"
)

// SetupRouter builds the gin engine: ungated health plus the gated
// internal API under /internal/api/v1.
func SetupRouter(
	handler *Handler,
	streamer *sse.StatusStreamer,
	terminal *websocket.TerminalHandler,
	gate *AuthGate,
	log *logger.Logger,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(RequestLogger(log))
	router.Use(Recovery(log))

	router.GET("/health", handler.Health)

	v1 := router.Group("/internal/api/v1")
	v1.Use(gate.Middleware())
	v1.Use(ErrorHandler(log))
	{
		workspaces := v1.Group("/workspaces/:userId")
		{
			workspaces.POST("/ensure", handler.EnsureWorkspace)
			workspaces.DELETE("/container", handler.RemoveContainer)

			workspaces.POST("/runs", handler.LaunchRun)
			workspaces.DELETE("/runs", handler.StopRun)
			workspaces.GET("/runs/status", handler.RunStatus)
			workspaces.PUT("/runs/meta", handler.ForceRunMeta)
			workspaces.GET("/runs/stream", func(c *gin.Context) {
				userID, ok := userIDParam(c)
				if !ok {
					return
				}
				streamer.Stream(c, userID)
			})

			workspaces.GET("/terminal", func(c *gin.Context) {
				userID, ok := userIDParam(c)
				if !ok {
					return
				}
				terminal.Handle(c, userID)
			})

			workspaces.POST("/apps/:appId/cleanup", handler.CleanupApp)
		}

		v1.POST("/gc/sweep", handler.SweepGC)
		v1.GET("/lookup/port", handler.LookupPort)
	}

	return router
}
