package api

import (
	"github.com/gin-gonic/gin"

	"github.com/codepod-dev/codepod/internal/common/logger"
)

// SetupRouter builds the gin engine with all routes and middleware.
func SetupRouter(h *Handler, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), CORS())

	router.GET("/health", h.Health)

	v1 := router.Group("/api/v1")
	v1.Use(Auth())
	{
		projects := v1.Group("/projects")
		{
			projects.POST("", h.CreateProject)
			projects.GET("", h.ListProjects)
			projects.GET("/:projectId", h.GetProject)
			projects.DELETE("/:projectId", h.DeleteProject)

			projects.GET("/:projectId/messages", h.ListMessages)
			projects.POST("/:projectId/sandbox/ensure", h.EnsureSandbox)
			projects.POST("/:projectId/stop", h.StopTurn)
		}

		sandboxes := v1.Group("/sandboxes")
		{
			sandboxes.POST("/:sandboxId/pause", h.PauseSandbox)
			sandboxes.POST("/:sandboxId/terminate", h.TerminateSandbox)
		}

		v1.POST("/reaper/cleanup", h.TriggerCleanup)
	}

	ws := router.Group("/ws")
	ws.Use(Auth())
	{
		ws.GET("/projects/:projectId/chat", h.Chat)
		ws.GET("/events", h.Events)
	}

	return router
}
