package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/internal/agent/orchestrator"
	"github.com/codepod-dev/codepod/internal/common/errors"
	"github.com/codepod-dev/codepod/internal/common/logger"
	"github.com/codepod-dev/codepod/internal/events/bus"
	"github.com/codepod-dev/codepod/internal/gateway"
	"github.com/codepod-dev/codepod/internal/project/models"
	projectstore "github.com/codepod-dev/codepod/internal/project/store"
	"github.com/codepod-dev/codepod/internal/sandbox/lifecycle"
	"github.com/codepod-dev/codepod/internal/sandbox/reaper"
	sandboxstore "github.com/codepod-dev/codepod/internal/sandbox/store"
)

// Handler contains the HTTP and websocket handlers.
type Handler struct {
	projects  projectstore.Store
	sandboxes sandboxstore.Store
	lifecycle *lifecycle.Manager
	reaper    *reaper.Reaper
	orch      *orchestrator.Orchestrator
	bus       bus.EventBus
	upgrader  websocket.Upgrader
	logger    *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(
	projects projectstore.Store,
	sandboxes sandboxstore.Store,
	lm *lifecycle.Manager,
	rp *reaper.Reaper,
	orch *orchestrator.Orchestrator,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Handler {
	return &Handler{
		projects:  projects,
		sandboxes: sandboxes,
		lifecycle: lm,
		reaper:    rp,
		orch:      orch,
		bus:       eventBus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log,
	}
}

func errorBody(appErr *errors.AppError) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		h.logger.Error("unhandled error", zap.Error(err))
		appErr = errors.InternalError("internal error", err)
	}
	c.JSON(appErr.HTTPStatus, errorBody(appErr))
}

// ownedProject loads the project and enforces that the caller owns it.
func (h *Handler) ownedProject(c *gin.Context, projectID string) (*models.Project, error) {
	project, err := h.projects.GetProject(c.Request.Context(), projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != callerID(c) {
		return nil, errors.Forbidden("project belongs to another user")
	}
	return project, nil
}

// ownedSandbox loads the sandbox and enforces ownership through its project.
func (h *Handler) ownedSandbox(c *gin.Context, sandboxID string) (*sandboxstore.Sandbox, error) {
	sb, err := h.sandboxes.Get(c.Request.Context(), sandboxID)
	if err != nil {
		return nil, err
	}
	if _, err := h.ownedProject(c, sb.ProjectID); err != nil {
		return nil, err
	}
	return sb, nil
}

// CreateProject creates a new project owned by the caller.
// POST /api/v1/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, errors.BadRequest(err.Error()))
		return
	}

	project := &models.Project{
		OwnerID: callerID(c),
		Name:    req.Name,
		RepoURL: req.RepoURL,
	}
	if err := h.projects.CreateProject(c.Request.Context(), project); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

// ListProjects lists the caller's projects.
// GET /api/v1/projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.projects.ListProjectsByOwner(c.Request.Context(), callerID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// GetProject returns one project.
// GET /api/v1/projects/:projectId
func (h *Handler) GetProject(c *gin.Context) {
	project, err := h.ownedProject(c, c.Param("projectId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// DeleteProject deletes a project, terminating its sandbox first.
// DELETE /api/v1/projects/:projectId
func (h *Handler) DeleteProject(c *gin.Context) {
	project, err := h.ownedProject(c, c.Param("projectId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	if sb, err := h.sandboxes.GetActiveByProject(ctx, project.ID); err == nil {
		if err := h.lifecycle.Terminate(ctx, sb.ID); err != nil {
			h.respondError(c, err)
			return
		}
	} else if !errors.IsNotFound(err) {
		h.respondError(c, err)
		return
	}

	if err := h.projects.DeleteProject(ctx, project.ID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMessages returns the project's conversation history in order.
// GET /api/v1/projects/:projectId/messages
func (h *Handler) ListMessages(c *gin.Context) {
	project, err := h.ownedProject(c, c.Param("projectId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	conv, err := h.projects.GetOrCreateConversation(ctx, project.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	messages, err := h.projects.ListMessages(ctx, conv.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// EnsureSandbox converges the project's sandbox to running.
// POST /api/v1/projects/:projectId/sandbox/ensure
func (h *Handler) EnsureSandbox(c *gin.Context) {
	project, err := h.ownedProject(c, c.Param("projectId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	sb, _, err := h.lifecycle.EnsureRunning(c.Request.Context(), project.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sb)
}

// PauseSandbox checkpoints a running sandbox.
// POST /api/v1/sandboxes/:sandboxId/pause
func (h *Handler) PauseSandbox(c *gin.Context) {
	sb, err := h.ownedSandbox(c, c.Param("sandboxId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.lifecycle.Pause(c.Request.Context(), sb.ID); err != nil {
		h.respondError(c, err)
		return
	}
	sb, err = h.sandboxes.Get(c.Request.Context(), sb.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sb)
}

// TerminateSandbox destroys a sandbox. Safe to repeat.
// POST /api/v1/sandboxes/:sandboxId/terminate
func (h *Handler) TerminateSandbox(c *gin.Context) {
	sb, err := h.ownedSandbox(c, c.Param("sandboxId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.lifecycle.Terminate(c.Request.Context(), sb.ID); err != nil {
		h.respondError(c, err)
		return
	}
	sb, err = h.sandboxes.Get(c.Request.Context(), sb.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sb)
}

// StopTurn cancels the project's in-flight agent turn.
// POST /api/v1/projects/:projectId/stop
func (h *Handler) StopTurn(c *gin.Context) {
	project, err := h.ownedProject(c, c.Param("projectId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StopResponse{Stopped: h.orch.Stop(project.ID)})
}

// TriggerCleanup runs one reaper sweep immediately.
// POST /api/v1/reaper/cleanup
func (h *Handler) TriggerCleanup(c *gin.Context) {
	paused, terminated, err := h.reaper.TriggerCleanup(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, CleanupResponse{Paused: paused, Terminated: terminated})
}

// Chat runs one agent turn over a websocket.
// GET /ws/projects/:projectId/chat?message=...
func (h *Handler) Chat(c *gin.Context) {
	project, err := h.ownedProject(c, c.Param("projectId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	message := c.Query("message")

	// Reject before upgrading so the client gets a proper HTTP status for
	// busy and validation errors
	events, err := h.orch.Chat(c.Request.Context(), project.ID, message)
	if err != nil {
		h.respondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		// The turn is already running; drain it so it can finish
		go func() {
			for range events {
			}
		}()
		return
	}
	defer conn.Close()

	gateway.StreamTurn(conn, events, h.logger.WithProjectID(project.ID))
}

// Events streams sandbox status notifications for all projects.
// GET /ws/events
func (h *Handler) Events(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	gateway.ServeFirehose(conn, h.bus, h.logger)
}

// Health reports service liveness.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"bus_connected": h.bus.IsConnected(),
	})
}
