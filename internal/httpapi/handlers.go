// Package httpapi is the local HTTP surface: REST routes under /api,
// the SSE streams and the websocket upgrade to the frame transport.
package httpapi

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/auth"
	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/push"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/settings"
	"github.com/agentdeck/agentdeck/internal/transcript"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

type jsonRaw = json.RawMessage

// Handler contains the HTTP handlers for the server API.
type Handler struct {
	store    *transcript.Store
	view     *session.View
	sup      *agent.Supervisor
	meta     *session.MetaStore
	bus      *bus.Bus
	settings *settings.Store
	push     *push.Store
	auth     *auth.Store
	tokens   *auth.TokenIssuer
	logins   *auth.LoginBroker
	logger   *logger.Logger
}

// respondError maps an error onto the wire error body.
func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = apperrors.InternalError("unexpected error", err)
	}
	if appErr.Code == apperrors.ErrCodeInternalError {
		h.logger.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("correlation_id", appErr.CorrelationID),
			zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, v1.ErrorResponse{
		Error:         appErr.Message,
		Code:          appErr.Code,
		CorrelationID: appErr.CorrelationID,
	})
}

// ListProjects returns every project under the root with counts.
// GET /api/projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.store.Projects()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// GetProject returns project metadata with session summaries.
// GET /api/projects/:projectId
func (h *Handler) GetProject(c *gin.Context) {
	projectID := c.Param("projectId")

	projects, err := h.store.Projects()
	if err != nil {
		h.respondError(c, err)
		return
	}
	var project *transcript.Project
	for i := range projects {
		if projects[i].ID == projectID {
			project = &projects[i]
			break
		}
	}
	if project == nil {
		h.respondError(c, apperrors.NotFound("project", projectID))
		return
	}

	summaries, err := h.view.Summaries(c.Request.Context(), projectID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project, "sessions": summaries})
}

// GetSession reads a session, merged with live state. The afterMessageId
// query resumes an interrupted stream; an unknown id returns the full
// projection so the client can resync.
// GET /api/projects/:projectId/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	detail, err := h.view.Get(c.Request.Context(),
		c.Param("projectId"), c.Param("sessionId"), c.Query("afterMessageId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// StartSession spawns a new owned session in a project.
// POST /api/projects/:projectId/sessions
func (h *Handler) StartSession(c *gin.Context) {
	var req v1.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.sup.StartSession(c.Request.Context(), c.Param("projectId"), req.Message, mode)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v1.StartSessionResponse{
		SessionID:   result.SessionID,
		ProcessID:   result.ProcessID,
		ModeVersion: result.ModeVersion,
	})
}

// ResumeSession resumes an idle session, optionally queueing a message.
// POST /api/projects/:projectId/sessions/:sessionId/resume
func (h *Handler) ResumeSession(c *gin.Context) {
	var req v1.ResumeSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.sup.Resume(c.Request.Context(),
		c.Param("projectId"), c.Param("sessionId"), req.Message, mode)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.StartSessionResponse{
		SessionID:   result.SessionID,
		ProcessID:   result.ProcessID,
		ModeVersion: result.ModeVersion,
	})
}

// QueueMessage queues operator input on an owned session.
// POST /api/sessions/:sessionId/messages
func (h *Handler) QueueMessage(c *gin.Context) {
	var req v1.QueueMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if req.Content == "" {
		h.respondError(c, apperrors.BadRequest("content is required"))
		return
	}

	depth, err := h.sup.Queue(c.Param("sessionId"), req.Content, req.TempID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, v1.QueueMessageResponse{QueueDepth: depth})
}

// RespondInput answers a pending input request.
// POST /api/sessions/:sessionId/input
func (h *Handler) RespondInput(c *gin.Context) {
	var req v1.InputResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if req.RequestID == "" {
		h.respondError(c, apperrors.BadRequest("requestId is required"))
		return
	}

	if err := h.sup.RespondToInput(c.Param("sessionId"), req.RequestID, req.Response); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SetMode updates the permission mode on an owned session. A stale
// modeVersion is ignored and the current version returned.
// PUT /api/sessions/:sessionId/mode
func (h *Handler) SetMode(c *gin.Context) {
	var req v1.SetModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	version, err := h.sup.SetPermissionMode(c.Param("sessionId"), agent.Mode(req.Mode), req.ModeVersion)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.SetModeResponse{Mode: req.Mode, ModeVersion: version})
}

// SetHold pauses or releases outbound sends on an owned session.
// POST /api/sessions/:sessionId/hold
func (h *Handler) SetHold(c *gin.Context) {
	var req struct {
		On bool `json:"on"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := h.sup.SetHold(c.Param("sessionId"), req.On); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PatchMetadata updates operator-facing session metadata.
// PATCH /api/sessions/:sessionId/metadata
func (h *Handler) PatchMetadata(c *gin.Context) {
	var req v1.MetadataPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}

	meta, err := h.meta.Apply(c.Request.Context(), c.Param("sessionId"), session.MetadataPatch{
		CustomTitle: req.CustomTitle,
		Starred:     req.Starred,
		Archived:    req.Archived,
		Seen:        req.Seen,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

// GetSubAgent resolves a Task tool-use to its sub-agent transcript.
// GET /api/sessions/:sessionId/agents/:toolUseId
func (h *Handler) GetSubAgent(c *gin.Context) {
	sessionID := c.Param("sessionId")
	projectID, err := h.store.FindSession(sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	detail, err := h.view.ResolveSubAgent(c.Request.Context(), projectID, sessionID, c.Param("toolUseId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// ListProcesses snapshots the supervisor.
// GET /api/processes
func (h *Handler) ListProcesses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"processes": h.sup.List()})
}

// AbortProcess terminates a process. The session stays resumable.
// POST /api/processes/:processId/abort
func (h *Handler) AbortProcess(c *gin.Context) {
	if err := h.sup.Abort(c.Param("processId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetSettings returns the settings document.
// GET /api/settings
func (h *Handler) GetSettings(c *gin.Context) {
	doc, err := h.settings.Get()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// ReplaceSettings overwrites the settings document.
// PUT /api/settings
func (h *Handler) ReplaceSettings(c *gin.Context) {
	doc := map[string]jsonRaw{}
	if err := c.ShouldBindJSON(&doc); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := h.settings.Replace(doc); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// PatchSettings merges top-level keys into the settings document.
// PATCH /api/settings
func (h *Handler) PatchSettings(c *gin.Context) {
	patch := map[string]jsonRaw{}
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	doc, err := h.settings.Patch(patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// SubscribePush registers a browser profile for notifications.
// POST /api/push/subscribe
func (h *Handler) SubscribePush(c *gin.Context) {
	var req v1.PushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	err := h.push.Save(push.Subscription{
		ProfileID: req.ProfileID,
		Endpoint:  req.Endpoint,
		Keys:      push.Keys{P256dh: req.Keys.P256dh, Auth: req.Keys.Auth},
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

// UnsubscribePush removes a profile's registration.
// POST /api/push/unsubscribe
func (h *Handler) UnsubscribePush(c *gin.Context) {
	var req struct {
		ProfileID string `json:"profileId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := h.push.Delete(req.ProfileID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListPush lists the stored registrations.
// GET /api/push/subscriptions
func (h *Handler) ListPush(c *gin.Context) {
	subs, err := h.push.All()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

func parseMode(raw string) (agent.Mode, error) {
	if raw == "" {
		return agent.ModeDefault, nil
	}
	mode := agent.Mode(raw)
	if !agent.ValidMode(mode) {
		return "", apperrors.BadRequest("invalid permission mode: " + raw)
	}
	return mode, nil
}
