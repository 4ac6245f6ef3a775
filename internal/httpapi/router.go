package httpapi

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/auth"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/frames"
	"github.com/agentdeck/agentdeck/internal/gateway/websocket"
	"github.com/agentdeck/agentdeck/internal/push"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/settings"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

// Deps are the explicitly-constructed server components the API routes
// over. There are no process-wide singletons.
type Deps struct {
	Store    *transcript.Store
	View     *session.View
	Sup      *agent.Supervisor
	Meta     *session.MetaStore
	Bus      *bus.Bus
	Settings *settings.Store
	Push     *push.Store
	Auth     *auth.Store
	Tokens   *auth.TokenIssuer

	// UploadDir and MaxUploadSize configure the frame-transport upload
	// manager.
	UploadDir     string
	MaxUploadSize int64
}

// NewRouter builds the gin engine serving /api for both carriers: plain
// HTTP locally, and request frames tunneled back into the same engine
// from the websocket and relay transports.
func NewRouter(deps Deps, log *logger.Logger) *gin.Engine {
	h := &Handler{
		store:    deps.Store,
		view:     deps.View,
		sup:      deps.Sup,
		meta:     deps.Meta,
		bus:      deps.Bus,
		settings: deps.Settings,
		push:     deps.Push,
		auth:     deps.Auth,
		tokens:   deps.Tokens,
		logins:   auth.NewLoginBroker(deps.Auth),
		logger:   log.WithFields(zap.String("component", "httpapi")),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(AuthRequired(deps.Auth, deps.Tokens))

	api := router.Group("/api")
	{
		api.GET("/projects", h.ListProjects)
		api.GET("/projects/:projectId", h.GetProject)
		api.GET("/projects/:projectId/sessions/:sessionId", h.GetSession)
		api.POST("/projects/:projectId/sessions", h.StartSession)
		api.POST("/projects/:projectId/sessions/:sessionId/resume", h.ResumeSession)

		api.POST("/sessions/:sessionId/messages", h.QueueMessage)
		api.POST("/sessions/:sessionId/input", h.RespondInput)
		api.PUT("/sessions/:sessionId/mode", h.SetMode)
		api.POST("/sessions/:sessionId/hold", h.SetHold)
		api.PATCH("/sessions/:sessionId/metadata", h.PatchMetadata)
		api.GET("/sessions/:sessionId/agents/:toolUseId", h.GetSubAgent)
		api.GET("/sessions/:sessionId/stream", h.SessionStream)

		api.GET("/processes", h.ListProcesses)
		api.POST("/processes/:processId/abort", h.AbortProcess)

		api.GET("/activity/stream", h.ActivityStream)

		api.GET("/settings", h.GetSettings)
		api.PUT("/settings", h.ReplaceSettings)
		api.PATCH("/settings", h.PatchSettings)

		authGroup := api.Group("/auth")
		{
			authGroup.GET("/status", h.AuthStatus)
			authGroup.POST("/enable", h.EnableAuth)
			authGroup.POST("/disable", h.DisableAuth)
			authGroup.POST("/login/start", h.LoginStart)
			authGroup.POST("/login/exchange", h.LoginExchange)
			authGroup.POST("/login/finish", h.LoginFinish)
			authGroup.POST("/logout", h.Logout)
			authGroup.POST("/change-password", h.ChangePassword)
		}

		pushGroup := api.Group("/push")
		{
			pushGroup.POST("/subscribe", h.SubscribePush)
			pushGroup.POST("/unsubscribe", h.UnsubscribePush)
			pushGroup.GET("/subscriptions", h.ListPush)
		}
	}

	// The websocket upgrade tunnels request frames back into this same
	// engine, so both carriers share one route table.
	ws := websocket.NewHandler(router, deps.Bus, frames.Options{
		UploadDir:     deps.UploadDir,
		MaxUploadSize: deps.MaxUploadSize,
	}, log)
	api.GET("/ws", ws.Handle)

	return router
}
