package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/auth"
	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// tokenCookieMaxAge keeps the cookie session-scoped on the client while
// the server bounds it to its own lifetime anyway.
const tokenCookieMaxAge = 0

// AuthStatus advertises the auth regime.
// GET /api/auth/status
func (h *Handler) AuthStatus(c *gin.Context) {
	state := h.auth.Snapshot()
	c.JSON(http.StatusOK, v1.AuthStatusResponse{
		Enabled:       state.Enabled,
		Username:      state.Username,
		Authenticated: !state.Enabled || h.tokens.Valid(requestToken(c)),
	})
}

// EnableAuth turns password auth on.
// POST /api/auth/enable
func (h *Handler) EnableAuth(c *gin.Context) {
	var req v1.EnableAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := h.auth.Enable(req.Username, req.Password); err != nil {
		h.respondError(c, err)
		return
	}

	// The enabling client gets a token immediately so it does not lock
	// itself out.
	token, err := h.tokens.Issue()
	if err != nil {
		h.respondError(c, apperrors.InternalError("issue token", err))
		return
	}
	h.setTokenCookie(c, token)
	h.logger.Info("Password auth enabled")
	c.Status(http.StatusNoContent)
}

// DisableAuth removes password auth and revokes all tokens.
// POST /api/auth/disable
func (h *Handler) DisableAuth(c *gin.Context) {
	if err := h.auth.Disable(); err != nil {
		h.respondError(c, err)
		return
	}
	h.tokens.RevokeAll()
	h.logger.Info("Password auth disabled")
	c.Status(http.StatusNoContent)
}

// LoginStart opens a zero-knowledge login exchange.
// POST /api/auth/login/start
func (h *Handler) LoginStart(c *gin.Context) {
	var req v1.LoginStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	username := req.Username
	if username == "" {
		username = auth.DefaultUsername
	}

	loginID, challenge, err := h.logins.Start(username)
	if err != nil {
		h.respondError(c, apperrors.Unauthorized("authentication failed"))
		return
	}
	raw, _ := json.Marshal(challenge)
	c.JSON(http.StatusOK, v1.LoginStartResponse{LoginID: loginID, Challenge: raw})
}

// LoginExchange advances the exchange with the client public value.
// POST /api/auth/login/exchange
func (h *Handler) LoginExchange(c *gin.Context) {
	h.loginStep(c, false)
}

// LoginFinish verifies the client proof and issues the session token.
// POST /api/auth/login/finish
func (h *Handler) LoginFinish(c *gin.Context) {
	h.loginStep(c, true)
}

func (h *Handler) loginStep(c *gin.Context, wantDone bool) {
	var req v1.LoginStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	var msg auth.Message
	if err := json.Unmarshal(req.Message, &msg); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid handshake message"))
		return
	}

	reply, done, err := h.logins.Step(req.LoginID, &msg)
	if err != nil {
		// One neutral answer for every failure mode.
		h.respondError(c, apperrors.Unauthorized("authentication failed"))
		return
	}
	if done != wantDone {
		h.respondError(c, apperrors.Unauthorized("authentication failed"))
		return
	}

	if done {
		token, err := h.tokens.Issue()
		if err != nil {
			h.respondError(c, apperrors.InternalError("issue token", err))
			return
		}
		h.setTokenCookie(c, token)
		h.logger.Info("Login succeeded")
	}

	raw, _ := json.Marshal(reply)
	c.JSON(http.StatusOK, v1.LoginStepResponse{Message: raw, Done: done})
}

// Logout revokes the caller's token.
// POST /api/auth/logout
func (h *Handler) Logout(c *gin.Context) {
	if token := requestToken(c); token != "" {
		h.tokens.Revoke(token)
	}
	c.SetCookie(auth.CookieName, "", -1, "/", "", false, true)
	c.Status(http.StatusNoContent)
}

// ChangePassword rotates the password and revokes every token except a
// fresh one for the caller.
// POST /api/auth/change-password
func (h *Handler) ChangePassword(c *gin.Context) {
	var req v1.ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := h.auth.ChangePassword(req.OldPassword, req.NewPassword); err != nil {
		h.respondError(c, err)
		return
	}

	h.tokens.RevokeAll()
	token, err := h.tokens.Issue()
	if err != nil {
		h.respondError(c, apperrors.InternalError("issue token", err))
		return
	}
	h.setTokenCookie(c, token)
	h.logger.Info("Password changed", zap.String("path", c.Request.URL.Path))
	c.Status(http.StatusNoContent)
}

func (h *Handler) setTokenCookie(c *gin.Context, token string) {
	c.SetCookie(auth.CookieName, token, tokenCookieMaxAge, "/", "", false, true)
}
