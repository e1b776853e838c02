package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/irc-web-bridge/backend/internal/cookiesig"
	"github.com/irc-web-bridge/backend/internal/model"
	"github.com/irc-web-bridge/backend/internal/session"
)

// contextSessionKey is where RequireSession stores the resolved session.
const contextSessionKey = "loginSession"

// CookieConfig describes the signed login cookie.
type CookieConfig struct {
	Name   string
	Secret string
	Secure bool
	MaxAge time.Duration
}

// AuthHandler handles login, logout and the probes the bridge client uses.
type AuthHandler struct {
	sessions *session.Manager
	cookie   CookieConfig
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(sessions *session.Manager, cookie CookieConfig, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		sessions: sessions,
		cookie:   cookie,
		logger:   logger.With("component", "auth"),
	}
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	User      string `json:"user"`
	ExpiresAt string `json:"expiresAt"`
}

// UserInfoResponse is returned by the authorization probe.
type UserInfoResponse struct {
	User           string `json:"user"`
	SessionExpires string `json:"sessionExpires"`
	ExpiresIn      int64  `json:"expiresIn"`
}

// Login handles POST /login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req model.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "user and password are required")
		return
	}
	req.RemoteAddr = c.ClientIP()

	s, err := h.sessions.Login(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidCredentials):
			sendError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password")
		case errors.Is(err, session.ErrTooManySessions):
			sendError(c, http.StatusTooManyRequests, "TOO_MANY_SESSIONS", err.Error())
		default:
			h.logger.Error("login failed", "error", err)
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create session")
		}
		return
	}

	signed, err := cookiesig.Sign(s.ID, h.cookie.Secret)
	if err != nil {
		h.logger.Error("sign session cookie", "error", err)
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create session")
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookie.Name, signed, int(h.cookie.MaxAge.Seconds()), "/", "", h.cookie.Secure, true)

	c.JSON(http.StatusOK, LoginResponse{
		User:      s.Username,
		ExpiresAt: s.ExpiresAt.Format(time.RFC3339),
	})
}

// Logout handles GET /logout. It succeeds whether or not a session was open.
func (h *AuthHandler) Logout(c *gin.Context) {
	if id, err := h.sessionID(c.Request); err == nil {
		if err := h.sessions.Logout(c.Request.Context(), id); err != nil && !errors.Is(err, model.ErrSessionNotFound) {
			h.logger.Warn("logout failed", "error", err)
		}
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookie.Name, "", -1, "/", "", h.cookie.Secure, true)
	c.JSON(http.StatusOK, gin.H{"loggedOut": true})
}

// Status handles GET /status, the reachability probe.
func (h *AuthHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// UserInfo handles GET /userinfo, the authorization probe.
func (h *AuthHandler) UserInfo(c *gin.Context) {
	s := currentSession(c)
	c.JSON(http.StatusOK, UserInfoResponse{
		User:           s.Username,
		SessionExpires: s.ExpiresAt.Format(time.RFC3339),
		ExpiresIn:      int64(s.Remaining(time.Now()).Seconds()),
	})
}

// RequireSession aborts with 401 unless the request carries a valid signed
// login cookie for a live session.
func (h *AuthHandler) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := h.sessionID(c.Request)
		if err != nil {
			sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Login required")
			return
		}
		s, err := h.sessions.Get(c.Request.Context(), id)
		if err != nil {
			if !errors.Is(err, model.ErrSessionNotFound) {
				h.logger.Error("resolve session", "error", err)
			}
			sendError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Login required")
			return
		}
		c.Set(contextSessionKey, s)
		c.Next()
	}
}

// sessionID returns the verified, unsigned session ID from the request cookie.
func (h *AuthHandler) sessionID(r *http.Request) (string, error) {
	cookie, err := r.Cookie(h.cookie.Name)
	if err != nil {
		return "", model.ErrUnauthorized
	}
	return cookiesig.Unsign(cookiesig.Decode(cookie.Value), h.cookie.Secret)
}

// RegisterRoutes registers the auth routes on a Gin router group.
func (h *AuthHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/login", h.Login)
	rg.GET("/logout", h.Logout)
	rg.GET("/status", h.Status)
	rg.GET("/userinfo", h.RequireSession(), h.UserInfo)
}

// currentSession returns the session set by RequireSession.
func currentSession(c *gin.Context) *model.LoginSession {
	v, _ := c.Get(contextSessionKey)
	s, _ := v.(*model.LoginSession)
	return s
}
