package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/irc-web-bridge/backend/internal/handshake"
	"github.com/irc-web-bridge/backend/internal/model"
	"github.com/irc-web-bridge/backend/internal/ws"
)

// Upstream is the IRC session as the handlers see it.
type Upstream interface {
	Send(line string) error
	Connected() bool
	Nick() string
	Server() string
}

// IRCHandler handles the bridge handshake, the upgrade and outgoing lines.
type IRCHandler struct {
	coordinator *handshake.Coordinator
	bridge      *ws.Service
	upstream    Upstream
	logger      *slog.Logger
}

// NewIRCHandler creates a new IRCHandler. upstream may be nil when the
// server runs without an IRC connection.
func NewIRCHandler(coordinator *handshake.Coordinator, bridge *ws.Service, upstream Upstream, logger *slog.Logger) *IRCHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IRCHandler{
		coordinator: coordinator,
		bridge:      bridge,
		upstream:    upstream,
		logger:      logger.With("component", "irc"),
	}
}

// SendMessageRequest is the body of POST /irc/message.
type SendMessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// WSAuth handles POST /irc/wsauth. It arms the handshake for the caller's
// session; the credential itself never leaves the server.
func (h *IRCHandler) WSAuth(c *gin.Context) {
	s := currentSession(c)
	if _, err := h.coordinator.Begin(s.ID); err != nil {
		h.logger.Error("begin handshake", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"error": false})
}

// Upgrade handles GET /irc/ws.
func (h *IRCHandler) Upgrade(c *gin.Context) {
	h.bridge.Handler().ServeHTTP(c.Writer, c.Request)
}

// Message handles POST /irc/message.
func (h *IRCHandler) Message(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "message is required")
		return
	}
	if h.upstream == nil {
		sendError(c, http.StatusServiceUnavailable, "UPSTREAM_DISABLED", "No IRC server configured")
		return
	}

	if err := h.upstream.Send(req.Message); err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidLine):
			sendError(c, http.StatusBadRequest, "INVALID_LINE", "Message must be one non-empty line")
		case errors.Is(err, model.ErrUpstreamNotConnected):
			sendError(c, http.StatusServiceUnavailable, "UPSTREAM_NOT_CONNECTED", "IRC server not connected")
		default:
			h.logger.Error("send to irc failed", "error", err)
			sendError(c, http.StatusBadGateway, "UPSTREAM_ERROR", "Failed to send message")
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

// State handles GET /irc/state.
func (h *IRCHandler) State(c *gin.Context) {
	_, pending := h.coordinator.Pending()
	state := model.UpstreamState{
		BridgeClients:    h.bridge.ClientCount(),
		HandshakePending: pending,
	}
	if h.upstream != nil {
		state.Server = h.upstream.Server()
		state.Nick = h.upstream.Nick()
		state.Connected = h.upstream.Connected()
	}
	c.JSON(http.StatusOK, state)
}

// RegisterRoutes registers the IRC routes on a Gin router group. The upgrade
// route is authorized by the handshake, not by requireSession.
func (h *IRCHandler) RegisterRoutes(rg *gin.RouterGroup, requireSession gin.HandlerFunc) {
	irc := rg.Group("/irc")
	irc.POST("/wsauth", requireSession, h.WSAuth)
	irc.GET("/ws", h.Upgrade)
	irc.POST("/message", requireSession, h.Message)
	irc.GET("/state", requireSession, h.State)
}
