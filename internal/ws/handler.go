package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// Authorizer decides whether an upgrade request may attach to the bridge.
type Authorizer interface {
	Complete(r *http.Request) bool
}

// HandlerConfig holds upgrade settings.
type HandlerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Logger          *slog.Logger
}

// DefaultHandlerConfig returns the default upgrade settings. The default
// origin check accepts same-host requests only.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		Logger:          slog.Default(),
	}
}

// Handler upgrades authorized requests and runs the per-connection pumps.
type Handler struct {
	registry *Registry
	auth     Authorizer
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(registry *Registry, auth Authorizer, cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		auth:     auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		logger: cfg.Logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.ServeUpgrade(w, r)
}

// ServeUpgrade authorizes the request, upgrades it and admits the connection.
// An unauthorized request gets 401 and its connection is closed without
// upgrading.
func (h *Handler) ServeUpgrade(w http.ResponseWriter, r *http.Request) {
	if !h.auth.Complete(r) {
		w.Header().Set("Connection", "close")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	transport, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Error("failed to upgrade connection", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	c, err := h.registry.Admit(transport, r.RemoteAddr)
	if err != nil {
		code := websocket.CloseTryAgainLater
		if errors.Is(err, ErrRegistryClosed) {
			code = websocket.CloseGoingAway
		}
		msg := websocket.FormatCloseMessage(code, err.Error())
		_ = transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		transport.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump drains the socket. Inbound messages are not part of the bridge
// protocol and are dropped.
func (h *Handler) readPump(c *Conn) {
	transport := c.Transport()
	defer func() {
		h.registry.Remove(c)
		transport.Close()
	}()

	transport.SetReadLimit(maxMessageSize)
	transport.SetReadDeadline(time.Now().Add(pongWait))
	transport.SetPongHandler(func(string) error {
		transport.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("bridge read error", "conn_id", c.ID(), "error", err)
			}
			return
		}
		h.logger.Debug("discarding inbound bridge message", "conn_id", c.ID(), "remote_addr", c.RemoteAddr(), "bytes", len(message))
	}
}

// writePump moves queued payloads onto the socket, one text frame each.
func (h *Handler) writePump(c *Conn) {
	transport := c.Transport()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.registry.Remove(c)
		transport.Close()
	}()

	for {
		select {
		case message, ok := <-c.SendChan():
			transport.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The registry closed the queue.
				transport.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := transport.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("bridge write failed", "conn_id", c.ID(), "error", err)
				return
			}
		case <-ticker.C:
			transport.SetWriteDeadline(time.Now().Add(writeWait))
			if err := transport.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
