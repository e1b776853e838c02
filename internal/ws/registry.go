package ws

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/irc-web-bridge/backend/internal/framer"
	"github.com/irc-web-bridge/backend/internal/metrics"
)

const (
	// DefaultHeartbeatPeriod is how often the heartbeat line is broadcast.
	DefaultHeartbeatPeriod = 10 * time.Second

	// DefaultMaxConnections caps attached sockets.
	DefaultMaxConnections = 64

	// DefaultSendQueue is the per-connection outbound queue length.
	DefaultSendQueue = 256
)

// HeartbeatLine is the terminated keep-alive payload.
const HeartbeatLine = framer.Heartbeat + "\r\n"

var (
	// ErrInvalidUTF8 is returned when a payload is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("payload is not valid utf-8")

	// ErrNULByte is returned when a payload contains a zero byte.
	ErrNULByte = errors.New("payload contains a NUL byte")

	// ErrTooManyConnections is returned when the registry is full.
	ErrTooManyConnections = errors.New("too many bridge connections")

	// ErrRegistryClosed is returned when admitting after Close.
	ErrRegistryClosed = errors.New("registry closed")
)

// ValidatePayload checks that payload can be put on the bridge.
func ValidatePayload(payload []byte) error {
	if bytes.IndexByte(payload, 0) >= 0 {
		return ErrNULByte
	}
	if !utf8.Valid(payload) {
		return ErrInvalidUTF8
	}
	return nil
}

// Conn is one attached bridge socket.
type Conn struct {
	id         string
	transport  *websocket.Conn
	remoteAddr string
	attachedAt time.Time
	send       chan []byte
	mu         sync.Mutex
	closed     bool
}

func newConn(transport *websocket.Conn, remoteAddr string, queue int) *Conn {
	return &Conn{
		id:         uuid.New().String(),
		transport:  transport,
		remoteAddr: remoteAddr,
		attachedAt: time.Now(),
		send:       make(chan []byte, queue),
	}
}

// Send queues data without blocking. It returns false when the connection
// is closed or its queue is full; a full queue closes the connection.
func (c *Conn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		c.closeLocked()
		return false
	}
}

// Close closes the send queue. The write pump then closes the transport.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the connection is closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ID returns the connection's identifier.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address recorded at upgrade.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// AttachedAt returns when the connection was admitted.
func (c *Conn) AttachedAt() time.Time {
	return c.attachedAt
}

// Transport returns the underlying websocket connection.
func (c *Conn) Transport() *websocket.Conn {
	return c.transport
}

// SendChan returns the outbound queue.
func (c *Conn) SendChan() <-chan []byte {
	return c.send
}

// RegistryConfig holds registry settings.
type RegistryConfig struct {
	MaxConnections  int
	SendQueue       int
	HeartbeatPeriod time.Duration
	Logger          *slog.Logger
	Observer        metrics.Observer
}

// DefaultRegistryConfig returns the default registry settings.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxConnections:  DefaultMaxConnections,
		SendQueue:       DefaultSendQueue,
		HeartbeatPeriod: DefaultHeartbeatPeriod,
		Logger:          slog.Default(),
	}
}

// Registry tracks the bridge connections of this process and fans payloads
// out to all of them.
type Registry struct {
	cfg      RegistryConfig
	logger   *slog.Logger
	observer metrics.Observer

	mu     sync.RWMutex
	conns  map[*Conn]struct{}
	closed bool
}

// NewRegistry creates a Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger,
		observer: metrics.OrNoop(cfg.Observer),
		conns:    make(map[*Conn]struct{}),
	}
}

// Admit adds a connection for the given transport.
func (r *Registry) Admit(transport *websocket.Conn, remoteAddr string) (*Conn, error) {
	c := newConn(transport, remoteAddr, r.cfg.SendQueue)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		r.logger.Warn("bridge connection refused", "remote_addr", remoteAddr, "limit", r.cfg.MaxConnections)
		return nil, ErrTooManyConnections
	}
	r.conns[c] = struct{}{}
	count := len(r.conns)
	r.mu.Unlock()

	r.observer.ConnCount(count)
	r.logger.Info("bridge connection admitted", "conn_id", c.id, "remote_addr", remoteAddr, "connections", count)
	return c, nil
}

// Remove detaches a connection and closes its queue. Removing a connection
// that is not attached is a no-op.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	_, ok := r.conns[c]
	delete(r.conns, c)
	count := len(r.conns)
	r.mu.Unlock()

	c.Close()

	if !ok {
		return
	}
	r.observer.ConnCount(count)
	r.logger.Info("bridge connection removed", "conn_id", c.id, "remote_addr", c.remoteAddr, "connections", count)
}

// Broadcast validates payload and queues it on every attached connection.
// An invalid payload is sent to nobody. A connection that cannot take the
// payload is dropped without affecting the others.
func (r *Registry) Broadcast(payload []byte) error {
	if err := ValidatePayload(payload); err != nil {
		r.observer.Broadcast(metrics.BroadcastRejected)
		r.logger.Error("broadcast rejected", "error", err, "bytes", len(payload))
		return err
	}

	data := bytes.Clone(payload)

	var dropped []*Conn
	r.mu.RLock()
	for c := range r.conns {
		if !c.Send(data) {
			dropped = append(dropped, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range dropped {
		r.observer.Dropped()
		r.logger.Warn("bridge connection dropped", "conn_id", c.id, "remote_addr", c.remoteAddr)
		r.Remove(c)
	}

	r.observer.Broadcast(metrics.BroadcastOK)
	return nil
}

// BroadcastString is Broadcast for text.
func (r *Registry) BroadcastString(s string) error {
	return r.Broadcast([]byte(s))
}

// Count returns the number of attached connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RunHeartbeat broadcasts the heartbeat line every HeartbeatPeriod until ctx ends.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Heartbeat()
		}
	}
}

// Heartbeat broadcasts the heartbeat line once.
func (r *Registry) Heartbeat() {
	if err := r.BroadcastString(HeartbeatLine); err == nil {
		r.observer.Heartbeat()
	}
}

// Close detaches and closes every connection. Later admits fail.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[*Conn]struct{})
	r.closed = true
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	r.observer.ConnCount(0)
}
