// Package upstream keeps the single IRC connection whose raw lines are
// fanned out to bridge consumers.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irc-web-bridge/backend/internal/framer"
	"github.com/irc-web-bridge/backend/internal/logger"
	"github.com/irc-web-bridge/backend/internal/metrics"
	"github.com/irc-web-bridge/backend/internal/model"
)

const (
	// DefaultReadBufferSize is the buffer size for reading the IRC stream.
	DefaultReadBufferSize = 4096

	// DefaultReconnectDelay is the pause between upstream connection attempts.
	DefaultReconnectDelay = 15 * time.Second

	// DefaultDialTimeout bounds the TCP and TLS handshake.
	DefaultDialTimeout = 10 * time.Second

	writeTimeout = 10 * time.Second
)

// Config describes the IRC server and identity.
type Config struct {
	Server      string
	TLS         bool
	TLSInsecure bool
	Password    string
	Nick        string
	User        string
	RealName    string
	Channels    []string

	ReconnectDelay time.Duration
	DialTimeout    time.Duration

	// TranscriptDir enables a transcript per connection when set.
	TranscriptDir string

	// OnLine is called with every line received, without its terminator.
	OnLine func(line string)

	Logger   *slog.Logger
	Observer metrics.Observer

	// Dial overrides how the TCP connection is made.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Session is a long-lived IRC client connection.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	observer metrics.Observer

	mu         sync.RWMutex
	conn       net.Conn
	transcript *logger.Transcript
	nick       string
	registered bool

	connected atomic.Bool
	writeMu   sync.Mutex
}

// New validates cfg and returns an idle Session.
func New(cfg Config) (*Session, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("irc server is required")
	}
	if _, _, err := net.SplitHostPort(cfg.Server); err != nil {
		return nil, fmt.Errorf("irc server %q: %w", cfg.Server, err)
	}
	if err := ValidateLine(cfg.Nick); err != nil || strings.Contains(cfg.Nick, " ") {
		return nil, fmt.Errorf("invalid irc nick %q", cfg.Nick)
	}
	if cfg.User == "" {
		cfg.User = cfg.Nick
	}
	if cfg.RealName == "" {
		cfg.RealName = cfg.Nick
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.OnLine == nil {
		cfg.OnLine = func(string) {}
	}
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:      cfg,
		logger:   logger.With("component", "upstream", "server", cfg.Server),
		observer: metrics.OrNoop(cfg.Observer),
		nick:     cfg.Nick,
	}, nil
}

// Run keeps the session connected until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	for {
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("irc connection lost", "error", err, "retry_in", s.cfg.ReconnectDelay)

		timer := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Session) connectOnce(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	var transcript *logger.Transcript
	if s.cfg.TranscriptDir != "" {
		transcript, err = logger.NewTranscript(s.cfg.TranscriptDir, s.cfg.Server)
		if err != nil {
			s.logger.Warn("transcript disabled", "error", err)
			transcript = nil
		} else if err := transcript.WriteHeader(s.cfg.Server, s.cfg.Nick); err != nil {
			s.logger.Warn("transcript header failed", "error", err)
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.transcript = transcript
	s.nick = s.cfg.Nick
	s.registered = false
	s.mu.Unlock()
	s.connected.Store(true)
	s.logger.Info("irc connected", "remote", conn.RemoteAddr().String())

	done := make(chan struct{})
	defer func() {
		close(done)
		s.connected.Store(false)
		s.mu.Lock()
		s.conn = nil
		s.transcript = nil
		s.mu.Unlock()
		_ = conn.Close()
		if transcript != nil {
			_ = transcript.Close()
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := s.register(); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return s.readLoop(conn)
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	conn, err := s.cfg.Dial(dialCtx, "tcp", s.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.Server, err)
	}
	if !s.cfg.TLS {
		return conn, nil
	}

	host, _, _ := net.SplitHostPort(s.cfg.Server)
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: s.cfg.TLSInsecure,
		MinVersion:         tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake %s: %w", s.cfg.Server, err)
	}
	return tlsConn, nil
}

func (s *Session) register() error {
	if s.cfg.Password != "" {
		if err := s.Send("PASS " + s.cfg.Password); err != nil {
			return err
		}
	}
	if err := s.Send("NICK " + s.cfg.Nick); err != nil {
		return err
	}
	return s.Send(fmt.Sprintf("USER %s 0 * :%s", s.cfg.User, s.cfg.RealName))
}

// readLoop reads the IRC stream and dispatches complete lines.
func (s *Session) readLoop(conn net.Conn) error {
	fr := framer.New()
	buf := make([]byte, DefaultReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for line := range fr.Messages(string(buf[:n])) {
				s.handleLine(line)
			}
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) handleLine(line string) {
	s.observer.UpstreamLine(metrics.DirectionReceived)
	if t := s.currentTranscript(); t != nil {
		if err := t.Received(line); err != nil {
			s.logger.Warn("transcript write failed", "error", err)
		}
	}

	msg := ParseMessage(line)
	switch msg.Command {
	case "PING":
		if err := s.Send("PONG :" + msg.Trailing()); err != nil {
			s.logger.Warn("pong failed", "error", err)
		}
		return
	case "001":
		s.mu.Lock()
		s.registered = true
		if len(msg.Params) > 0 {
			s.nick = msg.Params[0]
		}
		s.mu.Unlock()
		s.logger.Info("irc registered", "nick", s.Nick())
		for _, ch := range s.cfg.Channels {
			if err := s.Send("JOIN " + ch); err != nil {
				s.logger.Warn("join failed", "channel", ch, "error", err)
			}
		}
	case "433":
		s.mu.Lock()
		retry := !s.registered
		if retry {
			s.nick += "_"
		}
		nick := s.nick
		s.mu.Unlock()
		if retry {
			if err := s.Send("NICK " + nick); err != nil {
				s.logger.Warn("nick retry failed", "error", err)
			}
		}
	}

	s.cfg.OnLine(line)
}

// Send writes one line to the server. The terminator is added here.
func (s *Session) Send(line string) error {
	if err := ValidateLine(line); err != nil {
		return err
	}

	s.mu.RLock()
	conn := s.conn
	transcript := s.transcript
	s.mu.RUnlock()
	if conn == nil {
		return model.ErrUpstreamNotConnected
	}

	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write([]byte(line + "\r\n"))
	s.writeMu.Unlock()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return model.ErrUpstreamNotConnected
		}
		return fmt.Errorf("write to irc server: %w", err)
	}

	s.observer.UpstreamLine(metrics.DirectionSent)
	if transcript != nil {
		if err := transcript.Sent(line); err != nil {
			s.logger.Warn("transcript write failed", "error", err)
		}
	}
	return nil
}

// Connected reports whether a connection to the server is open.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Nick returns the nick in use on the current connection.
func (s *Session) Nick() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nick
}

// Server returns the configured server address.
func (s *Session) Server() string {
	return s.cfg.Server
}

func (s *Session) currentTranscript() *logger.Transcript {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transcript
}
