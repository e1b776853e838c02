package upstream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/irc-web-bridge/backend/internal/logger"
	"github.com/irc-web-bridge/backend/internal/model"
)

type ircPeer struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (p *ircPeer) expect(t *testing.T, want string) {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := p.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("expected %q, read failed: %v", want, err)
	}
	if got := strings.TrimRight(line, "\r\n"); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func (p *ircPeer) write(t *testing.T, data string) {
	t.Helper()
	if _, err := p.conn.Write([]byte(data)); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
}

type ircServer struct {
	ln    net.Listener
	peers chan *ircPeer
}

func startIRCServer(t *testing.T) *ircServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &ircServer{ln: ln, peers: make(chan *ircPeer, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.peers <- &ircPeer{conn: conn, reader: bufio.NewReader(conn)}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *ircServer) accept(t *testing.T) *ircPeer {
	t.Helper()
	select {
	case p := <-s.peers:
		t.Cleanup(func() { p.conn.Close() })
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no client connected")
		return nil
	}
}

func runSession(t *testing.T, cfg Config) (*Session, chan string) {
	t.Helper()
	lines := make(chan string, 16)
	cfg.OnLine = func(line string) { lines <- line }
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
	return s, lines
}

func nextLine(t *testing.T, lines chan string) string {
	t.Helper()
	select {
	case line := <-lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a forwarded line")
		return ""
	}
}

func TestSessionRegistersAndForwards(t *testing.T) {
	srv := startIRCServer(t)
	s, lines := runSession(t, Config{
		Server:   srv.ln.Addr().String(),
		Nick:     "bridge",
		Channels: []string{"#go"},
	})

	peer := srv.accept(t)
	peer.expect(t, "NICK bridge")
	peer.expect(t, "USER bridge 0 * :bridge")

	peer.write(t, "PING :tok\r\n")
	peer.expect(t, "PONG :tok")

	peer.write(t, ":srv 001 bridge :Welcome\r\n")
	if got := nextLine(t, lines); got != ":srv 001 bridge :Welcome" {
		t.Errorf("unexpected forwarded line %q", got)
	}
	peer.expect(t, "JOIN #go")

	peer.write(t, ":a!u@h PRIVMSG #go :hel")
	peer.write(t, "lo\r\n")
	if got := nextLine(t, lines); got != ":a!u@h PRIVMSG #go :hello" {
		t.Errorf("expected the split line reassembled, got %q", got)
	}

	if !s.Connected() {
		t.Error("expected connected")
	}
	if err := s.Send("PRIVMSG #go :hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	peer.expect(t, "PRIVMSG #go :hi")
}

func TestSessionRetriesNickInUse(t *testing.T) {
	srv := startIRCServer(t)
	s, lines := runSession(t, Config{Server: srv.ln.Addr().String(), Nick: "bridge", Password: "pw"})

	peer := srv.accept(t)
	peer.expect(t, "PASS pw")
	peer.expect(t, "NICK bridge")
	peer.expect(t, "USER bridge 0 * :bridge")

	peer.write(t, ":srv 433 * bridge :Nickname is already in use\r\n")
	peer.expect(t, "NICK bridge_")
	nextLine(t, lines)

	peer.write(t, ":srv 001 bridge_ :Welcome\r\n")
	nextLine(t, lines)
	if s.Nick() != "bridge_" {
		t.Errorf("expected nick bridge_, got %s", s.Nick())
	}
}

func TestSessionReconnects(t *testing.T) {
	srv := startIRCServer(t)
	s, _ := runSession(t, Config{
		Server:         srv.ln.Addr().String(),
		Nick:           "bridge",
		ReconnectDelay: 10 * time.Millisecond,
	})

	first := srv.accept(t)
	first.expect(t, "NICK bridge")
	first.conn.Close()

	second := srv.accept(t)
	second.expect(t, "NICK bridge")
	second.expect(t, "USER bridge 0 * :bridge")

	deadline := time.Now().Add(2 * time.Second)
	for !s.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.Connected() {
		t.Error("expected connected after reconnect")
	}
}

func TestSessionWritesTranscript(t *testing.T) {
	srv := startIRCServer(t)
	dir := t.TempDir()
	s, lines := runSession(t, Config{Server: srv.ln.Addr().String(), Nick: "bridge", TranscriptDir: dir})

	peer := srv.accept(t)
	peer.expect(t, "NICK bridge")
	peer.expect(t, "USER bridge 0 * :bridge")
	peer.write(t, ":srv NOTICE * :hello\r\n")
	nextLine(t, lines)
	if err := s.Send("QUIT :bye"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	peer.expect(t, "QUIT :bye")

	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one transcript, got %v (%v)", matches, err)
	}
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer f.Close()
	header, events, err := logger.ReadTranscript(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if header.Nick != "bridge" {
		t.Errorf("expected nick bridge in header, got %q", header.Nick)
	}

	var sent, received []string
	for _, ev := range events {
		switch ev.EventType {
		case logger.EventSent:
			sent = append(sent, ev.Line)
		case logger.EventReceived:
			received = append(received, ev.Line)
		}
	}
	if len(received) != 1 || received[0] != ":srv NOTICE * :hello" {
		t.Errorf("unexpected received events %q", received)
	}
	if len(sent) != 3 || sent[2] != "QUIT :bye" {
		t.Errorf("unexpected sent events %q", sent)
	}
}

func TestSendRejectsInvalidLines(t *testing.T) {
	s, err := New(Config{Server: "127.0.0.1:6667", Nick: "bridge"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, line := range []string{"", "a\r\nQUIT", "a\x00"} {
		if err := s.Send(line); !errors.Is(err, model.ErrInvalidLine) {
			t.Errorf("Send(%q): expected ErrInvalidLine, got %v", line, err)
		}
	}
	if err := s.Send("PRIVMSG #go :hi"); !errors.Is(err, model.ErrUpstreamNotConnected) {
		t.Errorf("expected ErrUpstreamNotConnected, got %v", err)
	}
	if s.Connected() {
		t.Error("expected not connected")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing server", Config{Nick: "bridge"}},
		{"server without port", Config{Server: "irc.example.net", Nick: "bridge"}},
		{"missing nick", Config{Server: "irc.example.net:6667"}},
		{"nick with space", Config{Server: "irc.example.net:6667", Nick: "a b"}},
	}
	for _, tt := range tests {
		if _, err := New(tt.cfg); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
