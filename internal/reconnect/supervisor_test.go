package reconnect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeStream struct {
	msgs      chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{msgs: make(chan string, 16), closed: make(chan struct{})}
}

func (s *fakeStream) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-s.msgs:
		return websocket.TextMessage, []byte(msg), nil
	case <-s.closed:
		return 0, nil, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu       sync.Mutex
	failAt   Phase
	streams  []*fakeStream
	upgrades atomic.Int32
}

func (d *fakeDialer) step(p Phase) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAt == p {
		return errors.New(p.String() + " refused")
	}
	return nil
}

func (d *fakeDialer) setFailAt(p Phase) {
	d.mu.Lock()
	d.failAt = p
	d.mu.Unlock()
}

func (d *fakeDialer) Reachable(context.Context) error      { return d.step(PhaseReachability) }
func (d *fakeDialer) Authorized(context.Context) error     { return d.step(PhaseAuthorization) }
func (d *fakeDialer) BeginHandshake(context.Context) error { return d.step(PhaseHandshake) }

func (d *fakeDialer) Upgrade(context.Context) (Stream, error) {
	if err := d.step(PhaseUpgrade); err != nil {
		return nil, err
	}
	d.upgrades.Add(1)
	s := newFakeStream()
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) latest() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

type harness struct {
	sup    *Supervisor
	dialer *fakeDialer
	ticks  chan time.Time
	lines  chan string
	cancel context.CancelFunc
	done   chan error
}

func startSupervisor(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.UpgradeDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		dialer: &fakeDialer{},
		ticks:  make(chan time.Time),
		lines:  make(chan string, 16),
		done:   make(chan error, 1),
	}
	h.sup = NewSupervisor(h.dialer, SupervisorConfig{
		Machine: cfg,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnLine:  func(line string) { h.lines <- line },
		Ticks:   h.ticks,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
	return h
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	select {
	case h.ticks <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not accept tick")
	}
}

func (h *harness) waitFor(t *testing.T, what string, cond func(Snapshot) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(h.sup.Snapshot()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, last snapshot %+v", what, h.sup.Snapshot())
}

func connected(s Snapshot) bool { return s.State == StateConnected }

func TestSupervisorConnectsAndDeliversLines(t *testing.T) {
	h := startSupervisor(t, nil)
	h.tick(t)
	h.waitFor(t, "connected", connected)

	stream := h.dialer.latest()
	stream.msgs <- "hello\r\n" + "HEARTBEAT\r\n" + "wor"
	stream.msgs <- "ld\r\n"

	for _, want := range []string{"hello", "world"} {
		select {
		case got := <-h.lines:
			if got != want {
				t.Errorf("expected %q, got %q", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	select {
	case extra := <-h.lines:
		t.Errorf("unexpected line %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSupervisorFailureReturnsToIdle(t *testing.T) {
	h := startSupervisor(t, nil)
	h.dialer.setFailAt(PhaseAuthorization)
	h.tick(t)

	h.waitFor(t, "idle after failure", func(s Snapshot) bool {
		return s.State == StateIdle && !s.Connecting && s.Attempt == 1
	})
	if h.dialer.upgrades.Load() != 0 {
		t.Error("expected no upgrade after an authorization failure")
	}
	if !strings.Contains(h.sup.StatusLog().String(), "authorization failed") {
		t.Errorf("expected the failure in the status log, got %q", h.sup.StatusLog().String())
	}
}

func TestSupervisorStartAndStop(t *testing.T) {
	h := startSupervisor(t, func(c *Config) { c.StartDisabled = true })
	h.tick(t)
	if s := h.sup.Snapshot(); s.State != StateDisabled || s.Attempt != 0 {
		t.Fatalf("expected disabled, got %+v", s)
	}

	if !h.sup.Start() {
		t.Fatal("expected start to be accepted")
	}
	h.waitFor(t, "connected", connected)

	if h.sup.Stop() {
		t.Error("expected stop to be refused while connected")
	}

	h.dialer.setFailAt(PhaseReachability)
	h.dialer.latest().Close()
	h.waitFor(t, "idle after close", func(s Snapshot) bool { return s.State == StateIdle })

	if !h.sup.Stop() {
		t.Fatal("expected stop to be accepted while disconnected")
	}
	if s := h.sup.Snapshot(); s.State != StateDisabled || s.Attempt != 0 || s.Tick != 0 {
		t.Errorf("expected disabled with cleared counters, got %+v", s)
	}
}

func TestSupervisorHeartbeatTimeout(t *testing.T) {
	h := startSupervisor(t, func(c *Config) { c.HeartbeatTicks = 2 })
	h.tick(t)
	h.waitFor(t, "connected", connected)
	first := h.dialer.latest()

	for i := 0; i < 3; i++ {
		h.tick(t)
	}
	h.waitFor(t, "idle after watchdog", func(s Snapshot) bool { return s.State == StateIdle })
	if !first.isClosed() {
		t.Error("expected the silent stream to be closed")
	}

	h.tick(t)
	h.waitFor(t, "reconnected", connected)
	if n := h.dialer.upgrades.Load(); n != 2 {
		t.Errorf("expected 2 upgrades, got %d", n)
	}
}

func TestSupervisorReconnectDropsStream(t *testing.T) {
	h := startSupervisor(t, nil)
	h.tick(t)
	h.waitFor(t, "connected", connected)
	first := h.dialer.latest()

	h.sup.Reconnect()
	h.waitFor(t, "idle after reconnect request", func(s Snapshot) bool { return s.State == StateIdle })
	if !first.isClosed() {
		t.Error("expected the stream to be closed")
	}
}

func TestSupervisorRunTwice(t *testing.T) {
	h := startSupervisor(t, nil)
	h.tick(t)
	if err := h.sup.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestSupervisorClosesStreamOnExit(t *testing.T) {
	h := startSupervisor(t, nil)
	h.tick(t)
	h.waitFor(t, "connected", connected)
	stream := h.dialer.latest()

	h.cancel()
	select {
	case err := <-h.done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	if !stream.isClosed() {
		t.Error("expected the stream to be closed on exit")
	}
	if h.sup.Start() {
		t.Error("expected commands to be refused after exit")
	}
}
