package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(mutate func(*RegistryConfig)) *Registry {
	cfg := DefaultRegistryConfig()
	cfg.Logger = quietLogger()
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRegistry(cfg)
}

// receiveWithTimeout reads one payload from the connection queue.
func receiveWithTimeout(t *testing.T, c *Conn, timeout time.Duration) ([]byte, bool) {
	t.Helper()
	select {
	case data, ok := <-c.SendChan():
		return data, ok
	case <-time.After(timeout):
		return nil, false
	}
}

func TestRegistryAdmitAndBroadcast(t *testing.T) {
	r := newTestRegistry(nil)
	defer r.Close()

	c1, err := r.Admit(nil, "192.0.2.1:1000")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	c2, _ := r.Admit(nil, "192.0.2.2:1000")

	if r.Count() != 2 {
		t.Errorf("expected 2 connections, got %d", r.Count())
	}

	payload := []byte(":irc.example.net 001 nick :Welcome\r\n")
	if err := r.Broadcast(payload); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	for i, c := range []*Conn{c1, c2} {
		got, ok := receiveWithTimeout(t, c, 100*time.Millisecond)
		if !ok || string(got) != string(payload) {
			t.Errorf("conn %d received %q", i, got)
		}
	}
}

func TestRegistryRemovedConnectionReceivesNothing(t *testing.T) {
	r := newTestRegistry(nil)
	defer r.Close()

	kept, _ := r.Admit(nil, "a")
	gone, _ := r.Admit(nil, "b")
	r.Remove(gone)

	if err := r.BroadcastString("PING :x\r\n"); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	if _, ok := receiveWithTimeout(t, kept, 100*time.Millisecond); !ok {
		t.Error("expected kept connection to receive the payload")
	}
	if data, ok := <-gone.SendChan(); ok {
		t.Errorf("expected removed connection queue to be closed, got %q", data)
	}
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := newTestRegistry(nil)
	defer r.Close()

	c, _ := r.Admit(nil, "a")
	r.Remove(c)
	r.Remove(c)

	if r.Count() != 0 {
		t.Errorf("expected 0 connections, got %d", r.Count())
	}
	if !c.IsClosed() {
		t.Error("expected connection to be closed")
	}
}

func TestRegistryRejectsInvalidPayload(t *testing.T) {
	testCases := []struct {
		name    string
		payload []byte
		want    error
	}{
		{name: "NUL byte", payload: []byte("PRIVMSG #a :x\x00y\r\n"), want: ErrNULByte},
		{name: "only NUL", payload: []byte{0}, want: ErrNULByte},
		{name: "invalid utf-8", payload: []byte{'o', 'k', 0xff, 0xfe, '\r', '\n'}, want: ErrInvalidUTF8},
		{name: "truncated rune", payload: []byte("caf\xc3"), want: ErrInvalidUTF8},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRegistry(nil)
			defer r.Close()
			c, _ := r.Admit(nil, "a")

			err := r.Broadcast(tc.payload)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if data, ok := receiveWithTimeout(t, c, 50*time.Millisecond); ok {
				t.Errorf("expected nothing delivered, got %q", data)
			}
			if r.Count() != 1 {
				t.Error("expected rejection not to affect connections")
			}
		})
	}
}

func TestRegistryFullQueueDropsOnlyThatConnection(t *testing.T) {
	r := newTestRegistry(func(cfg *RegistryConfig) { cfg.SendQueue = 1 })
	defer r.Close()

	stalled, _ := r.Admit(nil, "stalled")
	healthy, _ := r.Admit(nil, "healthy")

	if err := r.BroadcastString("one\r\n"); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	// Drain only the healthy connection.
	receiveWithTimeout(t, healthy, 100*time.Millisecond)

	if err := r.BroadcastString("two\r\n"); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	got, ok := receiveWithTimeout(t, healthy, 100*time.Millisecond)
	if !ok || string(got) != "two\r\n" {
		t.Errorf("expected healthy connection to receive second payload, got %q", got)
	}
	if !stalled.IsClosed() {
		t.Error("expected stalled connection to be closed")
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 connection after drop, got %d", r.Count())
	}
}

func TestRegistryConnectionLimit(t *testing.T) {
	r := newTestRegistry(func(cfg *RegistryConfig) { cfg.MaxConnections = 2 })
	defer r.Close()

	r.Admit(nil, "a")
	b, _ := r.Admit(nil, "b")
	if _, err := r.Admit(nil, "c"); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}

	r.Remove(b)
	if _, err := r.Admit(nil, "c"); err != nil {
		t.Errorf("expected admit after remove to succeed, got %v", err)
	}
}

func TestRegistryClose(t *testing.T) {
	r := newTestRegistry(nil)
	c, _ := r.Admit(nil, "a")
	r.Close()

	if !c.IsClosed() {
		t.Error("expected connection closed")
	}
	if _, err := r.Admit(nil, "b"); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("expected ErrRegistryClosed, got %v", err)
	}
}

func TestRegistryHeartbeat(t *testing.T) {
	r := newTestRegistry(func(cfg *RegistryConfig) { cfg.HeartbeatPeriod = 10 * time.Millisecond })
	defer r.Close()
	c, _ := r.Admit(nil, "a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.RunHeartbeat(ctx)

	got, ok := receiveWithTimeout(t, c, time.Second)
	if !ok || string(got) != HeartbeatLine {
		t.Errorf("expected heartbeat line, got %q", got)
	}
}

func TestRegistryConcurrentAdmitRemoveBroadcast(t *testing.T) {
	r := newTestRegistry(func(cfg *RegistryConfig) { cfg.MaxConnections = 1000 })
	defer r.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c, err := r.Admit(nil, "x")
				if err != nil {
					continue
				}
				r.Remove(c)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.BroadcastString("line\r\n")
			}
		}()
	}
	wg.Wait()

	if r.Count() != 0 {
		t.Errorf("expected 0 connections, got %d", r.Count())
	}
}

func TestBroadcastDeliversToAllProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("valid text reaches every admitted connection and no removed one", prop.ForAll(
		func(numConns, numRemoved int, text string) bool {
			if numRemoved > numConns {
				numRemoved = numConns
			}
			r := newTestRegistry(nil)
			defer r.Close()

			conns := make([]*Conn, numConns)
			for i := range conns {
				conns[i], _ = r.Admit(nil, "p")
			}
			for _, c := range conns[:numRemoved] {
				r.Remove(c)
			}

			if err := r.BroadcastString(text); err != nil {
				return false
			}

			for i, c := range conns {
				select {
				case data, ok := <-c.SendChan():
					if i < numRemoved {
						if ok {
							return false
						}
						continue
					}
					if !ok || string(data) != text {
						return false
					}
				default:
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 10),
		gen.AlphaString(),
	))

	properties.Property("a payload with a NUL byte reaches no one", prop.ForAll(
		func(prefix, suffix string) bool {
			r := newTestRegistry(nil)
			defer r.Close()
			c, _ := r.Admit(nil, "p")

			if !errors.Is(r.BroadcastString(prefix+"\x00"+suffix), ErrNULByte) {
				return false
			}
			select {
			case <-c.SendChan():
				return false
			default:
				return true
			}
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
