package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPromObserverExportsMetrics(t *testing.T) {
	reg := NewRegistry()
	o := NewPromObserver(reg)

	o.HandshakeBegun()
	o.Handshake(HandshakeOK)
	o.Handshake(HandshakeExpired)
	o.ConnCount(3)
	o.Broadcast(BroadcastRejected)
	o.Dropped()
	o.Heartbeat()
	o.UpstreamLine(DirectionReceived)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`ircbridge_ws_connections 3`,
		`ircbridge_handshake_total{result="ok"} 1`,
		`ircbridge_handshake_total{result="expired"} 1`,
		`ircbridge_broadcast_total{result="rejected"} 1`,
		`ircbridge_ws_dropped_total 1`,
		`ircbridge_heartbeat_total 1`,
		`ircbridge_upstream_lines_total{direction="received"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("expected scrape output to contain %q", want)
		}
	}
}

func TestOrNoop(t *testing.T) {
	if _, ok := OrNoop(nil).(NoopObserver); !ok {
		t.Error("expected NoopObserver for nil")
	}
	o := NewPromObserver(NewRegistry())
	if OrNoop(o) != Observer(o) {
		t.Error("expected observer to pass through")
	}
}
