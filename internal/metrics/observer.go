// Package metrics defines the bridge's observation points and a Prometheus
// implementation of them.
package metrics

// HandshakeResult labels the outcome of an upgrade authorization.
type HandshakeResult string

const (
	HandshakeOK           HandshakeResult = "ok"
	HandshakeNoCookie     HandshakeResult = "no_cookie"
	HandshakeUnsigned     HandshakeResult = "unsigned"
	HandshakeBadSignature HandshakeResult = "bad_signature"
	HandshakeNoRecord     HandshakeResult = "no_record"
	HandshakeMismatch     HandshakeResult = "mismatch"
	HandshakeExpired      HandshakeResult = "expired"
)

// BroadcastResult labels the outcome of a broadcast call.
type BroadcastResult string

const (
	BroadcastOK       BroadcastResult = "ok"
	BroadcastRejected BroadcastResult = "rejected"
)

// Direction labels upstream traffic.
type Direction string

const (
	DirectionReceived Direction = "received"
	DirectionSent     Direction = "sent"
)

// Observer receives bridge-level metric events.
type Observer interface {
	HandshakeBegun()
	Handshake(result HandshakeResult)
	ConnCount(n int)
	Broadcast(result BroadcastResult)
	Dropped()
	Heartbeat()
	UpstreamLine(dir Direction)
}

// NoopObserver discards every event.
type NoopObserver struct{}

func (NoopObserver) HandshakeBegun()                  {}
func (NoopObserver) Handshake(result HandshakeResult) {}
func (NoopObserver) ConnCount(n int)                  {}
func (NoopObserver) Broadcast(result BroadcastResult) {}
func (NoopObserver) Dropped()                         {}
func (NoopObserver) Heartbeat()                       {}
func (NoopObserver) UpstreamLine(dir Direction)       {}

// OrNoop returns o, or a NoopObserver when o is nil.
func OrNoop(o Observer) Observer {
	if o == nil {
		return NoopObserver{}
	}
	return o
}
