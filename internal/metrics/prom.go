package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// PromObserver exports bridge metrics to Prometheus.
type PromObserver struct {
	connGauge      prometheus.Gauge
	handshakeBegun prometheus.Counter
	handshakeTotal *prometheus.CounterVec
	broadcastTotal *prometheus.CounterVec
	droppedTotal   prometheus.Counter
	heartbeatTotal prometheus.Counter
	upstreamTotal  *prometheus.CounterVec
}

// NewPromObserver registers bridge metrics on the registry.
func NewPromObserver(reg *prometheus.Registry) *PromObserver {
	o := &PromObserver{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ircbridge_ws_connections",
			Help: "Current bridge websocket connection count.",
		}),
		handshakeBegun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ircbridge_handshake_begun_total",
			Help: "Upgrade handshakes issued.",
		}),
		handshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ircbridge_handshake_total",
			Help: "Upgrade handshake validations by result.",
		}, []string{"result"}),
		broadcastTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ircbridge_broadcast_total",
			Help: "Broadcast calls by result.",
		}, []string{"result"}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ircbridge_ws_dropped_total",
			Help: "Connections closed because their send queue was full.",
		}),
		heartbeatTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ircbridge_heartbeat_total",
			Help: "Heartbeat broadcasts sent.",
		}),
		upstreamTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ircbridge_upstream_lines_total",
			Help: "IRC lines exchanged with the upstream server.",
		}, []string{"direction"}),
	}
	reg.MustRegister(
		o.connGauge,
		o.handshakeBegun,
		o.handshakeTotal,
		o.broadcastTotal,
		o.droppedTotal,
		o.heartbeatTotal,
		o.upstreamTotal,
	)
	return o
}

func (o *PromObserver) HandshakeBegun() {
	o.handshakeBegun.Inc()
}

func (o *PromObserver) Handshake(result HandshakeResult) {
	o.handshakeTotal.WithLabelValues(string(result)).Inc()
}

func (o *PromObserver) ConnCount(n int) {
	o.connGauge.Set(float64(n))
}

func (o *PromObserver) Broadcast(result BroadcastResult) {
	o.broadcastTotal.WithLabelValues(string(result)).Inc()
}

func (o *PromObserver) Dropped() {
	o.droppedTotal.Inc()
}

func (o *PromObserver) Heartbeat() {
	o.heartbeatTotal.Inc()
}

func (o *PromObserver) UpstreamLine(dir Direction) {
	o.upstreamTotal.WithLabelValues(string(dir)).Inc()
}
