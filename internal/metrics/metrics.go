package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used as label values on signaling_drops_total.
const (
	DropReasonRateLimited        = "rate_limited"
	DropReasonBadMessage         = "bad_message"
	DropReasonUnknownType        = "unknown_type"
	DropReasonUnauthorizedSender = "unauthorized_sender"
	DropReasonTargetNotConnected = "target_not_connected"
	DropReasonNotJoined          = "not_joined"
)

// Metrics holds the service's Prometheus collectors. Each Metrics owns its
// own registry so tests can create isolated instances.
type Metrics struct {
	reg *prometheus.Registry

	OpenConnections prometheus.Gauge
	Joins           *prometheus.CounterVec
	JoinErrors      *prometheus.CounterVec
	Relayed         *prometheus.CounterVec
	Broadcasts      *prometheus.CounterVec
	Drops           *prometheus.CounterVec
	RoomsSwept      prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,

		OpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_open_connections",
			Help: "Number of currently open signaling WebSocket connections.",
		}),
		Joins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_joins_total",
			Help: "Successful room joins by role.",
		}, []string{"role"}),
		JoinErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_join_errors_total",
			Help: "Rejected join-room requests by reason.",
		}, []string{"reason"}),
		Relayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_messages_relayed_total",
			Help: "Targeted signaling messages relayed by type.",
		}, []string{"type"}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_broadcasts_total",
			Help: "Room-wide broadcasts by type.",
		}, []string{"type"}),
		Drops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_drops_total",
			Help: "Inbound messages dropped by reason.",
		}, []string{"reason"}),
		RoomsSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_rooms_swept_total",
			Help: "Rooms evicted by the inactivity sweeper.",
		}),
	}
}

// RegisterActiveRooms installs a gauge backed by fn, typically the room
// registry's Len.
func (m *Metrics) RegisterActiveRooms(fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "signaling_active_rooms",
		Help: "Number of rooms currently held in the registry.",
	}, fn))
}

// Handler exposes the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
