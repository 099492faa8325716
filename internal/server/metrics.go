package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the chat service.
type Metrics struct {
	SessionsActive    prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	MessagesTotal     *prometheus.CounterVec
	DeliveryFailures  prometheus.Counter
	EncodeFallbacks   prometheus.Counter
	AuthRejections    prometheus.Counter
	CommandsTotal     *prometheus.CounterVec
}

// NewMetrics registers the chat collectors with reg and returns them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "charla_sessions_active",
			Help: "Number of live authenticated sessions.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "charla_connections_total",
			Help: "Total accepted WebSocket connections.",
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "charla_messages_total",
			Help: "Messages processed, by kind.",
		}, []string{"kind"}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "charla_delivery_failures_total",
			Help: "Per-recipient send failures during fanout.",
		}),
		EncodeFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "charla_encode_fallbacks_total",
			Help: "Envelope encodes that degraded to plaintext for a recipient.",
		}),
		AuthRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "charla_auth_rejections_total",
			Help: "Credential rejections at connect or re-authentication.",
		}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "charla_commands_total",
			Help: "Slash commands processed, by command.",
		}, []string{"command"}),
	}
}
