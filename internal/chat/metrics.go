package chat

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors for one Server, scoped per
// instance (rather than package-global, as the teacher's metrics.go
// did) so tests can construct multiple Servers without colliding on
// prometheus.DefaultRegisterer.
type Metrics struct {
	ConnectedClients        prometheus.Gauge
	MessagesTotal           *prometheus.CounterVec
	EventProcessingDuration *prometheus.HistogramVec
}

// NewMetrics builds a fresh set of collectors and registers them with
// reg. Pass prometheus.NewRegistry() in tests; pass nil in
// cmd/chatserver to register with prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connected_clients",
			Help: "Number of currently connected clients",
		}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Total messages processed by type",
		}, []string{"type"}),
		EventProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_event_processing_seconds",
			Help:    "Time to process each event type",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.ConnectedClients, m.MessagesTotal, m.EventProcessingDuration)
	return m
}
