package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics — счётчики relay. Регистрируются в собственном реестре,
// чтобы несколько серверов в одном процессе (тесты) не конфликтовали.
type Metrics struct {
	reg         *prometheus.Registry
	connections prometheus.Gauge
	frames      *prometheus.CounterVec
	statuses    *prometheus.CounterVec
	queueDepth  prometheus.Gauge
	apiCalls    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync", Subsystem: "relay", Name: "connections",
			Help: "Open websocket connections.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync", Subsystem: "relay", Name: "frames_total",
			Help: "Inbound websocket frames by channel.",
		}, []string{"channel"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync", Subsystem: "relay", Name: "delivery_status_total",
			Help: "Delivery status events emitted to senders.",
		}, []string{"status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync", Subsystem: "relay", Name: "persist_queue_depth",
			Help: "Messages waiting for the persistence worker.",
		}),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync", Subsystem: "relay", Name: "api_requests_total",
			Help: "Reconciliation API calls by operation and result.",
		}, []string{"op", "result"}),
	}
	m.reg.MustRegister(m.connections, m.frames, m.statuses, m.queueDepth, m.apiCalls,
		prometheus.NewGoCollector())
	return m
}

// Handler — /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
