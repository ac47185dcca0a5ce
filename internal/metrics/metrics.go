package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

type Metrics struct {
	registry *prometheus.Registry

	MessagesSent   *prometheus.CounterVec
	SendFailures   *prometheus.CounterVec
	ReadsMarked    prometheus.Counter
	TypingSignals  *prometheus.CounterVec
	OnlineUsers    prometheus.Gauge
	DroppedPushes  prometheus.Counter
	ConnectedConns prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Persisted messages by routing outcome.",
		}, []string{"outcome"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Rejected or failed sends by reason.",
		}, []string{"reason"}),
		ReadsMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_marked_total",
			Help:      "Messages flipped to read.",
		}),
		TypingSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "typing_signals_total",
			Help:      "Relayed typing signals.",
		}, []string{"typing"}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with a registered live connection.",
		}),
		DroppedPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_pushes_total",
			Help:      "Server events dropped because a connection buffer was full.",
		}),
		ConnectedConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections, joined or not.",
		}),
	}

	m.registry.MustRegister(
		m.MessagesSent,
		m.SendFailures,
		m.ReadsMarked,
		m.TypingSignals,
		m.OnlineUsers,
		m.DroppedPushes,
		m.ConnectedConns,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry:          m.registry,
		EnableOpenMetrics: true,
	})
}

func (m *Metrics) SetOnline(n int) {
	m.OnlineUsers.Set(float64(n))
}

func (m *Metrics) Typing(isTyping bool) {
	label := "stop"
	if isTyping {
		label = "start"
	}
	m.TypingSignals.WithLabelValues(label).Inc()
}
