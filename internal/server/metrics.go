package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the hub's Prometheus collectors.
type Metrics struct {
	ConnectedClients      prometheus.Gauge
	SyncExchanges         prometheus.Counter
	DeadlineAnnouncements prometheus.Counter
	BroadcastsTotal       prometheus.Counter
}

// NewMetrics creates and registers the hub collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quizsync",
			Name:      "connected_clients",
			Help:      "Number of currently connected WebSocket clients.",
		}),
		SyncExchanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quizsync",
			Name:      "sync_exchanges_total",
			Help:      "Number of clock sync exchanges answered.",
		}),
		DeadlineAnnouncements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quizsync",
			Name:      "deadline_announcements_total",
			Help:      "Number of phase deadlines announced.",
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quizsync",
			Name:      "broadcasts_total",
			Help:      "Number of messages broadcast to game rooms.",
		}),
	}
	reg.MustRegister(m.ConnectedClients, m.SyncExchanges, m.DeadlineAnnouncements, m.BroadcastsTotal)
	return m
}
