// Package metrics exposes relay counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Relay struct {
	Connections      prometheus.Gauge
	Waiting          prometheus.Gauge
	Matches          prometheus.Counter
	Signals          *prometheus.CounterVec
	RejectedSignals  prometheus.Counter
	ChatMessages     prometheus.Counter
	Reports          prometheus.Counter
	PartnerDeparture *prometheus.CounterVec
}

// NewRelay registers the relay collectors on reg.
func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairchat",
			Name:      "relay_connections",
			Help:      "WebSocket connections currently held by this relay instance.",
		}),
		Waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pairchat",
			Name:      "relay_last_queue_position",
			Help:      "Queue length reported to the most recent waiting participant.",
		}),
		Matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pairchat",
			Name:      "relay_matches_total",
			Help:      "Pairs formed by this relay instance.",
		}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairchat",
			Name:      "relay_signals_total",
			Help:      "Signal messages forwarded, by type.",
		}, []string{"type"}),
		RejectedSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pairchat",
			Name:      "relay_signals_rejected_total",
			Help:      "Signal messages dropped as invalid or addressed to a non-partner.",
		}),
		ChatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pairchat",
			Name:      "relay_chat_messages_total",
			Help:      "Chat messages forwarded.",
		}),
		Reports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pairchat",
			Name:      "relay_reports_total",
			Help:      "Abuse reports received.",
		}),
		PartnerDeparture: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pairchat",
			Name:      "relay_partner_departures_total",
			Help:      "Sessions ended by one side, by cause (left or disconnected).",
		}, []string{"cause"}),
	}
	reg.MustRegister(
		m.Connections,
		m.Waiting,
		m.Matches,
		m.Signals,
		m.RejectedSignals,
		m.ChatMessages,
		m.Reports,
		m.PartnerDeparture,
	)
	return m
}
