package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelEvent  = "event"
	labelKind   = "kind"
	labelResult = "result"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	metricBindRefreshTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "node_bind_refresh_total",
			Help: "Total number of bind-refresh passes run by the main control loop",
		},
	)

	metricBackgroundTaskTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "node_background_task_total",
			Help: "Total number of engine background-task pulses",
		},
	)

	metricEventsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_events_emitted_total",
			Help: "Total number of NODE_*/NETWORK_*/ADDR_* events posted to the event sink",
		},
		[]string{labelEvent},
	)

	metricPeerEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_peer_events_total",
			Help: "Total number of PEER_* events posted to the event sink",
		},
		[]string{labelEvent},
	)

	metricStateWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_state_writes_total",
			Help: "Total number of on-disk state store writes",
		},
		[]string{labelKind, labelResult},
	)

	metricBoundPorts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "node_bound_ports",
			Help: "Number of UDP sockets currently bound by the interface binder",
		},
	)

	metricManagedIPs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "node_managed_ips",
			Help: "Number of managed addresses currently installed per network",
		},
		[]string{"nwid"},
	)

	metricManagedRoutes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "node_managed_routes",
			Help: "Number of managed routes currently installed per network",
		},
		[]string{"nwid"},
	)
)

// observeEvent increments the event-emitted counter for code, splitting
// peer events into their own vector so cardinality stays bounded by the
// fixed vocabulary in package events.
func observeEvent(code string, isPeerEvent bool) {
	if isPeerEvent {
		metricPeerEventsTotal.WithLabelValues(code).Inc()
		return
	}
	metricEventsEmittedTotal.WithLabelValues(code).Inc()
}

func observeStateWrite(kind string, err error) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	metricStateWritesTotal.WithLabelValues(kind, result).Inc()
}
