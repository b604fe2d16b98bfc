package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the pulsehub service
type Metrics struct {
	// WebSocket hub metrics
	HubConnections *prometheus.GaugeVec   // label: type
	HubMessages    *prometheus.CounterVec // labels: type, audience

	// Broadcast / forwarding metrics
	Broadcasts   *prometheus.CounterVec // labels: source, status
	ForwardCalls *prometheus.CounterVec // label: status

	// External poll metrics
	PollRuns *prometheus.CounterVec // label: status
}
