package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mathrush"

var (
	// Submissions counts arbitrated answers by outcome: winner or a failure reason.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Answer submissions by outcome.",
	}, []string{"outcome"})

	Rounds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rounds_total",
		Help:      "Questions won and rotated by this instance.",
	})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "WebSocket connections held by this instance.",
	})

	GatewayDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_dropped_connections_total",
		Help:      "Connections closed because their send buffer was full.",
	})
)
