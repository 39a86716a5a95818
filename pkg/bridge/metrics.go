package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Name:      "sessions_active_total",
		Help:      "Number of paired agent sessions.",
	})
	metricPendingTickets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bridge",
		Name:      "pairing_tickets_pending_total",
		Help:      "Pairing tickets issued but not yet consumed.",
	})
	metricCommandsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "commands_dispatched_total",
		Help:      "Commands forwarded to agents.",
	})
	metricCommandsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "commands_rejected_total",
		Help:      "Commands rejected before reaching an agent.",
	}, []string{"reason"})
	metricFileOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "file_operations_total",
		Help:      "File operations brokered to agents.",
	}, []string{"operation"})
	metricHeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "heartbeat_timeouts_total",
		Help:      "Sessions disconnected after missed heartbeats.",
	})
	metricSessionRestores = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bridge",
		Name:      "session_restores_total",
		Help:      "Sessions restored in place after reconnect.",
	})
)
