// Package metrics defines the Prometheus metrics exported by both roles.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SlaveConnections counts accepted control connections.
	SlaveConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spead2_bench_slave_connections_total",
		Help: "Number of control connections accepted by the slave.",
	})

	// SlaveConnectionFaults counts connection handlers that ended with an
	// error or a panic.
	SlaveConnectionFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spead2_bench_slave_connection_faults_total",
		Help: "Number of control connections closed because of a fault.",
	})

	// SlaveSessions counts trial sessions started.
	SlaveSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spead2_bench_slave_sessions_total",
		Help: "Number of trial sessions started by the slave.",
	})

	// SlaveHeapsReceived counts heaps received across all sessions.
	SlaveHeapsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spead2_bench_slave_heaps_received_total",
		Help: "Number of heaps received by the slave.",
	})

	// SlaveRejectedCommands counts commands that were logged and ignored.
	SlaveRejectedCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spead2_bench_slave_rejected_commands_total",
		Help: "Number of control commands rejected by the slave.",
	}, []string{"reason"})

	// MasterTrials counts trials run by the master, by outcome.
	MasterTrials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spead2_bench_master_trials_total",
		Help: "Number of trials run by the master.",
	}, []string{"outcome"})
)
