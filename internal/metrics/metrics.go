// Package metrics defines the Prometheus collectors this driver updates
// as it connects, authenticates, and runs queries. The collectors are
// registered with the default prometheus.Registerer when this package is
// initialized, through the same promauto convenience the rest of the
// ecosystem uses.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectsTotal counts Connect attempts by outcome.
	ConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tds_connects_total",
		Help: "Total Connect attempts by outcome",
	}, []string{"database", "status"})

	// ConnectDuration tracks wall-clock time from dial to a Ready session.
	ConnectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tds_connect_duration_seconds",
		Help:    "Time from TCP dial to a Ready session",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"database"})

	// QueriesTotal counts Query/Execute calls by outcome.
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tds_queries_total",
		Help: "Total Query/Execute calls by outcome",
	}, []string{"database", "status"})

	// QueryDuration tracks time from request send to the terminal Done
	// token of its response.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tds_query_duration_seconds",
		Help:    "Query execution duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"database"})

	// BytesSent and BytesReceived count raw TDS wire traffic.
	BytesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tds_bytes_sent_total",
		Help: "Total bytes written to the TDS socket",
	}, []string{"database"})

	BytesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tds_bytes_received_total",
		Help: "Total bytes read from the TDS socket",
	}, []string{"database"})

	// ServerErrorsTotal counts ERROR tokens surfaced from the server,
	// distinct from local I/O or protocol failures.
	ServerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tds_server_errors_total",
		Help: "Total ERROR tokens received from the server",
	}, []string{"database"})

	// SessionsActive tracks how many Sessions Connect has returned that
	// have not yet been closed, whether or not they are still Ready.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tds_sessions_active",
		Help: "Number of connected sessions that have not been closed",
	})
)
