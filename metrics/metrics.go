package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status", "service"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "service"},
	)

	syncOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_sync_operations_total",
			Help: "Total number of synchronizer operations",
		},
		[]string{"operation", "status"},
	)

	syncOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedsync_sync_operation_duration_seconds",
			Help:    "Duration of remote calls made by synchronizers",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	syncWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_sync_write_failures_total",
			Help: "Optimistic writes that failed remotely and were not rolled back",
		},
		[]string{"operation"},
	)

	reconciliationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedsync_reconciliations_total",
			Help: "Authoritative refreshes of synchronizer state",
		},
	)

	realtimeEventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedsync_realtime_events_delivered_total",
			Help: "Change and presence events delivered to subscribers",
		},
		[]string{"kind"},
	)

	presenceMembers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feedsync_presence_members",
			Help: "Members currently joined to presence channels",
		},
		[]string{"channel"},
	)
)

// RecordSyncOperation учитывает удаленный вызов синхронизатора
func RecordSyncOperation(operation string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	syncOperationsTotal.WithLabelValues(operation, status).Inc()
	syncOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordWriteFailure(operation string) {
	syncWriteFailures.WithLabelValues(operation).Inc()
}

func RecordReconciliation() {
	reconciliationsTotal.Inc()
}

func RecordDelivered(kind string, n int) {
	if n > 0 {
		realtimeEventsDelivered.WithLabelValues(kind).Add(float64(n))
	}
}

// SetPresenceMembers - channel здесь это тип канала (online, typing), а не топик,
// чтобы не плодить кардинальность по id диалогов
func SetPresenceMembers(channel string, delta float64) {
	presenceMembers.WithLabelValues(channel).Add(delta)
}
