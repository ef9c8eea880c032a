package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the core's hot paths, grounded on the replication
// staging layer's metrics.go pattern (promauto + one Histogram/Counter per
// phase of work rather than a single catch-all gauge).
var (
	snapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "satellite_snapshot_duration_seconds",
		Help:    "time spent per snapshot request, including outbound emission",
		Buckets: prometheus.DefBuckets,
	})
	snapshotErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "satellite_snapshot_errors_total",
		Help: "snapshot requests that returned an error",
	})
	applierBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "satellite_applier_batch_rows",
		Help:    "number of changes per applied inbound transaction",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
	})
	applierDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "satellite_applier_duration_seconds",
		Help:    "time spent applying one inbound transaction",
		Buckets: prometheus.DefBuckets,
	})
	oplogBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "satellite_oplog_backlog_rows",
		Help: "oplog rows with rowid greater than lastAckdRowId",
	})
	subscriptionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "satellite_subscription_fulfillment_seconds",
		Help:    "time from subscribe() to the shape's synced future resolving",
		Buckets: prometheus.DefBuckets,
	})
	connectivityState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "satellite_connectivity_state",
		Help: "1 for the current connectivity state, 0 otherwise",
	}, []string{"state"})
)

func recordConnectivity(state ConnectivityState) {
	for _, s := range []ConnectivityState{Available, Connected, Disconnected, ConnError} {
		v := 0.0
		if s == state {
			v = 1
		}
		connectivityState.WithLabelValues(string(s)).Set(v)
	}
}
