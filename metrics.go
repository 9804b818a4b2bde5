package txcoord

import "github.com/prometheus/client_golang/prometheus"

var (
	txnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txcoord",
			Subsystem: "txn",
			Name:      "total",
			Help:      "Counter of finished transactions by result.",
		}, []string{"result"})

	commitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "txcoord",
			Subsystem: "txn",
			Name:      "commit_duration_seconds",
			Help:      "Bucketed histogram of the time (s) spent running a commit protocol.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}, []string{"protocol"})

	tsoCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txcoord",
			Subsystem: "tso",
			Name:      "events_total",
			Help:      "Counter of timestamp oracle events.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(txnCounter)
	prometheus.MustRegister(commitDuration)
	prometheus.MustRegister(tsoCounter)
}
