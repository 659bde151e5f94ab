package remote

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchfs_remote_requests_total",
			Help: "Total number of calls to the workflow server",
		},
		[]string{"method", "route", "code"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchfs_remote_request_duration_seconds",
			Help:    "Workflow server call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// code is the HTTP status, or "unreachable" for transport failures.
func observe(method, route, code string, d time.Duration) {
	requestsTotal.WithLabelValues(method, route, code).Inc()
	requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
