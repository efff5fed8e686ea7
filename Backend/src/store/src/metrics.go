package main

import "github.com/prometheus/client_golang/prometheus"

var (
	reservationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "store",
			Subsystem: "reservation",
			Name:      "operations_total",
			Help:      "Counter of reservation units of work by operation and outcome code.",
		}, []string{"operation", "outcome"})

	reservationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "store",
			Subsystem: "reservation",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of unit of work time, lock wait included.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"operation"})

	eventsPublishFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "store",
			Subsystem: "events",
			Name:      "publish_failed_total",
			Help:      "Counter of domain events that could not be delivered.",
		}, []string{"type"})

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "store",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Counter of HTTP requests by method and status.",
		}, []string{"method", "status"})
)

func init() {
	prometheus.MustRegister(reservationOps)
	prometheus.MustRegister(reservationDuration)
	prometheus.MustRegister(eventsPublishFailed)
	prometheus.MustRegister(httpRequests)
}
