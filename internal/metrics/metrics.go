// Package metrics registers the worker and intake Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "editqueue"

var (
	JobsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_finalized_total",
		Help:      "Attempts that reached an outcome, by outcome",
	}, []string{"outcome"})

	Requeues = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requeues_total",
		Help:      "Items put back on the queue without consuming a retry, by reason",
	}, []string{"reason"})

	Dequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dequeued_total",
		Help:      "Items taken off the work queue",
	})

	Reclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reclaimed_total",
		Help:      "Expired in-flight items returned to the queue",
	})

	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the execution lock",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	BackendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backend_execution_seconds",
		Help:      "Backend execution time, by result",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"result"})

	WorkerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_panics_total",
		Help:      "Recovered panics in the worker loop",
	})

	FailureDeliveryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failure_delivery_errors_total",
		Help:      "Failed jobs whose refund could not be recorded after retries",
	})

	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_submitted_total",
		Help:      "Edit requests accepted by the intake API, by shape",
	}, []string{"shape"})
)
