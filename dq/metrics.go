package dq

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mkborg/gtk-gnutella/metrics"
)

const namespace = "dq"

var (
	queriesLaunched = metrics.NewCounter(
		"queries_launched",
		namespace,
		"number of dynamic queries launched, by origin",
		[]string{"origin"},
	)
	leafQueries  = queriesLaunched.WithLabelValues("leaf")
	localQueries = queriesLaunched.WithLabelValues("local")
	oobProxied   = queriesLaunched.WithLabelValues("oob_proxied")

	queriesCompleted = metrics.NewCounter(
		"queries_completed",
		namespace,
		"number of dynamic queries that reached termination, by result class",
		[]string{"class"},
	)
	completedFull    = queriesCompleted.WithLabelValues("full")
	completedPartial = queriesCompleted.WithLabelValues("partial")
	completedZero    = queriesCompleted.WithLabelValues("zero")

	lingerStats = metrics.NewCounter(
		"linger",
		namespace,
		"linger-phase bookkeeping events",
		[]string{"kind"},
	)
	lingerExtra     = lingerStats.WithLabelValues("extra_results")
	lingerCompleted = lingerStats.WithLabelValues("completed_during_linger")
	lingerResults   = lingerStats.WithLabelValues("results")

	activeQueries = metrics.NewGauge(
		"active_queries",
		namespace,
		"number of query records currently in each lifecycle phase",
		[]string{"phase"},
	)

	muidCollisions = metrics.NewCounter(
		"muid_collisions",
		namespace,
		"number of times a newly launched query's MUID was already indexed",
		[]string{},
	).WithLabelValues()

	guidanceTimeouts = metrics.NewCounter(
		"guidance_timeouts",
		namespace,
		"number of guidance requests that timed out without a reply",
		[]string{},
	).WithLabelValues()

	messagesDropped = metrics.NewCounter(
		"messages_dropped",
		namespace,
		"number of dispatched messages the message layer reported as dropped",
		[]string{},
	).WithLabelValues()

	dispatchLatency = metrics.NewHistogramWithBuckets(
		"dispatch_seconds",
		namespace,
		"time spent in one probe or iterate step, measured on the engine's clock",
		[]string{"phase"},
		prometheus.ExponentialBuckets(0.01, 2, 10),
	)
	probeDispatchLatency   = dispatchLatency.WithLabelValues("probe")
	iterateDispatchLatency = dispatchLatency.WithLabelValues("iterate")
)

func setPhaseGauge(phase string, delta float64) {
	activeQueries.WithLabelValues(phase).Add(delta)
}
