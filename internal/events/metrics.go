package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Emitted counts events accepted into the dispatch buffer.
	Emitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "failureintel",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Events accepted for dispatch",
		},
		[]string{"type"},
	)

	// Dropped counts events discarded because the buffer was full or the
	// dispatcher was closed.
	Dropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "failureintel",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped before dispatch",
		},
		[]string{"type", "reason"},
	)

	// Published counts events handed to the publisher successfully.
	Published = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "failureintel",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events delivered to the publisher",
		},
		[]string{"type"},
	)

	// PublishFailures counts publisher errors.
	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "failureintel",
			Subsystem: "events",
			Name:      "publish_failures_total",
			Help:      "Events the publisher failed to deliver",
		},
		[]string{"type"},
	)
)
