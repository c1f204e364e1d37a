package vectorstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IndexOperations counts card index writes.
	// Labels: backend (chromem, qdrant), result (success, error)
	IndexOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "failureintel",
			Subsystem: "vectorstore",
			Name:      "index_operations_total",
			Help:      "Total number of card index operations",
		},
		[]string{"backend", "result"},
	)

	// SearchOperations counts retrieval queries.
	// Labels: backend, kind (semantic, hybrid), result (success, error)
	SearchOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "failureintel",
			Subsystem: "vectorstore",
			Name:      "search_operations_total",
			Help:      "Total number of retrieval queries",
		},
		[]string{"backend", "kind", "result"},
	)

	// SearchDuration tracks retrieval latency.
	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "failureintel",
			Subsystem: "vectorstore",
			Name:      "search_duration_seconds",
			Help:      "Duration of retrieval queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "kind"},
	)
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
