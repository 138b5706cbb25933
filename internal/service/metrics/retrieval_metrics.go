package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	RetrievalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fxdesk",
			Subsystem: "retrieval",
			Name:      "requests_total",
			Help:      "Retrieval cache lookups by result (hit, miss, collapsed, error)",
		},
		[]string{"result"},
	)

	RetrievalUpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fxdesk",
			Subsystem: "retrieval",
			Name:      "upstream_seconds",
			Help:      "Latency of upstream retriever calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	ProducerRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fxdesk",
			Subsystem: "producer",
			Name:      "retries_total",
			Help:      "Retried producer analyses",
		},
		[]string{"producer"},
	)
)

func Register() {
	once.Do(func() {
		prometheus.MustRegister(RetrievalRequests, RetrievalUpstreamLatency, ProducerRetries)
	})
}
