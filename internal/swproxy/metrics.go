package swproxy

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests          *prometheus.CounterVec
	cacheWrites       *prometheus.CounterVec
	baselineAssets    prometheus.Gauge
	partitionsDeleted prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyedge",
			Name:      "requests_total",
			Help:      "Intercepted requests by class and response source.",
		}, []string{"class", "source"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyedge",
			Name:      "cache_writes_total",
			Help:      "Cache writes by partition and result.",
		}, []string{"partition", "result"}),
		baselineAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storyedge",
			Name:      "baseline_assets_cached",
			Help:      "Baseline assets stored by the last install.",
		}),
		partitionsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "storyedge",
			Name:      "partitions_deleted_total",
			Help:      "Stale partitions removed during activation.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.cacheWrites, m.baselineAssets, m.partitionsDeleted)
	}
	return m
}
