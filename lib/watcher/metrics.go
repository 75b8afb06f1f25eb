package watcher

import "github.com/prometheus/client_golang/prometheus"

type watchMetrics struct {
	totalSelected int
	updated       int
	unchanged     int
	duplicate     int
	errored       int
}

func (m *watchMetrics) Add(other *watchMetrics) {
	m.totalSelected += other.totalSelected
	m.updated += other.updated
	m.unchanged += other.unchanged
	m.duplicate += other.duplicate
	m.errored += other.errored
}

func (m *watchMetrics) Export(results *prometheus.CounterVec, trigger string) {
	results.WithLabelValues(trigger, "updated").Add(float64(m.updated))
	results.WithLabelValues(trigger, "unchanged").Add(float64(m.unchanged))
	results.WithLabelValues(trigger, "duplicate").Add(float64(m.duplicate))
	results.WithLabelValues(trigger, "errored").Add(float64(m.errored))
}
