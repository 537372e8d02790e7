package telemetry

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics exports Metrics samples as labelled Prometheus series:
// Add feeds <namespace>_events_total{key} and Store feeds <namespace>_gauge{key}.
type PrometheusMetrics struct {
	counters *prometheus.CounterVec
	gauges   *prometheus.GaugeVec
}

// NewPrometheusMetrics registers the metric vectors with reg.
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) (*PrometheusMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "multiverse"
	}
	counters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Synchronization counters by metric key",
	}, []string{"key"})
	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "gauge",
		Help:      "Synchronization gauges by metric key",
	}, []string{"key"})
	if err := reg.Register(counters); err != nil {
		return nil, fmt.Errorf("register counters: %w", err)
	}
	if err := reg.Register(gauges); err != nil {
		reg.Unregister(counters)
		return nil, fmt.Errorf("register gauges: %w", err)
	}
	return &PrometheusMetrics{counters: counters, gauges: gauges}, nil
}

func (p *PrometheusMetrics) Add(key string, delta uint64) {
	if p == nil {
		return
	}
	p.counters.WithLabelValues(key).Add(float64(delta))
}

func (p *PrometheusMetrics) Store(key string, value uint64) {
	if p == nil {
		return
	}
	p.gauges.WithLabelValues(key).Set(float64(value))
}
