package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports operation counters and latency histograms.
type Prometheus struct {
	results   *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// NewPrometheus registers the collectors on reg under namespace (default
// "sheets"). A nil reg leaves the collectors unregistered.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	if namespace == "" {
		namespace = "sheets"
	}
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Operation outcomes by operation and status.",
	}, []string{"operation", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Operation latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
	if reg != nil {
		if err := reg.Register(results); err != nil {
			return nil, err
		}
		if err := reg.Register(durations); err != nil {
			return nil, err
		}
	}
	return &Prometheus{results: results, durations: durations}, nil
}

// Observe implements Recorder.
func (p *Prometheus) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	p.results.WithLabelValues(operation, status).Inc()
	p.durations.WithLabelValues(operation).Observe(duration.Seconds())
}
