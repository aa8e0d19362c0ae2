package deploy

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var stageBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600}

type pipelineMetrics struct {
	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metrics     pipelineMetrics
)

func initMetrics() pipelineMetrics {
	metricsOnce.Do(func() {
		runs := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orbitec",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal outcome",
		}, []string{"outcome", "kind"})
		stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orbitec",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage",
			Buckets:   stageBuckets,
		}, []string{"stage"})

		if err := prometheus.Register(runs); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					runs = existing
				}
			}
		}
		if err := prometheus.Register(stageDuration); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
					stageDuration = existing
				}
			}
		}
		metrics = pipelineMetrics{runs: runs, stageDuration: stageDuration}
	})
	return metrics
}

func (m pipelineMetrics) observeStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m pipelineMetrics) recordRun(outcome, kind string) {
	m.runs.WithLabelValues(outcome, kind).Inc()
}
