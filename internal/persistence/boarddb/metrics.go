package boarddb

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	duration *prometheus.HistogramVec
	results  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, s *Store) (*metrics, error) {
	m := &metrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zhaba",
			Subsystem: "boarddb",
			Name:      "task_duration_seconds",
			Help:      "Time spent executing a task on the database worker.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"kind"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zhaba",
			Subsystem: "boarddb",
			Name:      "tasks_total",
			Help:      "Tasks processed by the database worker, by kind and outcome class.",
		}, []string{"kind", "class"}),
	}
	collectors := []prometheus.Collector{
		m.duration,
		m.results,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "zhaba",
			Subsystem: "boarddb",
			Name:      "queue_depth",
			Help:      "Tasks waiting for the database worker.",
		}, func() float64 { return float64(s.q.len()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "zhaba",
			Subsystem: "boarddb",
			Name:      "orphaned_images_total",
			Help:      "Image files left without a referencing post after a failed write or delete.",
		}, func() float64 { return float64(s.orphanedTotal.Load()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observe(k Kind, took time.Duration, err error) {
	m.duration.WithLabelValues(k.String()).Observe(took.Seconds())
	m.results.WithLabelValues(k.String(), Class(err)).Inc()
}
