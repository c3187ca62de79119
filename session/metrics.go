package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/syssam/tether/store"
)

// Save results recorded by Metrics.
const (
	resultSaved    = "saved"
	resultNoop     = "noop"
	resultConflict = "conflict"
	resultFailed   = "failed"
)

// Metrics exports save statistics to prometheus. A nil *Metrics records
// nothing.
type Metrics struct {
	saves     *prometheus.CounterVec
	commands  *prometheus.CounterVec
	duration  prometheus.Histogram
	passes    prometheus.Histogram
	conflicts prometheus.Counter
}

// NewMetrics creates the save metrics and registers them with reg. It
// panics when a collector is already registered, like
// prometheus.MustRegister.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "saves_total",
			Help:      "Number of SaveChanges calls by result.",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "commands_total",
			Help:      "Number of store commands executed by kind.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tether",
			Name:      "save_duration_seconds",
			Help:      "Duration of SaveChanges calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		passes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tether",
			Name:      "fixup_passes",
			Help:      "Detect and fixup passes needed to stabilize the graph.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tether",
			Name:      "concurrency_conflicts_total",
			Help:      "Number of saves that failed with a concurrency conflict.",
		}),
	}
	reg.MustRegister(m.saves, m.commands, m.duration, m.passes, m.conflicts)
	return m
}

func (m *Metrics) observeSave(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(result).Inc()
	m.duration.Observe(d.Seconds())
	if result == resultConflict {
		m.conflicts.Inc()
	}
}

func (m *Metrics) observePasses(n int) {
	if m == nil || n == 0 {
		return
	}
	m.passes.Observe(float64(n))
}

func (m *Metrics) observeCommand(k store.Kind) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(k.String()).Inc()
}
