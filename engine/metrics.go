package engine

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors. Containers built without explicit
// Metrics share the package default, which RegisterMetrics exposes.
type Metrics struct {
	transitions      *prometheus.CounterVec
	startFailures    prometheus.Counter
	stopFailures     prometheus.Counter
	staleTransitions prometheus.Counter
	tasksInFlight    prometheus.Gauge
	taskDuration     *prometheus.HistogramVec
	services         *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "servicegraph_transitions_total",
				Help: "Lifecycle transitions by target state.",
			},
			[]string{"to"},
		),
		startFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "servicegraph_start_failures_total",
			Help: "Start bodies that returned an error.",
		}),
		stopFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "servicegraph_stop_failures_total",
			Help: "Stop bodies that returned an error.",
		}),
		staleTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "servicegraph_stale_transitions_total",
			Help: "Task completions dropped because their generation was stale.",
		}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "servicegraph_tasks_in_flight",
			Help: "Start and stop bodies currently running.",
		}),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "servicegraph_task_duration_seconds",
				Help:    "Duration of start and stop bodies.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		services: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "servicegraph_services",
				Help: "Installed services by lifecycle state.",
			},
			[]string{"state"},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.transitions,
		m.startFailures,
		m.stopFailures,
		m.staleTransitions,
		m.tasksInFlight,
		m.taskDuration,
		m.services,
	}
}

// Register adds every collector to r. Collectors already registered are
// skipped.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) observeCreated() {
	m.services.WithLabelValues(StateDown.String()).Inc()
}

func (m *Metrics) observeTransition(from, to State) {
	m.transitions.WithLabelValues(to.String()).Inc()
	m.services.WithLabelValues(from.String()).Dec()
	if to != StateRemoved {
		m.services.WithLabelValues(to.String()).Inc()
	}
}

var defaultMetrics = NewMetrics()

// RegisterMetrics registers the default engine collectors with r.
func RegisterMetrics(r prometheus.Registerer) error {
	return defaultMetrics.Register(r)
}
