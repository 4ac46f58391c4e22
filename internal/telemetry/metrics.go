package telemetry

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tabrelay"

// Metrics groups the Prometheus collectors shared by workers and the
// orchestrator. A nil *Metrics is valid and records nothing.
type Metrics struct {
	taskAttempts      *prometheus.CounterVec
	taskResults       *prometheus.CounterVec
	taskDuration      prometheus.Histogram
	routerDispatches  *prometheus.CounterVec
	routerPending     prometheus.Gauge
	runTransitions    *prometheus.CounterVec
	personaDispatches *prometheus.CounterVec
	workersKnown      prometheus.Gauge
	workerReloads     prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns collectors registered on the global registry, created once.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// MustNewMetrics registers the collectors on reg and panics on conflicting
// registrations. Collectors that already exist with the same shape are reused.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		taskAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "task_attempts_total",
			Help:      "Executor invocations, including retries.",
		}, []string{"worker"}),
		taskResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "task_results_total",
			Help:      "Terminal task outcomes.",
		}, []string{"worker", "outcome"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Time from dequeue to terminal result.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		routerDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatches_total",
			Help:      "RUN_PROMPT dispatches by outcome.",
		}, []string{"outcome"}),
		routerPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "pending_calls",
			Help:      "Dispatches waiting for a RESULT event.",
		}),
		runTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "run_transitions_total",
			Help:      "Scenario run status transitions by target status.",
		}, []string{"to"}),
		personaDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persona",
			Name:      "dispatches_total",
			Help:      "TASK_ASSIGN messages sent by role.",
		}, []string{"role"}),
		workersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "workers_known",
			Help:      "Workers currently tracked by the registry.",
		}),
		workerReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "reloads_total",
			Help:      "Automatic worker reloads triggered by errors.",
		}),
	}

	m.taskAttempts = register(reg, m.taskAttempts)
	m.taskResults = register(reg, m.taskResults)
	m.taskDuration = register(reg, m.taskDuration)
	m.routerDispatches = register(reg, m.routerDispatches)
	m.routerPending = register(reg, m.routerPending)
	m.runTransitions = register(reg, m.runTransitions)
	m.personaDispatches = register(reg, m.personaDispatches)
	m.workersKnown = register(reg, m.workersKnown)
	m.workerReloads = register(reg, m.workerReloads)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) TaskAttempt(workerID string) {
	if m == nil {
		return
	}
	m.taskAttempts.WithLabelValues(workerID).Inc()
}

func (m *Metrics) TaskResult(workerID string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.taskResults.WithLabelValues(workerID, outcome).Inc()
	m.taskDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) WorkerReload() {
	if m == nil {
		return
	}
	m.workerReloads.Inc()
}

// RouterDispatch records one outcome: ok, failed, timeout, unbound or canceled.
func (m *Metrics) RouterDispatch(outcome string) {
	if m == nil {
		return
	}
	m.routerDispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RouterPending(n int) {
	if m == nil {
		return
	}
	m.routerPending.Set(float64(n))
}

func (m *Metrics) RunTransition(to string) {
	if m == nil {
		return
	}
	m.runTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) PersonaDispatch(role string) {
	if m == nil {
		return
	}
	m.personaDispatches.WithLabelValues(role).Inc()
}

func (m *Metrics) WorkersKnown(n int) {
	if m == nil {
		return
	}
	m.workersKnown.Set(float64(n))
}
