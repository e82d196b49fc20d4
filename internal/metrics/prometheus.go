package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler agent metrics
	ticksTotal       prometheus.Counter
	tickErrorsTotal  prometheus.Counter
	runsCreatedTotal prometheus.Counter
	tickDuration     prometheus.Histogram

	// Materialization metrics
	runsMaterializedTotal prometheus.Counter

	// Reconciler metrics
	statelessRuns prometheus.Gauge

	// EventBus metrics
	bufferSize      prometheus.Gauge
	bufferCapacity  prometheus.Gauge
	emitErrorsTotal prometheus.Counter

	// Leader election metrics
	leaderStatus prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runloom_scheduler_ticks_total",
		Help: "Total number of scheduler agent ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runloom_scheduler_tick_errors_total",
		Help: "Total number of scheduler agent tick errors.",
	})
	s.runsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runloom_scheduler_runs_created_total",
		Help: "Total number of flow runs created by the scheduler agent.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "runloom_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler agent tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.runsMaterializedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runloom_runs_materialized_total",
		Help: "Total number of flow runs materialized, across all callers.",
	})

	s.register(reg, s.ticksTotal, "runloom_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "runloom_scheduler_tick_errors_total")
	s.register(reg, s.runsCreatedTotal, "runloom_scheduler_runs_created_total")
	s.register(reg, s.tickDuration, "runloom_scheduler_tick_duration_seconds")
	s.register(reg, s.runsMaterializedTotal, "runloom_runs_materialized_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.statelessRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runloom_reconciler_stateless_runs",
		Help: "Number of flow runs missing a linked state, as of the last reconciler cycle.",
	})

	s.register(reg, s.statelessRuns, "runloom_reconciler_stateless_runs")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runloom_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runloom_eventbus_buffer_capacity",
		Help: "Configured capacity of the event bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runloom_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "runloom_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "runloom_eventbus_buffer_capacity")
	s.register(reg, s.emitErrorsTotal, "runloom_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runloom_leader_status",
		Help: "1 if this instance currently holds scheduling leadership, 0 otherwise.",
	})

	s.register(reg, s.leaderStatus, "runloom_leader_status")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, runsCreated int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.runsCreatedTotal.Add(float64(runsCreated))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) RunsMaterialized(count int) {
	s.runsMaterializedTotal.Add(float64(count))
}

func (s *PrometheusSink) StatelessRunsUpdate(count int) {
	s.statelessRuns.Set(float64(count))
}

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

func (s *PrometheusSink) LeaderStatusUpdate(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}
