package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder implements domain repository.Metrics using Prometheus.
type Recorder struct {
	transitions *prometheus.CounterVec
	terminal    *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	producers   *prometheus.CounterVec
	producerDur *prometheus.HistogramVec
	executions  *prometheus.CounterVec
	errorsTotal *prometheus.CounterVec
}

// New creates a recorder registered on the default registry.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a recorder registered on reg. Tests pass a
// fresh prometheus.NewRegistry().
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxdesk_run_transitions_total",
				Help: "Workflow run state transitions",
			},
			[]string{"from", "to"},
		),
		terminal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxdesk_runs_terminal_total",
				Help: "Workflow runs that reached a terminal state",
			},
			[]string{"state", "instrument"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fxdesk_run_duration_seconds",
				Help:    "Time from trigger to terminal state",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 1800},
			},
			[]string{"state"},
		),
		producers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxdesk_producer_results_total",
				Help: "Producer outcomes by producer id",
			},
			[]string{"producer", "outcome"},
		),
		producerDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fxdesk_producer_duration_seconds",
				Help:    "Producer analysis latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"producer"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxdesk_executions_total",
				Help: "Broker submissions by status",
			},
			[]string{"status"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxdesk_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
	}
	reg.MustRegister(r.transitions, r.terminal, r.runDuration, r.producers, r.producerDur, r.executions, r.errorsTotal)
	return r
}

func (r *Recorder) RecordTransition(from, to string) {
	r.transitions.WithLabelValues(from, to).Inc()
}

func (r *Recorder) RecordTerminal(state, instrument string, d time.Duration) {
	r.terminal.WithLabelValues(state, instrument).Inc()
	r.runDuration.WithLabelValues(state).Observe(d.Seconds())
}

func (r *Recorder) RecordProducer(producer, outcome string, d time.Duration) {
	r.producers.WithLabelValues(producer, outcome).Inc()
	r.producerDur.WithLabelValues(producer).Observe(d.Seconds())
}

func (r *Recorder) RecordExecution(status string) {
	r.executions.WithLabelValues(status).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}
