// Package metrics holds the Prometheus collectors exported by the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "recurflow"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	jobsCreated      prometheus.Counter
	dispatched       prometheus.Counter
	dispatchFailures prometheus.Counter
	loadFailures     prometheus.Counter
	skipped          *prometheus.CounterVec
	terminated       *prometheus.CounterVec
	armed            prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_created_total",
			Help: "Jobs accepted by CreateJob.",
		}),
		dispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "occurrences_dispatched_total",
			Help: "Occurrences handed to the execution subsystem.",
		}),
		dispatchFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "occurrence_failures_total",
			Help: "Occurrences whose resolution or dispatch failed.",
		}),
		loadFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "record_load_failures_total",
			Help: "Job records skipped at startup because they could not be parsed.",
		}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "occurrences_skipped_total",
			Help: "Occurrences not armed, by reason.",
		}, []string{"reason"}),
		terminated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "chains_terminated_total",
			Help: "Job chains that ended, by reason.",
		}, []string{"reason"}),
		armed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "jobs_armed",
			Help: "Jobs currently waiting on a timer.",
		}),
	}
}

func (m *Metrics) JobCreated() {
	if m != nil {
		m.jobsCreated.Inc()
	}
}

func (m *Metrics) Dispatched() {
	if m != nil {
		m.dispatched.Inc()
	}
}

func (m *Metrics) DispatchFailed() {
	if m != nil {
		m.dispatchFailures.Inc()
	}
}

func (m *Metrics) LoadFailed() {
	if m != nil {
		m.loadFailures.Inc()
	}
}

func (m *Metrics) Skipped(reason string) {
	if m != nil {
		m.skipped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Terminated(reason string) {
	if m != nil {
		m.terminated.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ArmedDelta(d float64) {
	if m != nil {
		m.armed.Add(d)
	}
}
