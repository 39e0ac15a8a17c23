package kored

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics carries the operator-facing counters for the supervisor and the
// gate. A nil *Metrics is valid and records nothing, which keeps the
// components usable without a registry.
type Metrics struct {
	slotStates      *prometheus.GaugeVec
	workerRestarts  prometheus.Counter
	workerFailures  prometheus.Counter
	probeDuration   prometheus.Histogram
	probeFailures   prometheus.Counter
	admissionOpen   prometheus.Gauge
	connsProxied    prometheus.Counter
	connsRejected   *prometheus.CounterVec
	requestTimeouts prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		slotStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kored_worker_slots",
			Help: "Worker slots by lifecycle state",
		}, []string{"state"}),
		workerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kored_worker_restarts_total",
			Help: "Worker processes restarted after a crash or timeout",
		}),
		workerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kored_worker_failures_total",
			Help: "Worker slots marked permanently failed",
		}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kored_probe_duration_seconds",
			Help:    "Time spent on one health probe",
			Buckets: prometheus.DefBuckets,
		}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kored_probe_failures_total",
			Help: "Failed health probes",
		}),
		admissionOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kored_gate_admitting",
			Help: "Whether the gate admits traffic, 1 open 0 closed",
		}),
		connsProxied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kored_connections_proxied_total",
			Help: "Connections forwarded to the worker socket",
		}),
		connsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kored_connections_rejected_total",
			Help: "Connections answered with a canned error response",
		}, []string{"reason"}),
		requestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kored_request_timeouts_total",
			Help: "Workers killed for exceeding the request timeout",
		}),
	}
	reg.MustRegister(
		m.slotStates,
		m.workerRestarts,
		m.workerFailures,
		m.probeDuration,
		m.probeFailures,
		m.admissionOpen,
		m.connsProxied,
		m.connsRejected,
		m.requestTimeouts,
	)
	return m
}

func (m *Metrics) SetSlotStates(states map[string]int) {
	if m == nil {
		return
	}
	for state, n := range states {
		m.slotStates.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) WorkerRestarted() {
	if m == nil {
		return
	}
	m.workerRestarts.Inc()
}

func (m *Metrics) WorkerFailed() {
	if m == nil {
		return
	}
	m.workerFailures.Inc()
}

func (m *Metrics) RequestTimedOut() {
	if m == nil {
		return
	}
	m.requestTimeouts.Inc()
}

func (m *Metrics) ObserveProbe(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.probeDuration.Observe(d.Seconds())
	if !ok {
		m.probeFailures.Inc()
	}
}

func (m *Metrics) SetAdmission(a Admission) {
	if m == nil {
		return
	}
	if a == AdmissionOpen {
		m.admissionOpen.Set(1)
	} else {
		m.admissionOpen.Set(0)
	}
}

func (m *Metrics) ConnProxied() {
	if m == nil {
		return
	}
	m.connsProxied.Inc()
}

func (m *Metrics) ConnRejected(reason string) {
	if m == nil {
		return
	}
	m.connsRejected.WithLabelValues(reason).Inc()
}
