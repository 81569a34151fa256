// Copyright 2025 Certen Protocol
//
// Package metrics exposes the tower's Prometheus instrumentation: gas
// queue depth, watched-appointment count, and a counter per Responder
// event kind (spec.md §4.I). It is deliberately thin — a subscriber to
// the Dispatcher's event channel, not a participant in the tower's
// crash-consistency story.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/certen/pisa/pkg/responder"
)

// Metrics holds every gauge and counter the tower registers.
type Metrics struct {
	QueueDepth         prometheus.Gauge
	AppointmentsActive prometheus.Gauge

	ResponsesSent      prometheus.Counter
	ResponsesConfirmed prometheus.Counter
	AttemptsFailed     prometheus.Counter
	ResponsesFailed    prometheus.Counter
}

// New constructs and registers the tower's metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pisa", Subsystem: "responder", Name: "queue_depth",
			Help: "Number of items currently held in the gas queue.",
		}),
		AppointmentsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pisa", Subsystem: "watcher", Name: "appointments_active",
			Help: "Number of appointments the watcher currently tracks.",
		}),
		ResponsesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pisa", Subsystem: "responder", Name: "responses_sent_total",
			Help: "Total response transactions broadcast.",
		}),
		ResponsesConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pisa", Subsystem: "responder", Name: "responses_confirmed_total",
			Help: "Total response transactions confirmed on chain.",
		}),
		AttemptsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pisa", Subsystem: "responder", Name: "attempts_failed_total",
			Help: "Total broadcast attempts that timed out waiting on the provider.",
		}),
		ResponsesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pisa", Subsystem: "responder", Name: "responses_failed_total",
			Help: "Total intents abandoned after exhausting their retry budget.",
		}),
	}
	reg.MustRegister(
		m.QueueDepth,
		m.AppointmentsActive,
		m.ResponsesSent,
		m.ResponsesConfirmed,
		m.AttemptsFailed,
		m.ResponsesFailed,
	)
	return m
}

// Observe folds one Responder event into the matching counter. Meant to
// be called in a loop over Dispatcher.Events().
func (m *Metrics) Observe(ev responder.Event) {
	switch ev.Kind {
	case responder.EventResponseSent:
		m.ResponsesSent.Inc()
	case responder.EventResponseConfirmed:
		m.ResponsesConfirmed.Inc()
	case responder.EventAttemptFailed:
		m.AttemptsFailed.Inc()
	case responder.EventResponseFailed:
		m.ResponsesFailed.Inc()
	}
}

// SetQueueDepth records the gas queue's current length.
func (m *Metrics) SetQueueDepth(n int) { m.QueueDepth.Set(float64(n)) }

// SetAppointmentsActive records the watcher's live appointment count.
func (m *Metrics) SetAppointmentsActive(n int) { m.AppointmentsActive.Set(float64(n)) }
