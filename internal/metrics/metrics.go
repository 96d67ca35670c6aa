// Package metrics holds the Prometheus counters of the lifecycle pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "briefline"

// Drop reasons.
const (
	DropMissingProject  = "missing_project_id"
	DropProjectNotFound = "project_not_found"
	DropMalformed       = "malformed"
	DropDeadLetter      = "dead_letter"
)

type Registry struct {
	gatherer prometheus.Gatherer

	LifecycleEvents  *prometheus.CounterVec
	HandlerErrors    *prometheus.CounterVec
	DispatchAttempts *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	Transitions      *prometheus.CounterVec
}

// New registers the counters on a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	return NewRegistry(reg, reg)
}

// NewRegistry registers the counters on reg and exposes them through gatherer.
func NewRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Registry {
	m := &Registry{
		gatherer: gatherer,
		LifecycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events delivered to the handler bus.",
		}, []string{"stage", "kind"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Lifecycle handler invocations that returned an error.",
		}, []string{"handler"}),
		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Agent submission attempts by outcome.",
		}, []string{"stage", "outcome"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Topic notifications by publish outcome.",
		}, []string{"outcome"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Lifecycle events dropped without retry.",
		}, []string{"reason"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Project status changes applied by the saga.",
		}, []string{"from", "to"}),
	}
	reg.MustRegister(m.LifecycleEvents, m.HandlerErrors, m.DispatchAttempts, m.Notifications, m.EventsDropped, m.Transitions)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// The helpers below accept a nil receiver so components can run without metrics.

func (m *Registry) Event(stage, kind string) {
	if m == nil {
		return
	}
	m.LifecycleEvents.WithLabelValues(stage, kind).Inc()
}

func (m *Registry) HandlerError(handler string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(handler).Inc()
}

func (m *Registry) DispatchAttempt(stage, outcome string) {
	if m == nil {
		return
	}
	m.DispatchAttempts.WithLabelValues(stage, outcome).Inc()
}

func (m *Registry) Notification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}

func (m *Registry) Dropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

func (m *Registry) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}
