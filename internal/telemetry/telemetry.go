// Package telemetry exposes task execution metrics in Prometheus format.
//
// Every collector lives on a private registry so tests and embedding
// processes never collide with the global default registry.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/dsr/internal/model"
)

// Metrics holds the DSR collectors.
type Metrics struct {
	registry     *prometheus.Registry
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	requests     *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsr_tasks_total",
			Help: "Task bodies finished, by action type and final status.",
		}, []string{"action", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsr_task_duration_seconds",
			Help:    "Wall time of task bodies, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"action"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dsr_privacy_requests_total",
			Help: "Privacy requests reaching a final status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(m.tasksTotal, m.taskDuration, m.requests)
	return m
}

// ObserveTask records one finished task body.
func (m *Metrics) ObserveTask(action model.ActionType, status model.TaskStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(string(action), string(status)).Inc()
	m.taskDuration.WithLabelValues(string(action)).Observe(d.Seconds())
}

// ObserveRequest records a privacy request reaching status.
func (m *Metrics) ObserveRequest(status model.RequestStatus) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(status)).Inc()
}

// Registry returns the private registry, for tests and custom exposition.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
