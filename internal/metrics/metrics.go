package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	globalCollector *Collector
	collectorMutex  sync.Mutex
)

// Collector holds the Prometheus metrics shared by the emulator's
// providers and HTTP surfaces.
type Collector struct {
	registry *prometheus.Registry

	// HTTP surfaces
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Function runtime
	Invocations        *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec

	// Queues and event sources
	MessagesSent      *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	MessagesToDLQ     *prometheus.CounterVec
	EventsDispatched  *prometheus.CounterVec
	ScheduleTriggered *prometheus.CounterVec

	// Workflows
	ExecutionsStarted  *prometheus.CounterVec
	ExecutionsFinished *prometheus.CounterVec
}

// NewCollector returns the process-wide collector, creating it on first
// use. The singleton avoids duplicate registration across tests.
func NewCollector(namespace string) *Collector {
	collectorMutex.Lock()
	defer collectorMutex.Unlock()

	if globalCollector != nil {
		return globalCollector
	}

	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by service surface",
		}, []string{"service", "method", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method"}),
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_invocations_total",
			Help:      "Function invocations, by outcome",
		}, []string{"function", "outcome"}),
		InvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "function_invocation_duration_seconds",
			Help:      "Function invocation duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_sent_total",
			Help:      "Messages enqueued",
		}, []string{"queue"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_received_total",
			Help:      "Messages delivered to consumers",
		}, []string{"queue"}),
		MessagesToDLQ: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_dead_lettered_total",
			Help:      "Messages moved to a dead-letter queue",
		}, []string{"queue"}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Event-source dispatches to function targets",
		}, []string{"source"}),
		ScheduleTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_triggers_total",
			Help:      "Schedule rule firings",
		}, []string{"rule"}),
		ExecutionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_started_total",
			Help:      "Workflow executions started",
		}, []string{"state_machine"}),
		ExecutionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_finished_total",
			Help:      "Workflow executions finished, by status",
		}, []string{"state_machine", "status"}),
	}

	registry.MustRegister(
		c.HTTPRequests, c.HTTPDuration,
		c.Invocations, c.InvocationDuration,
		c.MessagesSent, c.MessagesReceived, c.MessagesToDLQ,
		c.EventsDispatched, c.ScheduleTriggered,
		c.ExecutionsStarted, c.ExecutionsFinished,
	)

	globalCollector = c
	return c
}

// Handler exposes the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
