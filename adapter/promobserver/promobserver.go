// Package promobserver exports xmesh lifecycle events as Prometheus metrics.
//
//	obs := promobserver.New(prometheus.NewRegistry())
//	node, _ := xmesh.NewNodeBuilder().WithObserver(obs).Build()
//	obs.WatchNode(node)
//	http.Handle("/metrics", obs.Handler())
package promobserver

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trickstertwo/xmesh"
)

const namespace = "xmesh"

// Observer implements xmesh.Observer on a Prometheus registry.
type Observer struct {
	reg      *prometheus.Registry
	factory  promauto.Factory
	events   *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	attempts prometheus.Histogram
}

var _ xmesh.Observer = (*Observer)(nil)

// New registers the event metrics on reg (a fresh registry when nil).
func New(reg *prometheus.Registry) *Observer {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Observer{
		reg:     reg,
		factory: f,
		events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Lifecycle events by component and type",
			},
			[]string{"component", "type"},
		),
		failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_total",
				Help:      "Events that carried an error, by component and type",
			},
			[]string{"component", "type"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_duration_seconds",
				Help:      "Duration attached to events (delivery attempts, fan-out latency)",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component", "type"},
		),
		attempts: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_attempts",
				Help:      "Attempts used by messages that reached a terminal state",
				Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
			},
		),
	}
}

func (o *Observer) OnEvent(e xmesh.Event) {
	component := e.Component
	if component == "" {
		component = "unknown"
	}
	typ := string(e.Type)
	o.events.WithLabelValues(component, typ).Inc()
	if e.Err != nil {
		o.failures.WithLabelValues(component, typ).Inc()
	}
	if e.Duration > 0 {
		o.duration.WithLabelValues(component, typ).Observe(e.Duration.Seconds())
	}
	if (e.Type == xmesh.Delivered || e.Type == xmesh.DeadLettered) && e.Attempts > 0 {
		o.attempts.Observe(float64(e.Attempts))
	}
}

// WatchNode adds gauges read from the node's health snapshot at scrape time.
// Call it once per node.
func (o *Observer) WatchNode(h xmesh.HealthChecker) {
	snapshot := func() xmesh.HealthStatus {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return h.Health(ctx)
	}
	gauge := func(name, help string, fn func(xmesh.HealthStatus) float64) {
		o.factory.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return fn(snapshot()) })
	}
	gauge("queue_pending", "Entries waiting in the delivery queue",
		func(s xmesh.HealthStatus) float64 { return float64(s.Queue.Pending) })
	gauge("queue_dead_letters", "Entries in the dead-letter list",
		func(s xmesh.HealthStatus) float64 { return float64(s.Queue.DeadLetters) })
	gauge("active_connections", "Agents registered with the bridge",
		func(s xmesh.HealthStatus) float64 { return float64(s.Bridge.ActiveConnections) })
	gauge("history_size", "Messages kept in bridge history",
		func(s xmesh.HealthStatus) float64 { return float64(s.Bridge.HistorySize) })
	gauge("healthy", "1 when the node reports healthy, 0.5 degraded, 0 otherwise",
		func(s xmesh.HealthStatus) float64 {
			switch s.Status {
			case "healthy":
				return 1
			case "degraded":
				return 0.5
			}
			return 0
		})
}

// Registry exposes the underlying registry for extra collectors.
func (o *Observer) Registry() *prometheus.Registry { return o.reg }

// Handler serves the registry in the Prometheus exposition format.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.reg, promhttp.HandlerOpts{Registry: o.reg})
}
