// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts every request entering the pipeline.
	RequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nylon_requests_total",
		Help: "Total number of proxied requests.",
	})

	// RouteMisses counts requests that matched no route.
	RouteMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nylon_route_misses_total",
		Help: "Requests that matched no route.",
	})

	// UpstreamSelectFailures counts selections with no available backend.
	UpstreamSelectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nylon_upstream_select_failures_total",
		Help: "Backend selections that found no healthy backend.",
	})

	// PluginSessions counts plugin sessions opened, per carrier.
	PluginSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nylon_plugin_sessions_total",
		Help: "Plugin sessions opened.",
	}, []string{"carrier"})

	// ConfigReloads counts configuration reload attempts by outcome.
	ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nylon_config_reloads_total",
		Help: "Configuration reloads.",
	}, []string{"result"})
)

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
