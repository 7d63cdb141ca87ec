// Package metrics exports this process's own operational metrics via
// Prometheus, distinct from internal/metricsclient, which queries someone
// else's Prometheus for container resource usage.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric this process exports. The zero value is not
// usable; construct via New.
type Registry struct {
	PoolSize         *prometheus.GaugeVec
	PoolUtilization  *prometheus.GaugeVec
	ScaleDecisions   *prometheus.CounterVec
	ScaleFailures    *prometheus.CounterVec
	UptimeSeconds    prometheus.Gauge
}

var (
	global     atomic.Pointer[Registry]
	initOnce   sync.Once
)

// New builds a Registry under namespace and registers every metric with
// reg. Pass prometheus.NewRegistry() in tests to avoid polluting the
// default global registry.
func New(namespace string, reg prometheus.Registerer) *Registry {
	r := &Registry{
		PoolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_containers",
			Help:      "Number of containers currently in a function's pool, by status.",
		}, []string{"function", "status"}),
		PoolUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_utilization_ratio",
			Help:      "Ratio of current pool size to its configured max.",
		}, []string{"function"}),
		ScaleDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scale_decisions_total",
			Help:      "Count of autoscaler scale decisions, by function and direction.",
		}, []string{"function", "direction"}),
		ScaleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scale_failures_total",
			Help:      "Count of failed autoscaler scale attempts, by function and direction.",
		}, []string{"function", "direction"}),
		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the runtime process started.",
		}),
	}

	reg.MustRegister(r.PoolSize, r.PoolUtilization, r.ScaleDecisions, r.ScaleFailures, r.UptimeSeconds)
	return r
}

// Init builds the global registry once against the default Prometheus
// registerer. Safe to call multiple times; later calls are no-ops.
func Init(namespace string) *Registry {
	initOnce.Do(func() {
		global.Store(New(namespace, prometheus.DefaultRegisterer))
	})
	return Global()
}

// Global returns the process-wide registry, or nil if Init was never
// called. Callers should nil-guard before using it, the same way the
// request path nil-guards the operational logger.
func Global() *Registry {
	return global.Load()
}

// Handler returns the promhttp handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
