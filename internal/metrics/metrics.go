package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	arbitrationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rendersync",
			Subsystem: "arbiter",
			Name:      "attempts_total",
			Help:      "Port arbitration attempts by outcome (secured_preferred, secured_evicted, secured_fallback, exhausted).",
		}, []string{"outcome"},
	)
	evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rendersync",
			Subsystem: "arbiter",
			Name:      "evictions_total",
			Help:      "Processes evicted from the daemon's preferred port.",
		},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rendersync",
			Subsystem: "terminator",
			Name:      "terminations_total",
			Help:      "Process terminations by method (graceful, forced, already_gone).",
		}, []string{"method"},
	)
	appStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rendersync",
			Subsystem: "app",
			Name:      "starts_total",
			Help:      "Application starts by kind.",
		}, []string{"kind"},
	)
	appStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rendersync",
			Subsystem: "app",
			Name:      "stops_total",
			Help:      "Application stop requests by kind.",
		}, []string{"kind"},
	)
	spawnedProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "rendersync",
			Subsystem: "registry",
			Name:      "spawned_processes",
			Help:      "Processes currently registered as spawned by this daemon.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		arbitrationAttempts, evictions, terminations,
		appStarts, appStops, spawnedProcesses,
		workerCPU, workerMemoryRSS, workerUptime,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// Already registered is fine (allows double Register with the
			// default registry).
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving the DefaultGatherer. The caller
// wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages. They no-op until Register
// has been called.

func IncArbitration(outcome string) {
	if regOK.Load() {
		arbitrationAttempts.WithLabelValues(outcome).Inc()
	}
}

func IncEviction() {
	if regOK.Load() {
		evictions.Inc()
	}
}

func IncTermination(method string) {
	if regOK.Load() {
		terminations.WithLabelValues(method).Inc()
	}
}

func IncAppStart(kind string) {
	if regOK.Load() {
		appStarts.WithLabelValues(kind).Inc()
	}
}

func IncAppStop(kind string) {
	if regOK.Load() {
		appStops.WithLabelValues(kind).Inc()
	}
}

func SetSpawnedProcesses(n int) {
	if regOK.Load() {
		spawnedProcesses.Set(float64(n))
	}
}
