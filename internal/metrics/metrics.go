package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerSpawns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clusterd",
			Subsystem: "worker",
			Name:      "spawns_total",
			Help:      "Number of worker processes spawned.",
		},
	)
	workerSpawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clusterd",
			Subsystem: "worker",
			Name:      "spawn_failures_total",
			Help:      "Number of worker spawn attempts that failed.",
		},
	)
	workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterd",
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Number of worker exits by classification.",
		}, []string{"kind"},
	)
	crashRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clusterd",
			Subsystem: "worker",
			Name:      "crash_restarts_total",
			Help:      "Number of automatic restarts after an unexpected exit.",
		},
	)
	liveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clusterd",
			Subsystem: "worker",
			Name:      "live",
			Help:      "Current number of live worker processes.",
		},
	)
	rollingRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clusterd",
			Subsystem: "rolling_restart",
			Name:      "total",
			Help:      "Completed rolling restarts by result.",
		}, []string{"result"},
	)
	restartSteps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clusterd",
			Subsystem: "rolling_restart",
			Name:      "step_duration_seconds",
			Help:      "Time from disconnect request to replacement spawn for one worker.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"exit"},
	)
	workerCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "clusterd",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage per live worker.",
		}, []string{"worker"},
	)
	workerRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "clusterd",
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Resident set size per live worker.",
		}, []string{"worker"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerSpawns, workerSpawnFailures, workerExits, crashRestarts, liveWorkers,
		rollingRestarts, restartSteps, workerCPU, workerRSS,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// NewServer returns an HTTP server exposing /metrics on addr for the default registry.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve exposes /metrics on addr using the default registry. It blocks.
func Serve(addr string) error {
	return NewServer(addr).ListenAndServe()
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncSpawn() {
	if regOK.Load() {
		workerSpawns.Inc()
	}
}

func IncSpawnFailure() {
	if regOK.Load() {
		workerSpawnFailures.Inc()
	}
}

// IncExit counts an exit; kind is one of crash, planned, interrupt.
func IncExit(kind string) {
	if regOK.Load() {
		workerExits.WithLabelValues(kind).Inc()
	}
}

func IncCrashRestart() {
	if regOK.Load() {
		crashRestarts.Inc()
	}
}

func SetLiveWorkers(n int) {
	if regOK.Load() {
		liveWorkers.Set(float64(n))
	}
}

// IncRollingRestart counts a finished plan; result is ok or partial.
func IncRollingRestart(result string) {
	if regOK.Load() {
		rollingRestarts.WithLabelValues(result).Inc()
	}
}

// ObserveRestartStep records one recycle step; exit is voluntary or forced.
func ObserveRestartStep(exit string, seconds float64) {
	if regOK.Load() {
		restartSteps.WithLabelValues(exit).Observe(seconds)
	}
}

func setWorkerResources(worker string, cpuPercent float64, rss uint64) {
	if regOK.Load() {
		workerCPU.WithLabelValues(worker).Set(cpuPercent)
		workerRSS.WithLabelValues(worker).Set(float64(rss))
	}
}

func deleteWorkerResources(worker string) {
	workerCPU.DeleteLabelValues(worker)
	workerRSS.DeleteLabelValues(worker)
}
