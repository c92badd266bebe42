package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proxy_launcher"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process starts.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of observed process exits.",
		}, []string{"name"},
	)
	processKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "kills_total",
			Help:      "Number of OS processes terminated by name.",
		}, []string{"name"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of unexpected terminations of a running process.",
		}, []string{"name"},
	)
	processRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "running",
			Help:      "Whether the launcher considers the process running (1) or not (0).",
		}, []string{"name"},
	)

	stageTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "stage_transitions_total",
			Help:      "Number of workflow stage transitions.",
		}, []string{"from", "to"},
	)
	currentStage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "current_stage",
			Help:      "Current workflow stage (1 = active, 0 = inactive).",
		}, []string{"stage"},
	)
	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "step_duration_seconds",
			Help:      "Duration of blocking workflow steps (provision, build, move, keystore).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step", "result"},
	)
	secretWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "secret_writes_total",
			Help:      "Secret provisioning attempts by result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processStops, processKills, processCrashes, processRunning,
		stageTransitions, currentStage, stepDuration, secretWrites,
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func AddKills(name string, n int) {
	if regOK.Load() && n > 0 {
		processKills.WithLabelValues(name).Add(float64(n))
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(name).Inc()
	}
}

func SetRunning(name string, running bool) {
	if regOK.Load() {
		v := 0.0
		if running {
			v = 1
		}
		processRunning.WithLabelValues(name).Set(v)
	}
}

// RecordStageTransition counts the transition and flips the current-stage gauge.
func RecordStageTransition(from, to string) {
	if regOK.Load() {
		stageTransitions.WithLabelValues(from, to).Inc()
		currentStage.WithLabelValues(from).Set(0)
		currentStage.WithLabelValues(to).Set(1)
	}
}

func ObserveStep(step string, ok bool, seconds float64) {
	if regOK.Load() {
		stepDuration.WithLabelValues(step, result(ok)).Observe(seconds)
	}
}

func IncSecretWrite(ok bool) {
	if regOK.Load() {
		secretWrites.WithLabelValues(result(ok)).Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
