package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "moorgate",
			Subsystem: "gateway",
			Name:      "sessions_open",
			Help:      "Currently open client sessions.",
		},
	)
	engineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "moorgate",
			Subsystem: "gateway",
			Name:      "engine_state",
			Help:      "Engine slot state (1 for the active state, 0 otherwise).",
		},
		[]string{"state"},
	)
	framesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moorgate",
			Subsystem: "gateway",
			Name:      "frames_routed_total",
			Help:      "Session data frames routed through the gateway.",
		},
		[]string{"direction"},
	)
	inputDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moorgate",
			Subsystem: "gateway",
			Name:      "input_dropped_total",
			Help:      "Client input dropped or rejected while no engine was attached.",
		},
		[]string{"policy"},
	)
	engineRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "moorgate",
			Subsystem: "gateway",
			Name:      "engine_restarts_total",
			Help:      "Completed engine attach events after the first.",
		},
	)
	lifecycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "moorgate",
			Subsystem: "gateway",
			Name:      "lifecycle_duration_seconds",
			Help:      "Duration of engine lifecycle commands.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"verb", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsOpen,
			engineState,
			framesRouted,
			inputDropped,
			engineRestarts,
			lifecycleDuration,
		)
	})
}

func RecordSessionOpened() {
	RegisterMetrics()
	sessionsOpen.Inc()
}

func RecordSessionClosed() {
	RegisterMetrics()
	sessionsOpen.Dec()
}

// SetEngineState marks exactly one engine slot state as active.
func SetEngineState(active string, all []string) {
	RegisterMetrics()
	for _, state := range all {
		v := 0.0
		if state == active {
			v = 1.0
		}
		engineState.WithLabelValues(state).Set(v)
	}
}

func RecordFrameRouted(direction string) {
	RegisterMetrics()
	framesRouted.WithLabelValues(direction).Inc()
}

func RecordInputDropped(policy string) {
	RegisterMetrics()
	inputDropped.WithLabelValues(policy).Inc()
}

func RecordEngineRestart() {
	RegisterMetrics()
	engineRestarts.Inc()
}

func RecordLifecycle(verb string, outcome string, duration time.Duration) {
	RegisterMetrics()
	lifecycleDuration.WithLabelValues(verb, outcome).Observe(duration.Seconds())
}
