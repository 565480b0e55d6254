package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "moltworker"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	ensureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "ensure_total",
			Help:      "Ensure calls by outcome (reused, launched, failed).",
		}, []string{"outcome"},
	)
	ensureDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "ensure_duration_seconds",
			Help:      "Wall time of one ensure procedure.",
			Buckets:   []float64{0.01, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120, 180},
		}, []string{"outcome"},
	)
	launches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "launches_total",
			Help:      "Gateway processes started.",
		},
	)
	kills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "kills_total",
			Help:      "Gateway processes killed by reason.",
		}, []string{"reason"},
	)
	probeResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "results_total",
			Help:      "Connectivity probe outcomes.",
		}, []string{"result"},
	)
	relaySessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions_active",
			Help:      "WebSocket sessions currently relayed.",
		},
	)
	relayFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Frames forwarded by direction and kind.",
		}, []string{"direction", "kind"},
	)
	relayRewrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rewrites_total",
			Help:      "Frames modified in flight (handshake, error, close_reason).",
		}, []string{"kind"},
	)
	httpRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "http_requests_total",
			Help:      "HTTP requests forwarded to the gateway by status class.",
		}, []string{"class"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		ensureTotal, ensureDuration, launches, kills, probeResults,
		relaySessions, relayFrames, relayRewrites, httpRelayed,
		gatewayCPU, gatewayRSS,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveEnsure(outcome string, seconds float64) {
	if regOK.Load() {
		ensureTotal.WithLabelValues(outcome).Inc()
		ensureDuration.WithLabelValues(outcome).Observe(seconds)
	}
}

func IncLaunch() {
	if regOK.Load() {
		launches.Inc()
	}
}

func IncKill(reason string) {
	if regOK.Load() {
		kills.WithLabelValues(reason).Inc()
	}
}

func IncProbe(result string) {
	if regOK.Load() {
		probeResults.WithLabelValues(result).Inc()
	}
}

func SessionOpened() {
	if regOK.Load() {
		relaySessions.Inc()
	}
}

func SessionClosed() {
	if regOK.Load() {
		relaySessions.Dec()
	}
}

func IncFrame(direction, kind string) {
	if regOK.Load() {
		relayFrames.WithLabelValues(direction, kind).Inc()
	}
}

func IncRewrite(kind string) {
	if regOK.Load() {
		relayRewrites.WithLabelValues(kind).Inc()
	}
}

func IncHTTP(status int) {
	if regOK.Load() {
		httpRelayed.WithLabelValues(statusClass(status)).Inc()
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}
