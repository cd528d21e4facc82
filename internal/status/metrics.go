// Package status exposes inkclock's health and Prometheus metrics over
// a small HTTP endpoint.
package status

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/inkclock/internal/buildinfo"
)

const namespace = "inkclock"

// Metrics holds the collectors. It satisfies refresh.Metrics and its
// DependencyChanged method plugs into connwatch.Target.OnChange.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	messages      *prometheus.CounterVec
	displayErrors prometheus.Counter
	elapsed       prometheus.Gauge
	indicator     prometheus.Gauge
	lastCycle     prometheus.Gauge
	dependencyUp  *prometheus.GaugeVec
}

// NewMetrics creates the collectors on a private registry, along with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_cycles_total",
			Help:      "Display refresh cycles by outcome.",
		}, []string{"outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "MQTT messages accepted, by role.",
		}, []string{"role"}),
		displayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "display_errors_total",
			Help:      "Frames the display surface failed to show.",
		}),
		elapsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "elapsed_seconds",
			Help:      "Elapsed time behind the current label.",
		}),
		indicator: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indicator_on",
			Help:      "1 while the LED indicator is on.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_refresh_timestamp_seconds",
			Help:      "Unix time of the last refresh cycle.",
		}),
		dependencyUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dependency_up",
			Help:      "1 while a network dependency is reachable.",
		}, []string{"dependency"}),
	}

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build metadata; always 1.",
		ConstLabels: prometheus.Labels{"version": buildinfo.Version, "commit": buildinfo.GitCommit},
	})
	buildInfo.Set(1)

	m.registry.MustRegister(
		m.cycles,
		m.messages,
		m.displayErrors,
		m.elapsed,
		m.indicator,
		m.lastCycle,
		m.dependencyUp,
		buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// MessageReceived counts an accepted message.
func (m *Metrics) MessageReceived(role string) {
	m.messages.WithLabelValues(role).Inc()
}

// CycleCompleted records one refresh cycle.
func (m *Metrics) CycleCompleted(outcome string, elapsed time.Duration, indicator bool) {
	m.cycles.WithLabelValues(outcome).Inc()
	m.elapsed.Set(elapsed.Seconds())
	if indicator {
		m.indicator.Set(1)
	} else {
		m.indicator.Set(0)
	}
	m.lastCycle.SetToCurrentTime()
}

// DisplayFailed counts a surface error.
func (m *Metrics) DisplayFailed() {
	m.displayErrors.Inc()
}

// DependencyChanged tracks connwatch transitions.
func (m *Metrics) DependencyChanged(name string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.dependencyUp.WithLabelValues(name).Set(v)
}

// TrackDropped exposes a running count of rate-limited MQTT messages
// read from fn at scrape time.
func (m *Metrics) TrackDropped(fn func() int64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dropped_total",
		Help:      "MQTT messages dropped by the inbound rate limiter.",
	}, func() float64 { return float64(fn()) }))
}
