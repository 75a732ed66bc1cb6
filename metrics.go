// metrics.go: Prometheus metrics for plugin lifecycle, hot reload and events
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics records runtime metrics. Every method is safe on a nil receiver, so
// components can hold an optional *Metrics without checking it.
type Metrics struct {
	loads           *prometheus.CounterVec
	unloads         prometheus.Counter
	initializations *prometheus.CounterVec
	reloads         *prometheus.CounterVec
	reloadDuration  prometheus.Histogram
	loaded          prometheus.Gauge
	degraded        prometheus.Gauge
	events          *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plughost_plugin_loads_total",
			Help: "Plugin load attempts by result",
		}, []string{"result"}),
		unloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plughost_plugin_unloads_total",
			Help: "Plugins unloaded",
		}),
		initializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plughost_plugin_initializations_total",
			Help: "Plugin initializations by plugin and result",
		}, []string{"plugin", "result"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plughost_plugin_reloads_total",
			Help: "Hot reloads by plugin and outcome",
		}, []string{"plugin", "outcome"}),
		reloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "plughost_plugin_reload_duration_seconds",
			Help:    "Duration of hot reload attempts in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		loaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plughost_plugins_loaded",
			Help: "Number of loaded plugins",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plughost_plugins_degraded",
			Help: "Number of plugins left unloaded by a failed reload",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plughost_events_published_total",
			Help: "Events published on the bus by event key",
		}, []string{"event"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "plughost_event_deliveries_total",
			Help: "Event handler invocations by event key",
		}, []string{"event"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.loads, m.unloads, m.initializations, m.reloads, m.reloadDuration,
			m.loaded, m.degraded, m.events, m.deliveries,
		)
	}
	return m
}

// RecordLoad counts a load attempt.
func (m *Metrics) RecordLoad(err error) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(resultLabel(err)).Inc()
}

// RecordUnload counts an unloaded plugin.
func (m *Metrics) RecordUnload() {
	if m == nil {
		return
	}
	m.unloads.Inc()
}

// RecordInitialization counts an initialize call.
func (m *Metrics) RecordInitialization(plugin string, err error) {
	if m == nil {
		return
	}
	m.initializations.WithLabelValues(plugin, resultLabel(err)).Inc()
}

// RecordReload counts a finished reload and observes its duration.
func (m *Metrics) RecordReload(plugin string, outcome ReloadOutcome, duration time.Duration) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(plugin, string(outcome)).Inc()
	m.reloadDuration.Observe(duration.Seconds())
}

// SetPluginCounts updates the loaded and degraded gauges.
func (m *Metrics) SetPluginCounts(loaded, degraded int) {
	if m == nil {
		return
	}
	m.loaded.Set(float64(loaded))
	m.degraded.Set(float64(degraded))
}

// RecordEventPublished counts a publish and its deliveries.
func (m *Metrics) RecordEventPublished(event string, delivered int) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
	m.deliveries.WithLabelValues(event).Add(float64(delivered))
}

func resultLabel(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
