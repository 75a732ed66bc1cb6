// observability_test.go: health reporting and Prometheus metrics
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthReporter_PluginStates(t *testing.T) {
	h := NewHealthReporter()
	ctx := context.Background()

	assert.Equal(t, healthpb.HealthCheckResponse_SERVICE_UNKNOWN, h.Status(ctx, "absent"))

	tests := []struct {
		state PluginState
		want  healthpb.HealthCheckResponse_ServingStatus
	}{
		{PluginStateInitialized, healthpb.HealthCheckResponse_SERVING},
		{PluginStateLoaded, healthpb.HealthCheckResponse_NOT_SERVING},
		{PluginStateReloading, healthpb.HealthCheckResponse_NOT_SERVING},
		{PluginStateDegraded, healthpb.HealthCheckResponse_NOT_SERVING},
		{PluginStateUnknown, healthpb.HealthCheckResponse_SERVICE_UNKNOWN},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			h.SetPluginState("calc", tt.state)
			assert.Equal(t, tt.want, h.Status(ctx, "calc"))
		})
	}
}

func TestHealthReporter_HostStatus(t *testing.T) {
	h := NewHealthReporter()
	ctx := context.Background()
	host := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := h.Server().Check(ctx, &healthpb.HealthCheckRequest{})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, host())
	h.SetHostDegraded(true)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, host())
	h.SetHostDegraded(false)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, host())

	var none *HealthReporter
	assert.NotPanics(t, func() {
		none.SetPluginState("calc", PluginStateLoaded)
		none.SetHostDegraded(true)
	})
}

func TestHealthReporter_ServeStopsWithContext(t *testing.T) {
	h := NewHealthReporter()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("health server did not stop")
	}
}

func TestMetrics_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordLoad(nil)
	m.RecordLoad(errBoom)
	m.RecordUnload()
	m.RecordInitialization("calc", nil)
	m.RecordReload("calc", ReloadOutcomeRolledBack, 15*time.Millisecond)
	m.SetPluginCounts(3, 1)
	m.RecordEventPublished("plughost.tick", 2)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "plughost_plugin_loads_total")
	assert.Contains(t, names, "plughost_plugin_reload_duration_seconds")
	assert.Contains(t, names, "plughost_plugins_degraded")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.loads.WithLabelValues(ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("calc", string(ReloadOutcomeRolledBack))))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.loaded))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues("plughost.tick")))

	var none *Metrics
	assert.NotPanics(t, func() {
		none.RecordLoad(nil)
		none.RecordReload("calc", ReloadOutcomeSuccess, time.Second)
		none.SetPluginCounts(0, 0)
	})
}

func TestManager_ReportsHealthAndMetrics(t *testing.T) {
	opener := newFakeOpener()
	j := &journal{}
	metrics := NewMetrics(nil)
	health := NewHealthReporter()
	logger := NewTestLogger()

	m := NewManager(ManagerOptions{Logger: logger, Opener: opener, Metrics: metrics, Health: health})
	defer m.Close()
	require.NoError(t, m.Initialize(HostServices{Bus: NewEventBus(logger), Services: NewServiceRegistry(logger)}))

	opener.publish("a.so", pluginModule(j, testMeta("a", "1.0.0", 0), nil))
	require.NoError(t, m.LoadPlugin("a.so"))
	assert.Error(t, m.LoadPlugin("missing.so"))

	ctx := context.Background()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, health.Status(ctx, "a"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.loads.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.loads.WithLabelValues(ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.loaded))

	require.NoError(t, m.InitializeAll())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, health.Status(ctx, "a"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.initializations.WithLabelValues("a", ResultSuccess)))

	require.NoError(t, m.ReloadPlugin("a"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reloads.WithLabelValues("a", string(ReloadOutcomeSuccess))))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, health.Status(ctx, "a"))

	require.NoError(t, m.UnloadPlugin("a"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVICE_UNKNOWN, health.Status(ctx, "a"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.unloads))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.loaded))
}
