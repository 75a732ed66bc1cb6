// health_reporter.go: per-plugin serving status over the gRPC health protocol
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServicePrefix prefixes the health service name of every plugin.
const HealthServicePrefix = "plughost.plugin/"

// HealthReporter mirrors plugin lifecycle states into a gRPC health server.
//
// The empty service name reports the host as a whole: SERVING while no
// plugin is degraded. Each plugin is reported under HealthServicePrefix+name:
// SERVING once initialized, NOT_SERVING while loaded, reloading or degraded,
// SERVICE_UNKNOWN after unload.
type HealthReporter struct {
	server *health.Server
}

// NewHealthReporter creates a reporter with the host marked SERVING.
func NewHealthReporter() *HealthReporter {
	server := health.NewServer()
	server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &HealthReporter{server: server}
}

// Server returns the underlying health server.
func (h *HealthReporter) Server() *health.Server { return h.server }

// SetPluginState updates the status of plugin. Nil-safe.
func (h *HealthReporter) SetPluginState(plugin string, state PluginState) {
	if h == nil {
		return
	}
	h.server.SetServingStatus(HealthServicePrefix+plugin, servingStatus(state))
}

// SetHostDegraded flips the host status.
func (h *HealthReporter) SetHostDegraded(degraded bool) {
	if h == nil {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if degraded {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", status)
}

// Status returns the current status of plugin.
func (h *HealthReporter) Status(ctx context.Context, plugin string) healthpb.HealthCheckResponse_ServingStatus {
	resp, err := h.server.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthServicePrefix + plugin})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return resp.GetStatus()
}

// Register attaches the health service to a gRPC server.
func (h *HealthReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Serve runs a gRPC server exposing only the health service until ctx is done.
func (h *HealthReporter) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s := grpc.NewServer()
	h.Register(s)

	go func() {
		<-ctx.Done()
		h.server.Shutdown()
		s.GracefulStop()
	}()

	if err := s.Serve(listener); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func servingStatus(state PluginState) healthpb.HealthCheckResponse_ServingStatus {
	switch state {
	case PluginStateInitialized:
		return healthpb.HealthCheckResponse_SERVING
	case PluginStateLoaded, PluginStateReloading, PluginStateDegraded:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
}
