// plugin.go: Core plugin interfaces and lifecycle states
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

// Plugin is the instance interface every loadable module constructs.
//
// Initialize receives a per-plugin context holding the host services; every
// subscription and service registration made through that context is tagged
// with the plugin's name so the manager can evict it on unload or reload.
type Plugin interface {
	// Name returns the unique plugin name (must match Metadata().Name)
	Name() string

	// Version returns the plugin version string
	Version() string

	// Metadata returns the declared plugin metadata
	Metadata() PluginMetadata

	// Initialize prepares the plugin; returning an error aborts initialization
	Initialize(ctx *PluginContext) error

	// Shutdown releases everything acquired in Initialize
	Shutdown()

	// IsInitialized reports whether Initialize succeeded and Shutdown was not yet called
	IsInitialized() bool
}

// StatefulPlugin is implemented by plugins that carry state across hot reloads.
type StatefulPlugin interface {
	Plugin

	// SerializeState captures the plugin state right before teardown
	SerializeState() (string, error)

	// DeserializeState restores state on the freshly initialized instance
	DeserializeState(state string) error
}

// ReloadAwarePlugin is implemented by plugins that want reload notifications.
type ReloadAwarePlugin interface {
	Plugin

	// OnBeforeReload is called before the state snapshot is taken
	OnBeforeReload()

	// OnAfterReload is called on the new instance once its state is restored
	OnAfterReload()
}

// PluginState is the lifecycle state of a plugin tracked by the manager.
type PluginState int

const (
	PluginStateUnknown PluginState = iota
	PluginStateLoaded
	PluginStateInitialized
	PluginStateReloading
	PluginStateDegraded
)

// String returns a human-readable representation of the plugin state.
func (s PluginState) String() string {
	switch s {
	case PluginStateLoaded:
		return "loaded"
	case PluginStateInitialized:
		return "initialized"
	case PluginStateReloading:
		return "reloading"
	case PluginStateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// ReloadPhase names the step of the hot-reload protocol a reload reached.
type ReloadPhase string

const (
	ReloadPhaseStable         ReloadPhase = "stable"
	ReloadPhaseQuiescing      ReloadPhase = "quiescing"
	ReloadPhaseSnapshotting   ReloadPhase = "snapshotting"
	ReloadPhaseUnloading      ReloadPhase = "unloading"
	ReloadPhaseReloading      ReloadPhase = "reloading"
	ReloadPhaseReinitializing ReloadPhase = "reinitializing"
	ReloadPhaseRollback       ReloadPhase = "rollback"
	ReloadPhaseDegraded       ReloadPhase = "degraded"
)

// ReloadOutcome is the terminal state of a reload attempt.
type ReloadOutcome string

const (
	ReloadOutcomeSuccess    ReloadOutcome = "success"
	ReloadOutcomeRolledBack ReloadOutcome = "rolled_back"
	ReloadOutcomeDegraded   ReloadOutcome = "degraded"
)
