// Package plughost hosts native plugin modules inside a Go process: it loads
// them in dependency order, connects them through an event bus and a typed
// service registry, and reloads them while the host keeps running.
//
// Key Features:
//   - Dependency resolution with semantic version constraints and load priorities
//   - Module loading through exported constructor, destructor and manifest symbols
//   - Typed and named events with queued, filtered and one-shot subscriptions
//   - Service registry with singleton, transient and scoped lifetimes
//   - Hot reload with state carry-over, cascade to dependents and rollback
//   - Reference counted resource cache, worker pool and configuration store
//   - SHA-256 module allow list, Prometheus metrics and gRPC health reporting
//
// Basic Usage:
//
//	logger := plughost.NewZapLogger(zapLogger)
//	bus := plughost.NewEventBus(logger)
//
//	manager := plughost.NewManager(plughost.ManagerOptions{Logger: logger})
//	defer manager.Close()
//
//	err := manager.Initialize(plughost.HostServices{
//		Bus:      bus,
//		Services: plughost.NewServiceRegistry(logger),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if _, err := manager.LoadFromDirectory("./plugins"); err != nil {
//		log.Fatal(err)
//	}
//	if err := manager.InitializeAll(); err != nil {
//		log.Fatal(err)
//	}
//	if err := manager.EnableHotReload(0); err != nil {
//		log.Fatal(err)
//	}
//
// A plugin module is built with -buildmode=plugin and a unique
// -ldflags=-pluginpath per build, and exports CreatePlugin, DestroyPlugin and
// optionally PluginManifest; see examples/counter-plugin.
//
// Reloads:
// A reload snapshots the target and every initialized dependent, tears them
// down in reverse order, loads the new build, reinitializes and restores
// state. Any failure restores the previous build; a plugin whose previous
// build cannot be restored is unloaded and reported by DegradedPlugins.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package plughost
