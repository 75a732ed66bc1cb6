// plugin_manager_test.go: manager load, initialize and unload tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_LoadPlugin(t *testing.T) {
	t.Run("dependency_precedes_dependent", func(t *testing.T) {
		f := newManagerFixture(t)
		f.load(t, testMeta("a", "1.0.0", 100), nil)
		f.load(t, testMeta("b", "1.0.0", 50, "a>=1.0.0"), nil)

		assert.Equal(t, []string{"a", "b"}, f.manager.LoadedPlugins())
		assert.True(t, f.manager.IsLoaded("a"))
		assert.Equal(t, PluginStateLoaded, f.manager.PluginState("b"))

		meta, ok := f.manager.PluginMetadata("b")
		require.True(t, ok)
		assert.Equal(t, "b", meta.Name)
		assert.True(t, meta.DependsOn("a"))
	})

	t.Run("priority_orders_independent_plugins", func(t *testing.T) {
		f := newManagerFixture(t)
		f.load(t, testMeta("low", "1.0.0", 10), nil)
		f.load(t, testMeta("high", "1.0.0", 90), nil)
		f.load(t, testMeta("mid", "1.0.0", 50), nil)

		assert.Equal(t, []string{"high", "mid", "low"}, f.manager.LoadedPlugins())
	})

	t.Run("duplicate_name_is_rejected_and_closed", func(t *testing.T) {
		f := newManagerFixture(t)
		f.load(t, testMeta("a", "1.0.0", 100), nil)

		f.opener.publish("copy-of-a.so", pluginModule(f.journal, testMeta("a", "2.0.0", 100), nil))
		err := f.manager.LoadPlugin("copy-of-a.so")
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeDuplicatePlugin))

		opened, closed := f.opener.counts()
		assert.Equal(t, 2, opened)
		assert.Equal(t, 1, closed)

		meta, _ := f.manager.PluginMetadata("a")
		assert.Equal(t, "1.0.0", meta.Version)
	})

	t.Run("version_range_violation_is_rejected", func(t *testing.T) {
		f := newManagerFixture(t)
		f.load(t, testMeta("a", "1.0.0", 100), nil)

		err := f.manager.LoadPlugin(f.add(testMeta("b", "1.0.0", 50, "a>=9.9.9"), nil))
		require.Error(t, err)
		assert.Equal(t, KindGraph, KindOf(err))
		assert.True(t, HasErrorCode(err, ErrCodeVersionRange))
		assert.False(t, f.manager.IsLoaded("b"))
		assert.False(t, f.manager.Resolver().Has("b"))
		assert.Contains(t, f.journal.list(), "destroy:b")
	})

	t.Run("missing_required_dependency_is_rejected", func(t *testing.T) {
		f := newManagerFixture(t)
		err := f.manager.LoadPlugin(f.add(testMeta("b", "1.0.0", 50, "a"), nil))
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeMissingDependency))
		assert.Empty(t, f.manager.LoadedPlugins())
	})

	t.Run("missing_module", func(t *testing.T) {
		f := newManagerFixture(t)
		err := f.manager.LoadPlugin("nowhere.so")
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeModuleNotFound))
		assert.True(t, f.logger.HasMessage("ERROR", "Failed to load plugin"))
	})

	t.Run("invalid_metadata", func(t *testing.T) {
		f := newManagerFixture(t)
		err := f.manager.LoadPlugin(f.add(testMeta("bad", "not-a-version", 100), nil))
		require.Error(t, err)
		assert.Equal(t, KindGraph, KindOf(err))
		assert.False(t, f.manager.IsLoaded("bad"))
	})
}

func TestManager_LoadFromDirectory(t *testing.T) {
	t.Run("loads_matching_files_and_retries_dependencies", func(t *testing.T) {
		f := newManagerFixture(t)
		dir := t.TempDir()

		// alpha sorts first but needs zeta, so it only loads on the second pass
		for _, file := range []string{"alpha.so", "zeta.so", "notes.txt"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte("module"), 0o600))
		}
		require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.so"), 0o700))

		f.opener.publish(filepath.Join(dir, "alpha.so"), pluginModule(f.journal, testMeta("alpha", "1.0.0", 100, "zeta"), nil))
		f.opener.publish(filepath.Join(dir, "zeta.so"), pluginModule(f.journal, testMeta("zeta", "1.0.0", 100), nil))

		loaded, err := f.manager.LoadFromDirectory(dir)
		require.NoError(t, err)
		assert.Equal(t, 2, loaded)
		assert.Equal(t, []string{"zeta", "alpha"}, f.manager.LoadedPlugins())
	})

	t.Run("broken_modules_are_skipped", func(t *testing.T) {
		f := newManagerFixture(t)
		dir := t.TempDir()
		for _, file := range []string{"good.so", "broken.so", "orphan.so"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte("module"), 0o600))
		}
		f.opener.publish(filepath.Join(dir, "good.so"), pluginModule(f.journal, testMeta("good", "1.0.0", 100), nil))
		f.opener.publish(filepath.Join(dir, "orphan.so"), pluginModule(f.journal, testMeta("orphan", "1.0.0", 100, "absent"), nil))

		loaded, err := f.manager.LoadFromDirectory(dir)
		require.NoError(t, err)
		assert.Equal(t, 1, loaded)
		assert.True(t, f.logger.HasMessage("WARN", "Skipping plugin with unsatisfied dependencies"))
	})

	t.Run("missing_directory_loads_nothing", func(t *testing.T) {
		f := newManagerFixture(t)
		loaded, err := f.manager.LoadFromDirectory(filepath.Join(t.TempDir(), "absent"))
		require.NoError(t, err)
		assert.Zero(t, loaded)
	})

	t.Run("custom_pattern", func(t *testing.T) {
		opener := newFakeOpener()
		m := NewManager(ManagerOptions{Opener: opener, PluginPattern: "*.plugin"})
		t.Cleanup(func() { _ = m.Close() })

		dir := t.TempDir()
		for _, file := range []string{"one.plugin", "two.so"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, file), nil, 0o600))
			opener.publish(filepath.Join(dir, file), pluginModule(nil, testMeta(file, "1.0.0", 100), nil))
		}

		loaded, err := m.LoadFromDirectory(dir)
		require.NoError(t, err)
		assert.Equal(t, 1, loaded)
		assert.True(t, m.IsLoaded("one.plugin"))
	})
}

func TestManager_InitializeAll(t *testing.T) {
	t.Run("initializes_in_load_order_with_context", func(t *testing.T) {
		f := newManagerFixture(t)
		contexts := make(map[string]*PluginContext)
		capture := func(p *testPlugin) {
			p.onInit = func(ctx *PluginContext) error {
				contexts[ctx.PluginName] = ctx
				return nil
			}
		}
		f.load(t, testMeta("core", "1.0.0", 10), capture)
		f.load(t, testMeta("ui", "1.0.0", 90, "core"), capture)

		require.NoError(t, f.manager.InitializeAll())
		assert.Equal(t, []string{"init:core", "init:ui"}, f.journal.with("init:"))
		assert.Equal(t, PluginStateInitialized, f.manager.PluginState("ui"))

		ctx := contexts["ui"]
		require.NotNil(t, ctx)
		assert.Same(t, f.bus, ctx.Bus)
		assert.Same(t, f.services, ctx.Services)
		assert.NotNil(t, ctx.Config)
		assert.NotNil(t, ctx.Logger)

		// a second walk skips initialized plugins
		require.NoError(t, f.manager.InitializeAll())
		assert.Len(t, f.journal.with("init:"), 2)
	})

	t.Run("first_failure_stops_the_walk", func(t *testing.T) {
		f := newManagerFixture(t)
		f.load(t, testMeta("a", "1.0.0", 90), nil)
		f.load(t, testMeta("b", "1.0.0", 50), func(p *testPlugin) { p.initErr = errBoom })
		f.load(t, testMeta("c", "1.0.0", 10), nil)

		err := f.manager.InitializeAll()
		require.Error(t, err)
		assert.Equal(t, KindInit, KindOf(err))
		assert.ErrorIs(t, err, errBoom)

		assert.Equal(t, PluginStateInitialized, f.manager.PluginState("a"))
		assert.Equal(t, PluginStateLoaded, f.manager.PluginState("b"))
		assert.Equal(t, PluginStateLoaded, f.manager.PluginState("c"))
		assert.NotContains(t, f.journal.list(), "init:c")
	})

	t.Run("panicking_initialize_becomes_an_error", func(t *testing.T) {
		f := newManagerFixture(t)
		f.load(t, testMeta("wild", "1.0.0", 100), func(p *testPlugin) { p.initPanic = true })

		err := f.manager.InitializeAll()
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeHookPanic))
		assert.True(t, f.manager.IsLoaded("wild"))
	})

	t.Run("failed_initialize_releases_partial_registrations", func(t *testing.T) {
		f := newManagerFixture(t)
		f.load(t, testMeta("half", "1.0.0", 100), func(p *testPlugin) {
			p.onInit = func(ctx *PluginContext) error {
				ctx.SubscribeNamed("tick", func(any) {})
				ProvideNamedService(ctx, "half.service", 42)
				return errBoom
			}
		})

		require.Error(t, f.manager.InitializeAll())
		assert.Zero(t, f.bus.NamedSubscriberCount("tick"))
		assert.False(t, f.services.IsNamedRegistered("half.service"))
	})

	t.Run("requires_host_services", func(t *testing.T) {
		m := NewManager(ManagerOptions{Opener: newFakeOpener()})
		err := m.InitializeAll()
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeHostNotInitialized))

		err = m.Initialize(HostServices{})
		assert.True(t, HasErrorCode(err, ErrCodeHostNotInitialized))
	})
}

func TestManager_Unload(t *testing.T) {
	t.Run("dependents_are_unloaded_first", func(t *testing.T) {
		f := newManagerFixture(t)
		f.load(t, testMeta("a", "1.0.0", 100), nil)
		f.load(t, testMeta("b", "1.0.0", 100, "a"), nil)
		f.load(t, testMeta("c", "1.0.0", 100, "b"), nil)
		f.load(t, testMeta("solo", "1.0.0", 1), nil)
		require.NoError(t, f.manager.InitializeAll())
		f.journal.reset()

		require.NoError(t, f.manager.UnloadPlugin("a"))
		assert.Equal(t, []string{"shutdown:c", "shutdown:b", "shutdown:a"}, f.journal.with("shutdown:"))
		assert.Equal(t, []string{"solo"}, f.manager.LoadedPlugins())
		assert.False(t, f.manager.Resolver().Has("b"))
		assert.Equal(t, PluginStateUnknown, f.manager.PluginState("a"))
	})

	t.Run("unknown_plugin", func(t *testing.T) {
		f := newManagerFixture(t)
		err := f.manager.UnloadPlugin("ghost")
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodePluginNotFound))
	})

	t.Run("unload_all_runs_in_reverse_load_order", func(t *testing.T) {
		f := newManagerFixture(t)
		f.load(t, testMeta("a", "1.0.0", 100), nil)
		f.load(t, testMeta("b", "1.0.0", 100, "a"), nil)
		f.load(t, testMeta("c", "1.0.0", 100, "b"), nil)
		require.NoError(t, f.manager.InitializeAll())
		f.journal.reset()

		require.NoError(t, f.manager.UnloadAll())
		assert.Equal(t, []string{"shutdown:c", "destroy:c", "shutdown:b", "destroy:b", "shutdown:a", "destroy:a"},
			f.journal.with("shutdown:", "destroy:"))
		assert.Empty(t, f.manager.LoadedPlugins())
		assert.Zero(t, f.manager.Resolver().Count())

		opened, closed := f.opener.counts()
		assert.Equal(t, opened, closed)
	})

	t.Run("owned_registrations_are_evicted", func(t *testing.T) {
		f := newManagerFixture(t)
		f.load(t, testMeta("owner", "1.0.0", 100), func(p *testPlugin) {
			p.onInit = func(ctx *PluginContext) error {
				SubscribeFor(ctx, func(int) {})
				ProvideService(ctx, "owned")
				ctx.ProvideCapability("greeter", "hello")
				AddResourceFor(ctx.Resources, "owner.texture", []byte{1}, ctx.PluginName)
				return nil
			}
		})
		f.bus.SubscribeNamed("host.event", func(any) {})
		require.NoError(t, f.manager.InitializeAll())

		assert.Equal(t, 1, SubscriberCount[int](f.bus))
		assert.True(t, IsRegistered[string](f.services))
		impl, provider, ok := f.manager.Capability("greeter")
		require.True(t, ok)
		assert.Equal(t, "hello", impl)
		assert.Equal(t, "owner", provider)

		require.NoError(t, f.manager.UnloadPlugin("owner"))

		assert.Zero(t, SubscriberCount[int](f.bus))
		assert.Equal(t, 1, f.bus.NamedSubscriberCount("host.event"))
		assert.False(t, IsRegistered[string](f.services))
		_, _, ok = f.manager.Capability("greeter")
		assert.False(t, ok)
	})
}

func TestManager_Capabilities(t *testing.T) {
	f := newManagerFixture(t)
	provide := func(impl string) func(*testPlugin) {
		return func(p *testPlugin) {
			p.onInit = func(ctx *PluginContext) error {
				ctx.ProvideCapability("storage", impl)
				return nil
			}
		}
	}
	f.load(t, testMeta("disk", "1.0.0", 10), provide("disk-store"))
	f.load(t, testMeta("memory", "1.0.0", 90), provide("memory-store"))
	require.NoError(t, f.manager.InitializeAll())

	impl, provider, ok := f.manager.Capability("storage")
	require.True(t, ok)
	assert.Equal(t, "memory-store", impl)
	assert.Equal(t, "memory", provider)
	assert.Equal(t, []string{"disk", "memory"}, f.manager.CapabilityProviders("storage"))

	_, _, ok = f.manager.Capability("printing")
	assert.False(t, ok)
}

func TestManager_Manifest(t *testing.T) {
	f := newManagerFixture(t)
	module := pluginModule(f.journal, testMeta("m", "1.0.0", 100), nil)
	module.manifest = "name: m\nversion: 1.0.0\n"
	f.opener.publish("m.so", module)

	manifest, err := f.manager.Manifest("m.so")
	require.NoError(t, err)
	assert.Equal(t, "name: m\nversion: 1.0.0\n", manifest)
	assert.Empty(t, f.journal.list(), "manifest query must not construct the plugin")
}

func TestManager_Close(t *testing.T) {
	f := newManagerFixture(t)
	f.load(t, testMeta("a", "1.0.0", 100), nil)
	require.NoError(t, f.manager.InitializeAll())

	require.NoError(t, f.manager.Close())
	assert.Empty(t, f.manager.LoadedPlugins())
	assert.Contains(t, f.journal.list(), "shutdown:a")

	err := f.manager.LoadPlugin(f.add(testMeta("b", "1.0.0", 100), nil))
	assert.True(t, HasErrorCode(err, ErrCodeManagerClosed))
	assert.NoError(t, f.manager.Close())
}

func TestManagerOptionsFromConfig(t *testing.T) {
	cfg := NewConfigStoreFromMap(map[string]any{
		"plughost": map[string]any{
			"plugin_pattern": "*.mod",
			"poll_interval":  "250ms",
			"history_size":   5,
		},
	}, nil)

	options := ManagerOptionsFromConfig(cfg)
	assert.Equal(t, "*.mod", options.PluginPattern)
	assert.Equal(t, 250*time.Millisecond, options.PollInterval)
	assert.Equal(t, 5, options.HistorySize)
	assert.Equal(t, DefaultManagerOptions().ShadowDir, options.ShadowDir)

	assert.Equal(t, DefaultManagerOptions(), ManagerOptionsFromConfig(nil))
}
