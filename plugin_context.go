// plugin_context.go: host services and the per-plugin initialization context
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"sort"
	"sync"
)

// HostServices are the shared runtime services the host hands to the manager.
// Bus and Services are required; the rest are optional.
type HostServices struct {
	Bus       *EventBus
	Services  *ServiceRegistry
	Host      any
	Workers   *WorkerPool
	Config    *ConfigStore
	Resources *ResourceCache
}

// PluginContext is given to Plugin.Initialize. Subscriptions, services and
// resources created through its helpers are owned by the plugin and removed
// automatically when it is unloaded or reloaded.
type PluginContext struct {
	Bus        *EventBus
	Services   *ServiceRegistry
	Host       any
	Workers    *WorkerPool
	Config     *ConfigStore
	Resources  *ResourceCache
	PluginName string
	Logger     Logger

	capabilities *capabilityTable
}

// ProvideCapability publishes impl under a capability name so other plugins
// and the host can find it through Manager.Capability.
func (c *PluginContext) ProvideCapability(capability string, impl any) {
	c.capabilities.provide(capability, c.PluginName, impl)
}

// SubscribeNamed subscribes to a named event on behalf of the plugin.
func (c *PluginContext) SubscribeNamed(name string, handler func(any), opts ...SubscribeOption) SubscriptionID {
	return c.Bus.SubscribeNamed(name, handler, append(opts, WithOwner(c.PluginName))...)
}

// SubscribeFor subscribes to events of type T on behalf of the plugin.
func SubscribeFor[T any](c *PluginContext, handler func(T), opts ...SubscribeOption) SubscriptionID {
	return Subscribe(c.Bus, handler, append(opts, WithOwner(c.PluginName))...)
}

// ProvideService registers instance under type T on behalf of the plugin.
func ProvideService[T any](c *PluginContext, instance T) {
	RegisterSingleton(c.Services, instance, OwnedBy(c.PluginName))
}

// ProvideServiceFactory registers a factory for T on behalf of the plugin.
func ProvideServiceFactory[T any](c *PluginContext, lifetime Lifetime, factory func() (T, error)) error {
	return RegisterFactory(c.Services, lifetime, factory, OwnedBy(c.PluginName))
}

// ProvideNamedService registers instance under name on behalf of the plugin.
func ProvideNamedService[T any](c *PluginContext, name string, instance T) {
	RegisterNamed(c.Services, name, instance, OwnedBy(c.PluginName))
}

// LoadPluginResource loads a resource owned by the plugin. Requires a resource cache.
func LoadPluginResource[T any](c *PluginContext, key string) (T, error) {
	if c.Resources == nil {
		var zero T
		return zero, NewNoResourceLoaderError("resource cache")
	}
	return LoadResourceFor[T](c.Resources, key, c.PluginName)
}

// capabilityTable maps capability names to the plugins providing them.
type capabilityTable struct {
	mu        sync.RWMutex
	providers map[string]map[string]any
}

func newCapabilityTable() *capabilityTable {
	return &capabilityTable{providers: make(map[string]map[string]any)}
}

func (t *capabilityTable) provide(capability, plugin string, impl any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byPlugin, ok := t.providers[capability]
	if !ok {
		byPlugin = make(map[string]any)
		t.providers[capability] = byPlugin
	}
	byPlugin[plugin] = impl
}

// lookup returns the implementation from the first provider in order that
// offers capability.
func (t *capabilityTable) lookup(capability string, order []string) (any, string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byPlugin := t.providers[capability]
	for _, plugin := range order {
		if impl, ok := byPlugin[plugin]; ok {
			return impl, plugin, true
		}
	}
	return nil, "", false
}

func (t *capabilityTable) providersOf(capability string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.providers[capability]))
	for plugin := range t.providers[capability] {
		names = append(names, plugin)
	}
	sort.Strings(names)
	return names
}

func (t *capabilityTable) removePlugin(plugin string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for capability, byPlugin := range t.providers {
		if _, ok := byPlugin[plugin]; ok {
			delete(byPlugin, plugin)
			removed++
		}
		if len(byPlugin) == 0 {
			delete(t.providers, capability)
		}
	}
	return removed
}
