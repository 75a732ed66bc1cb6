// plugin_manager.go: plugin manager with dependency-ordered lifecycle
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
)

// Default manager settings.
const (
	DefaultReloadHistorySize = 32
	DefaultShadowDirName     = "plughost-shadow"
)

// ManagerOptions configures a Manager. The zero value is usable; see
// DefaultManagerOptions for the values applied to unset fields.
type ManagerOptions struct {
	// Logger is any logger accepted by NewLogger
	Logger any

	// Opener opens native modules; nil selects NativeOpener on ShadowDir
	Opener Opener

	// ShadowDir is where NativeOpener copies modules before opening them
	ShadowDir string

	// Symbols overrides the exported entry point names
	Symbols SymbolNames

	// AllowList, when set, is checked before every module is opened
	AllowList *ModuleAllowList

	// Metrics and Health are optional observability sinks
	Metrics *Metrics
	Health  *HealthReporter

	// PluginPattern filters file names in LoadFromDirectory (glob syntax)
	PluginPattern string

	// PollInterval is the hot reload poll interval used when EnableHotReload gets zero
	PollInterval time.Duration

	// HistorySize bounds ReloadHistory
	HistorySize int
}

// DefaultManagerOptions returns the defaults for every option.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		ShadowDir:     filepath.Join(os.TempDir(), DefaultShadowDirName),
		Symbols:       DefaultSymbolNames(),
		PluginPattern: "*" + NativeModuleExtension(),
		PollInterval:  DefaultPollInterval,
		HistorySize:   DefaultReloadHistorySize,
	}
}

// ManagerOptionsFromConfig reads manager options from the plughost.* keys of
// cfg, falling back to DefaultManagerOptions for missing keys.
//
//	plughost:
//	  plugin_pattern: "*.so"
//	  poll_interval: 500ms
//	  history_size: 64
//	  shadow_dir: /var/lib/app/plugins/.shadow
func ManagerOptionsFromConfig(cfg *ConfigStore) ManagerOptions {
	options := DefaultManagerOptions()
	if cfg == nil {
		return options
	}
	options.PluginPattern = cfg.GetString("plughost.plugin_pattern", options.PluginPattern)
	options.PollInterval = cfg.GetDuration("plughost.poll_interval", options.PollInterval)
	options.HistorySize = cfg.GetInt("plughost.history_size", options.HistorySize)
	options.ShadowDir = cfg.GetString("plughost.shadow_dir", options.ShadowDir)
	return options
}

func (o *ManagerOptions) applyDefaults() {
	defaults := DefaultManagerOptions()
	if o.ShadowDir == "" {
		o.ShadowDir = defaults.ShadowDir
	}
	if o.Symbols.Constructor == "" {
		o.Symbols.Constructor = defaults.Symbols.Constructor
	}
	if o.Symbols.Destructor == "" {
		o.Symbols.Destructor = defaults.Symbols.Destructor
	}
	if o.Symbols.Manifest == "" {
		o.Symbols.Manifest = defaults.Symbols.Manifest
	}
	if o.PluginPattern == "" {
		o.PluginPattern = defaults.PluginPattern
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaults.PollInterval
	}
	if o.HistorySize <= 0 {
		o.HistorySize = defaults.HistorySize
	}
}

// managedPlugin is the manager's single owning slot for a loaded plugin.
type managedPlugin struct {
	handle *LoadedPlugin
	state  PluginState

	// file the last successfully initialized build was opened from
	lastGoodPath string
}

// DegradedPlugin describes a plugin left unloaded by a failed reload.
type DegradedPlugin struct {
	Name  string    `json:"name"`
	Path  string    `json:"path"`
	Error error     `json:"-"`
	Since time.Time `json:"since"`
}

// Manager owns every loaded plugin and drives its lifecycle.
//
// Lifecycle operations (load, initialize, unload, reload, hot reload toggling)
// are serialized by an operation lock. The plugin table itself sits behind a
// separate lock that is only held while copying or mutating it, so plugin
// hooks and event handlers may call the read-only queries freely. Hooks must
// not call lifecycle operations of the manager that is running them.
//
// Example usage:
//
//	bus := plughost.NewEventBus(logger)
//	services := plughost.NewServiceRegistry(logger)
//	manager := plughost.NewManager(plughost.ManagerOptions{Logger: logger})
//	if err := manager.Initialize(plughost.HostServices{Bus: bus, Services: services}); err != nil {
//	    return err
//	}
//	if _, err := manager.LoadFromDirectory("./plugins"); err != nil {
//	    return err
//	}
//	if err := manager.InitializeAll(); err != nil {
//	    return err
//	}
//	defer manager.Close()
type Manager struct {
	opMu sync.Mutex
	mu   sync.RWMutex

	plugins  map[string]*managedPlugin
	order    []string
	degraded map[string]DegradedPlugin

	resolver     *DependencyResolver
	loader       *ModuleLoader
	capabilities *capabilityTable
	pattern      glob.Glob

	host      HostServices
	hostReady bool

	watcher   *FileWatcher
	reloading atomic.Bool
	pause     func() error
	resume    func()

	history []ReloadRecord

	closed  bool
	options ManagerOptions
	logger  Logger
	metrics *Metrics
	health  *HealthReporter
}

// NewManager creates a manager. Nothing is loaded until Initialize and one of
// the load operations are called.
func NewManager(options ManagerOptions) *Manager {
	options.applyDefaults()
	logger := NewLogger(options.Logger)

	opener := options.Opener
	if opener == nil {
		opener = NewNativeOpener(options.ShadowDir)
	}

	pattern, err := glob.Compile(options.PluginPattern)
	if err != nil {
		logger.Warn("Invalid plugin pattern, using default", "pattern", options.PluginPattern, "error", err)
		options.PluginPattern = DefaultManagerOptions().PluginPattern
		pattern = glob.MustCompile(options.PluginPattern)
	}

	return &Manager{
		plugins:      make(map[string]*managedPlugin),
		degraded:     make(map[string]DegradedPlugin),
		resolver:     NewDependencyResolver(),
		loader:       NewModuleLoader(opener, logger).WithSymbols(options.Symbols).WithAllowList(options.AllowList),
		capabilities: newCapabilityTable(),
		pattern:      pattern,
		options:      options,
		logger:       logger,
		metrics:      options.Metrics,
		health:       options.Health,
	}
}

// Initialize hands the host services to the manager. Bus and Services are
// required; it must be called before InitializeAll or ReloadPlugin.
func (m *Manager) Initialize(services HostServices) error {
	if services.Bus == nil || services.Services == nil {
		return NewHostNotInitializedError().
			WithContext("reason", "event bus and service registry are required")
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.closed {
		return NewManagerClosedError()
	}
	if m.metrics != nil {
		services.Bus.SetMetrics(m.metrics)
	}
	m.host = services
	m.hostReady = true
	return nil
}

// LoadPlugin loads the module at path, registers it with the resolver and
// recomputes the load order. A module whose name is already loaded, whose
// metadata is invalid or whose dependencies are not satisfied is unloaded
// again before the error is returned.
func (m *Manager) LoadPlugin(path string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	err := m.loadPluginLocked(path)
	m.metrics.RecordLoad(err)
	if err != nil {
		m.logger.Error("Failed to load plugin", "path", path, "error", err)
	}
	return err
}

func (m *Manager) loadPluginLocked(path string) error {
	if m.closed {
		return NewManagerClosedError()
	}

	handle, err := m.loader.Load(path)
	if err != nil {
		return err
	}

	meta := handle.Metadata()
	reject := func(cause error) error {
		if unloadErr := m.loader.Unload(handle); unloadErr != nil {
			m.logger.Warn("Failed to unload rejected plugin", "plugin", meta.Name, "error", unloadErr)
		}
		return cause
	}

	if err := meta.Validate(); err != nil {
		return reject(err)
	}
	if m.IsLoaded(meta.Name) {
		return reject(NewDuplicatePluginError(meta.Name, path))
	}

	if err := m.resolver.Add(meta); err != nil {
		return reject(err)
	}
	if err := m.resolver.Validate(meta); err != nil {
		m.resolver.Remove(meta.Name)
		return reject(err)
	}
	order, err := m.resolver.Resolve()
	if err != nil {
		m.resolver.Remove(meta.Name)
		return reject(err)
	}

	m.mu.Lock()
	m.plugins[meta.Name] = &managedPlugin{
		handle:       handle,
		state:        PluginStateLoaded,
		lastGoodPath: handle.OpenedPath(),
	}
	m.order = order
	delete(m.degraded, meta.Name)
	m.mu.Unlock()

	if m.watcher != nil {
		if err := m.watcher.Watch(path); err != nil {
			m.logger.Warn("Failed to watch plugin for hot reload", "plugin", meta.Name, "path", path, "error", err)
		}
	}

	m.health.SetPluginState(meta.Name, PluginStateLoaded)
	m.updateGauges()
	m.logger.Info("Plugin loaded",
		"plugin", meta.Name, "version", meta.Version, "path", path, "instance_id", handle.InstanceID())
	return nil
}

// LoadFromDirectory loads every module in dir whose file name matches the
// plugin pattern. Subdirectories are not scanned. Modules that fail because a
// required dependency is not loaded yet are retried after the others, until a
// pass makes no progress. Failed modules are logged and skipped. A missing
// directory loads nothing and is not an error.
func (m *Manager) LoadFromDirectory(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.logger.Debug("Plugin directory does not exist", "directory", dir)
			return 0, nil
		}
		return 0, NewDirectoryScanError(dir, err)
	}

	pending := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !m.pattern.Match(entry.Name()) {
			continue
		}
		pending = append(pending, filepath.Join(dir, entry.Name()))
	}

	loaded := 0
	for len(pending) > 0 {
		var retry []string
		progress := false
		for _, path := range pending {
			err := m.LoadPlugin(path)
			switch {
			case err == nil:
				loaded++
				progress = true
			case HasErrorCode(err, ErrCodeMissingDependency):
				retry = append(retry, path)
			}
		}
		if !progress || len(retry) == 0 {
			for _, path := range retry {
				m.logger.Warn("Skipping plugin with unsatisfied dependencies", "path", path)
			}
			break
		}
		pending = retry
	}

	m.logger.Info("Loaded plugins from directory", "directory", dir, "loaded", loaded)
	return loaded, nil
}

// InitializeAll initializes every loaded plugin that is not initialized yet,
// in load order. The first failure stops the walk and is returned; plugins
// initialized before it stay initialized.
func (m *Manager) InitializeAll() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.closed {
		return NewManagerClosedError()
	}
	if !m.hostReady {
		return NewHostNotInitializedError()
	}

	for _, name := range m.LoadedPlugins() {
		mp, ok := m.slot(name)
		if !ok || initialized(mp.handle.Instance()) {
			continue
		}
		if err := m.initializePlugin(name, mp.handle); err != nil {
			m.logger.Error("Plugin initialization failed", "plugin", name, "error", err)
			return err
		}
		m.markInitialized(name, mp.handle)
	}
	return nil
}

// UnloadPlugin unloads name. Plugins that depend on it, directly or
// transitively, are unloaded first, dependents before their dependencies.
// Unloading a degraded plugin clears its degraded record.
func (m *Manager) UnloadPlugin(name string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if !m.IsLoaded(name) {
		m.mu.Lock()
		_, wasDegraded := m.degraded[name]
		delete(m.degraded, name)
		m.mu.Unlock()
		if wasDegraded {
			m.updateGauges()
			return nil
		}
		return NewPluginNotFoundError(name)
	}

	victims := append([]string{name}, m.loadedInOrder(m.resolver.TransitiveDependents(name))...)
	var errs []error
	for i := len(victims) - 1; i >= 0; i-- {
		errs = append(errs, m.unloadLocked(victims[i]))
	}
	return errors.Join(errs...)
}

// UnloadAll unloads every plugin in reverse load order and forgets degraded plugins.
func (m *Manager) UnloadAll() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.unloadAllLocked()
}

func (m *Manager) unloadAllLocked() error {
	names := m.LoadedPlugins()
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		errs = append(errs, m.unloadLocked(names[i]))
	}

	m.mu.Lock()
	m.degraded = make(map[string]DegradedPlugin)
	m.mu.Unlock()
	m.updateGauges()
	return errors.Join(errs...)
}

func (m *Manager) unloadLocked(name string) error {
	mp, ok := m.slot(name)
	if !ok {
		return nil
	}
	path := mp.handle.Path()

	err := m.teardown(name)
	m.resolver.Remove(name)

	m.mu.Lock()
	m.order = removeName(m.order, name)
	m.mu.Unlock()

	if m.watcher != nil {
		m.watcher.Unwatch(path)
	}
	m.metrics.RecordUnload()
	m.health.SetPluginState(name, PluginStateUnknown)
	m.updateGauges()

	if err != nil {
		m.logger.Warn("Plugin unloaded with errors", "plugin", name, "error", err)
		return err
	}
	m.logger.Info("Plugin unloaded", "plugin", name)
	return nil
}

// teardown removes name from its slot, shuts it down, evicts everything it
// owns from the host services and releases the module. The resolver and
// load order are left to the caller.
func (m *Manager) teardown(name string) error {
	m.mu.Lock()
	mp, ok := m.plugins[name]
	delete(m.plugins, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	instance := mp.handle.Instance()
	var shutdownErr error
	if initialized(instance) {
		shutdownErr = callSafely(name, "Shutdown", func() error {
			instance.Shutdown()
			return nil
		})
	}
	m.cleanupPlugin(name)

	return errors.Join(shutdownErr, m.loader.Unload(mp.handle))
}

// cleanupPlugin evicts every subscription, service, resource and capability owned by name.
func (m *Manager) cleanupPlugin(name string) {
	var subscriptions, services, resources int
	if m.host.Bus != nil {
		subscriptions = m.host.Bus.UnsubscribePlugin(name)
	}
	if m.host.Services != nil {
		services = m.host.Services.UnregisterPlugin(name)
	}
	if m.host.Resources != nil {
		resources = m.host.Resources.UnloadPlugin(name)
	}
	capabilities := m.capabilities.removePlugin(name)

	m.logger.Debug("Plugin resources released",
		"plugin", name,
		"subscriptions", subscriptions,
		"services", services,
		"resources", resources,
		"capabilities", capabilities)
}

func (m *Manager) newContext(name string) *PluginContext {
	return &PluginContext{
		Bus:          m.host.Bus,
		Services:     m.host.Services,
		Host:         m.host.Host,
		Workers:      m.host.Workers,
		Config:       m.host.Config,
		Resources:    m.host.Resources,
		PluginName:   name,
		Logger:       m.logger.With("plugin", name),
		capabilities: m.capabilities,
	}
}

// initializePlugin runs Initialize with a fresh context. On failure whatever
// the plugin registered before failing is evicted again.
func (m *Manager) initializePlugin(name string, handle *LoadedPlugin) error {
	ctx := m.newContext(name)
	instance := handle.Instance()
	err := callSafely(name, "Initialize", func() error {
		return instance.Initialize(ctx)
	})
	m.metrics.RecordInitialization(name, err)
	if err != nil {
		m.cleanupPlugin(name)
		return NewInitFailedError(name, err)
	}
	return nil
}

func (m *Manager) markInitialized(name string, handle *LoadedPlugin) {
	m.setState(name, PluginStateInitialized)
	m.logger.Info("Plugin initialized", "plugin", name, "version", handle.Metadata().Version)
}

// Close disables hot reload and unloads every plugin. Later lifecycle calls
// fail with ErrCodeManagerClosed.
func (m *Manager) Close() error {
	watchErr := m.DisableHotReload()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return errors.Join(watchErr, m.unloadAllLocked())
}

// IsLoaded reports whether name is loaded.
func (m *Manager) IsLoaded(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.plugins[name]
	return ok
}

// LoadedPlugins returns the loaded plugin names in load order.
func (m *Manager) LoadedPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.order))
	for _, name := range m.order {
		if _, ok := m.plugins[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// PluginMetadata returns the metadata of a loaded plugin.
func (m *Manager) PluginMetadata(name string) (PluginMetadata, bool) {
	mp, ok := m.slot(name)
	if !ok {
		return PluginMetadata{}, false
	}
	return mp.handle.Metadata(), true
}

// Plugin returns the instance of a loaded plugin.
func (m *Manager) Plugin(name string) (Plugin, bool) {
	mp, ok := m.slot(name)
	if !ok {
		return nil, false
	}
	return mp.handle.Instance(), true
}

// PluginState returns the lifecycle state of name; PluginStateUnknown if the
// manager does not know it.
func (m *Manager) PluginState(name string) PluginState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mp, ok := m.plugins[name]; ok {
		return mp.state
	}
	if _, ok := m.degraded[name]; ok {
		return PluginStateDegraded
	}
	return PluginStateUnknown
}

// DegradedPlugins returns the plugins left unloaded by failed reloads, by name.
func (m *Manager) DegradedPlugins() []DegradedPlugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DegradedPlugin, 0, len(m.degraded))
	for _, d := range m.degraded {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Capability returns the implementation of capability from the first provider
// in load order, and the provider's name.
func (m *Manager) Capability(capability string) (any, string, bool) {
	return m.capabilities.lookup(capability, m.LoadedPlugins())
}

// CapabilityProviders returns the plugins providing capability, by name.
func (m *Manager) CapabilityProviders(capability string) []string {
	return m.capabilities.providersOf(capability)
}

// Manifest returns the manifest of the module at path without constructing it.
func (m *Manager) Manifest(path string) (string, error) {
	return m.loader.Manifest(path)
}

// Resolver exposes the dependency graph for read-only queries.
func (m *Manager) Resolver() *DependencyResolver {
	return m.resolver
}

func (m *Manager) slot(name string) (*managedPlugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.plugins[name]
	return mp, ok
}

func (m *Manager) setState(name string, state PluginState) {
	m.mu.Lock()
	if mp, ok := m.plugins[name]; ok {
		mp.state = state
	}
	m.mu.Unlock()
	m.health.SetPluginState(name, state)
}

// loadedInOrder filters names to loaded plugins and sorts them by load order.
func (m *Manager) loadedInOrder(names []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	position := make(map[string]int, len(m.order))
	for i, name := range m.order {
		position[name] = i
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := m.plugins[name]; ok {
			out = append(out, name)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return position[out[i]] < position[out[j]] })
	return out
}

// pluginForPath returns the loaded plugin whose module path is path. Both
// sides are compared in absolute form, so a plugin loaded from a relative
// path matches the absolute paths the watcher reports.
func (m *Manager) pluginForPath(path string) (string, bool) {
	path = absPath(path)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, mp := range m.plugins {
		if absPath(mp.handle.Path()) == path {
			return name, true
		}
	}
	return "", false
}

func (m *Manager) updateGauges() {
	m.mu.RLock()
	loaded, degraded := len(m.plugins), len(m.degraded)
	m.mu.RUnlock()
	m.metrics.SetPluginCounts(loaded, degraded)
	m.health.SetHostDegraded(degraded > 0)
}

func removeName(names []string, name string) []string {
	out := names[:0:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

func joinNames(names []string) string {
	return strings.Join(names, ",")
}
