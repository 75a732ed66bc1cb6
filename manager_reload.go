// manager_reload.go: hot reload protocol with rollback
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"errors"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/oklog/ulid/v2"
)

// A change detected while another reload runs is retried this many times.
const (
	hotReloadRetries    = 20
	hotReloadRetryDelay = 50 * time.Millisecond
)

// ReloadRecord describes one reload attempt.
type ReloadRecord struct {
	ID       string        `json:"id"`
	Plugin   string        `json:"plugin"`
	Cascade  []string      `json:"cascade,omitempty"`
	Phase    ReloadPhase   `json:"phase"`
	Outcome  ReloadOutcome `json:"outcome"`
	Error    error         `json:"-"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
}

// reloadMember is what the manager knew about a cascade member before the reload.
type reloadMember struct {
	sourcePath     string
	lastGoodPath   string
	metadata       PluginMetadata
	wasInitialized bool
}

type reloadAttempt struct {
	target    string
	members   []string
	previous  map[string]reloadMember
	snapshots map[string]string
	notified  map[string]bool
	phase     ReloadPhase
	failed    ReloadPhase
	tornDown  bool
}

// SetQuiesceHooks installs host hooks run around every reload. pause runs
// before anything is changed and may veto the reload by returning an error;
// resume runs after the reload reached a terminal state, whatever it was.
func (m *Manager) SetQuiesceHooks(pause func() error, resume func()) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.pause = pause
	m.resume = resume
}

// EnableHotReload starts watching every loaded module and reloads a plugin
// when its module file is modified. A non-positive interval selects the
// configured poll interval. Calling it again only changes the interval.
func (m *Manager) EnableHotReload(interval time.Duration) error {
	if interval <= 0 {
		interval = m.options.PollInterval
	}

	m.opMu.Lock()
	if m.closed {
		m.opMu.Unlock()
		return NewManagerClosedError()
	}
	if w := m.currentWatcher(); w != nil {
		// the watcher restarts, which waits for a reload running on its goroutine
		m.opMu.Unlock()
		return w.SetPollInterval(interval)
	}
	defer m.opMu.Unlock()

	w := NewFileWatcher(interval, m.logger)
	w.SetCallback(m.onPluginFileChanged)
	for _, name := range m.LoadedPlugins() {
		if mp, ok := m.slot(name); ok {
			if err := w.Watch(mp.handle.Path()); err != nil {
				m.logger.Warn("Failed to watch plugin for hot reload", "plugin", name, "error", err)
			}
		}
	}
	if err := w.Start(); err != nil {
		return err
	}

	m.mu.Lock()
	m.watcher = w
	m.mu.Unlock()
	m.logger.Info("Hot reload enabled", "poll_interval", interval.String())
	return nil
}

// DisableHotReload stops the watcher. It waits for a reload triggered by the
// watcher to finish. Disabling twice is a no-op.
func (m *Manager) DisableHotReload() error {
	m.opMu.Lock()
	m.mu.Lock()
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()
	m.opMu.Unlock()

	if w == nil {
		return nil
	}
	// not under opMu: the watcher goroutine may be waiting for it
	if err := w.Stop(); err != nil {
		return err
	}
	m.logger.Info("Hot reload disabled")
	return nil
}

// IsHotReloadEnabled reports whether plugin modules are being watched.
func (m *Manager) IsHotReloadEnabled() bool {
	return m.currentWatcher() != nil
}

// WatchedModules returns the module paths watched for hot reload.
func (m *Manager) WatchedModules() ([]string, error) {
	w := m.currentWatcher()
	if w == nil {
		return nil, NewHotReloadDisabledError()
	}
	return w.WatchedPaths(), nil
}

func (m *Manager) currentWatcher() *FileWatcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watcher
}

func (m *Manager) onPluginFileChanged(event FileChangeEvent) {
	if event.Type != ChangeModified {
		m.logger.Debug("Ignoring plugin file event", "path", event.Path, "type", event.Type.String())
		return
	}
	name, ok := m.pluginForPath(event.Path)
	if !ok {
		return
	}

	m.logger.Info("Plugin module changed, reloading", "plugin", name, "path", event.Path)
	err := m.ReloadPlugin(name)
	for retry := 0; retry < hotReloadRetries && HasErrorCode(err, ErrCodeReloadInProgress); retry++ {
		time.Sleep(hotReloadRetryDelay)
		err = m.ReloadPlugin(name)
	}
	if err != nil {
		m.logger.Error("Hot reload failed", "plugin", name, "error", err)
	}
}

// ReloadPlugin replaces name with a fresh build of its module.
//
// Reloads do not queue: a call made while another reload runs, whether from
// another goroutine or from a plugin hook of the running reload, fails with
// ErrCodeReloadInProgress, which is retryable. Other lifecycle calls wait
// for the running reload.
//
// Every plugin depending on name, directly or transitively, is torn down and
// rebuilt with it. Initialized plugins are snapshotted before teardown and
// restored after reinitialization. If any step fails the previous builds are
// reopened and restored; a plugin whose previous build cannot be restored is
// left unloaded and reported as degraded.
func (m *Manager) ReloadPlugin(name string) error {
	if !m.reloading.CompareAndSwap(false, true) {
		return NewReloadInProgressError(name)
	}
	defer m.reloading.Store(false)

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.closed {
		return NewManagerClosedError()
	}
	if !m.hostReady {
		return NewHostNotInitializedError()
	}
	if !m.IsLoaded(name) {
		return NewPluginNotFoundError(name)
	}

	start := time.Now()
	attempt := m.newReloadAttempt(name)
	m.logger.Info("Reloading plugin", "plugin", name, "cascade", joinNames(attempt.members[1:]))

	outcome, err := m.runReload(attempt)
	duration := time.Since(start)

	phase := attempt.failed
	if outcome == ReloadOutcomeSuccess {
		phase = ReloadPhaseStable
	}
	m.recordReload(ReloadRecord{
		ID:       ulid.Make().String(),
		Plugin:   name,
		Cascade:  cloneStrings(attempt.members[1:]),
		Phase:    phase,
		Outcome:  outcome,
		Error:    err,
		At:       timecache.CachedTime(),
		Duration: duration,
	})
	m.metrics.RecordReload(name, outcome, duration)
	m.updateGauges()
	return err
}

// ReloadHistory returns the most recent reload attempts, oldest first.
func (m *Manager) ReloadHistory() []ReloadRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ReloadRecord, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Manager) recordReload(record ReloadRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, record)
	if over := len(m.history) - m.options.HistorySize; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
}

// newReloadAttempt collects the target and its loaded dependents in load order.
func (m *Manager) newReloadAttempt(name string) *reloadAttempt {
	members := append([]string{name}, m.loadedInOrder(m.resolver.TransitiveDependents(name))...)

	attempt := &reloadAttempt{
		target:    name,
		members:   members,
		previous:  make(map[string]reloadMember, len(members)),
		snapshots: make(map[string]string),
		notified:  make(map[string]bool),
		phase:     ReloadPhaseStable,
	}
	for _, member := range members {
		mp, ok := m.slot(member)
		if !ok {
			continue
		}
		attempt.previous[member] = reloadMember{
			sourcePath:     mp.handle.Path(),
			lastGoodPath:   mp.lastGoodPath,
			metadata:       mp.handle.Metadata(),
			wasInitialized: initialized(mp.handle.Instance()),
		}
	}
	return attempt
}

func (m *Manager) runReload(a *reloadAttempt) (ReloadOutcome, error) {
	if m.pause != nil {
		a.phase = ReloadPhaseQuiescing
		if err := callSafely(a.target, "pause", m.pause); err != nil {
			return m.rollback(a, err)
		}
		defer m.callResume(a.target)
	}

	for _, name := range a.members {
		m.setState(name, PluginStateReloading)
	}

	a.phase = ReloadPhaseSnapshotting
	if err := m.snapshot(a); err != nil {
		return m.rollback(a, err)
	}

	a.phase = ReloadPhaseUnloading
	a.tornDown = true
	if err := m.teardownMembers(a); err != nil {
		return m.rollback(a, err)
	}

	a.phase = ReloadPhaseReloading
	if err := m.reloadMembers(a); err != nil {
		return m.rollback(a, err)
	}

	a.phase = ReloadPhaseReinitializing
	if err := m.reinitializeMembers(a); err != nil {
		return m.rollback(a, err)
	}

	m.mu.Lock()
	for _, name := range a.members {
		if mp, ok := m.plugins[name]; ok {
			mp.lastGoodPath = mp.handle.OpenedPath()
		}
	}
	m.mu.Unlock()

	a.phase = ReloadPhaseStable
	m.logger.Info("Plugin reloaded", "plugin", a.target, "cascade", joinNames(a.members[1:]))
	return ReloadOutcomeSuccess, nil
}

func (m *Manager) callResume(target string) {
	if m.resume == nil {
		return
	}
	if err := callSafely(target, "resume", func() error {
		m.resume()
		return nil
	}); err != nil {
		m.logger.Error("Resume hook failed", "plugin", target, "error", err)
	}
}

// snapshot calls the pre-reload hook and serializes the state of every
// initialized member.
func (m *Manager) snapshot(a *reloadAttempt) error {
	for _, name := range a.members {
		mp, ok := m.slot(name)
		if !ok || !a.previous[name].wasInitialized {
			continue
		}
		instance := mp.handle.Instance()

		if aware, ok := instance.(ReloadAwarePlugin); ok {
			a.notified[name] = true
			if err := callSafely(name, "OnBeforeReload", func() error {
				aware.OnBeforeReload()
				return nil
			}); err != nil {
				return NewSnapshotError(name, err)
			}
		}

		if stateful, ok := instance.(StatefulPlugin); ok {
			var state string
			if err := callSafely(name, "SerializeState", func() error {
				var serr error
				state, serr = stateful.SerializeState()
				return serr
			}); err != nil {
				return NewSnapshotError(name, err)
			}
			a.snapshots[name] = state
		}
	}
	return nil
}

// teardownMembers tears down dependents before the target. Every member is
// torn down even if an earlier one failed.
func (m *Manager) teardownMembers(a *reloadAttempt) error {
	var errs []error
	for i := len(a.members) - 1; i >= 0; i-- {
		name := a.members[i]
		if err := m.teardown(name); err != nil {
			errs = append(errs, err)
		}
		m.logger.Debug("Plugin torn down for reload", "plugin", name)
	}
	return errors.Join(errs...)
}

// reloadMembers loads the current build of every member from its module path.
// Dependents are validated against the reloaded target's version.
func (m *Manager) reloadMembers(a *reloadAttempt) error {
	for _, name := range a.members {
		prev := a.previous[name]
		handle, err := m.loader.Load(prev.sourcePath)
		if err != nil {
			return err
		}
		if handle.Name() != name {
			m.discard(handle)
			return NewReloadNameMismatchError(name, handle.Name(), prev.sourcePath)
		}
		meta := handle.Metadata()
		if err := meta.Validate(); err != nil {
			m.discard(handle)
			return err
		}
		if err := m.resolver.Add(meta); err != nil {
			m.discard(handle)
			return err
		}
		m.install(name, handle, PluginStateReloading, prev.lastGoodPath)
	}

	for _, name := range a.members {
		meta, _ := m.PluginMetadata(name)
		if err := m.resolver.Validate(meta); err != nil {
			return err
		}
	}
	order, err := m.resolver.Resolve()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.order = order
	m.mu.Unlock()
	return nil
}

// reinitializeMembers initializes the members that were initialized before,
// in load order, restoring each one's snapshot right after its initialization.
func (m *Manager) reinitializeMembers(a *reloadAttempt) error {
	for _, name := range m.loadedInOrder(a.members) {
		mp, ok := m.slot(name)
		if !ok {
			continue
		}
		if !a.previous[name].wasInitialized {
			m.setState(name, PluginStateLoaded)
			continue
		}
		if err := m.initializePlugin(name, mp.handle); err != nil {
			return err
		}
		if err := m.restore(name, mp.handle, a.snapshots); err != nil {
			return err
		}
		m.setState(name, PluginStateInitialized)
	}
	return nil
}

// restore hands the snapshot back to a freshly initialized instance and calls
// its post-reload hook.
func (m *Manager) restore(name string, handle *LoadedPlugin, snapshots map[string]string) error {
	instance := handle.Instance()
	if state, ok := snapshots[name]; ok {
		if stateful, ok := instance.(StatefulPlugin); ok {
			if err := callSafely(name, "DeserializeState", func() error {
				return stateful.DeserializeState(state)
			}); err != nil {
				return NewRestoreError(name, err)
			}
		}
	}

	if aware, ok := instance.(ReloadAwarePlugin); ok {
		if err := callSafely(name, "OnAfterReload", func() error {
			aware.OnAfterReload()
			return nil
		}); err != nil {
			m.logger.Warn("Post-reload hook failed", "plugin", name, "error", err)
		}
	}
	return nil
}

// rollback returns every member to its previous build. Members whose previous
// build cannot be reopened and reinitialized are degraded.
func (m *Manager) rollback(a *reloadAttempt, cause error) (ReloadOutcome, error) {
	a.failed = a.phase
	a.phase = ReloadPhaseRollback
	m.logger.Warn("Reload failed, rolling back",
		"plugin", a.target, "phase", string(a.failed), "error", cause)

	if !a.tornDown {
		m.resumeRunning(a)
		return ReloadOutcomeRolledBack, NewReloadFailedError(a.target, a.failed, cause)
	}

	for i := len(a.members) - 1; i >= 0; i-- {
		if err := m.teardown(a.members[i]); err != nil {
			m.logger.Warn("Failed to release reloaded build", "plugin", a.members[i], "error", err)
		}
	}
	for _, name := range a.members {
		if err := m.resolver.Add(a.previous[name].metadata); err != nil {
			m.logger.Warn("Failed to restore plugin metadata", "plugin", name, "error", err)
		}
	}

	var degraded []string
	var targetErr error
	for _, name := range a.members {
		if err := m.restorePrevious(a, name); err != nil {
			m.degrade(name, a.previous[name].sourcePath, err)
			degraded = append(degraded, name)
			if name == a.target {
				targetErr = err
			}
		}
	}
	m.refreshOrder()

	if targetErr != nil {
		a.phase = ReloadPhaseDegraded
		return ReloadOutcomeDegraded, NewRollbackFailedError(a.target, cause, targetErr).
			WithContext("phase", string(a.failed))
	}

	err := NewReloadFailedError(a.target, a.failed, cause)
	if len(degraded) > 0 {
		err = err.WithContext("degraded", joinNames(degraded))
	}
	m.logger.Info("Rollback complete", "plugin", a.target, "degraded", joinNames(degraded))
	return ReloadOutcomeRolledBack, err
}

// resumeRunning puts members that were never torn down back in service. Only
// members whose pre-reload hook ran get the post-reload hook.
func (m *Manager) resumeRunning(a *reloadAttempt) {
	for _, name := range a.members {
		mp, ok := m.slot(name)
		if !ok {
			continue
		}
		if !a.previous[name].wasInitialized {
			m.setState(name, PluginStateLoaded)
			continue
		}
		if aware, ok := mp.handle.Instance().(ReloadAwarePlugin); ok && a.notified[name] {
			if err := callSafely(name, "OnAfterReload", func() error {
				aware.OnAfterReload()
				return nil
			}); err != nil {
				m.logger.Warn("Post-reload hook failed", "plugin", name, "error", err)
			}
		}
		m.setState(name, PluginStateInitialized)
	}
}

// restorePrevious reopens the last known good build of name and brings it
// back to the state it had before the reload.
func (m *Manager) restorePrevious(a *reloadAttempt, name string) error {
	prev := a.previous[name]
	if err := m.resolver.Validate(prev.metadata); err != nil {
		return err
	}

	handle, err := m.loader.loadFrom(prev.lastGoodPath, prev.sourcePath)
	if err != nil {
		return err
	}
	if handle.Name() != name {
		m.discard(handle)
		return NewReloadNameMismatchError(name, handle.Name(), prev.lastGoodPath)
	}
	m.install(name, handle, PluginStateLoaded, prev.lastGoodPath)

	if !prev.wasInitialized {
		return nil
	}
	if err := m.initializePlugin(name, handle); err != nil {
		if tdErr := m.teardown(name); tdErr != nil {
			m.logger.Warn("Failed to release plugin after failed restore", "plugin", name, "error", tdErr)
		}
		return err
	}
	if err := m.restore(name, handle, a.snapshots); err != nil {
		m.logger.Warn("Restored plugin without its snapshot", "plugin", name, "error", err)
	}
	m.setState(name, PluginStateInitialized)
	return nil
}

// install puts handle into the single owning slot of name.
func (m *Manager) install(name string, handle *LoadedPlugin, state PluginState, lastGoodPath string) {
	m.mu.Lock()
	m.plugins[name] = &managedPlugin{handle: handle, state: state, lastGoodPath: lastGoodPath}
	m.mu.Unlock()
	m.health.SetPluginState(name, state)
}

func (m *Manager) discard(handle *LoadedPlugin) {
	if err := m.loader.Unload(handle); err != nil {
		m.logger.Warn("Failed to unload discarded module", "path", handle.Path(), "error", err)
	}
}

func (m *Manager) degrade(name, path string, cause error) {
	m.resolver.Remove(name)

	m.mu.Lock()
	delete(m.plugins, name)
	m.order = removeName(m.order, name)
	m.degraded[name] = DegradedPlugin{
		Name:  name,
		Path:  path,
		Error: cause,
		Since: timecache.CachedTime(),
	}
	m.mu.Unlock()

	m.health.SetPluginState(name, PluginStateDegraded)
	m.logger.Error("Plugin degraded, manual load required", "plugin", name, "path", path, "error", cause)
}

func (m *Manager) refreshOrder() {
	order, err := m.resolver.Resolve()
	if err != nil {
		m.logger.Warn("Failed to recompute load order", "error", err)
		return
	}
	m.mu.Lock()
	m.order = order
	m.mu.Unlock()
}
