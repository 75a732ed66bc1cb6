// testing_helpers_test.go: in-memory modules, test plugins and manager fixtures
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeModule is one build of an in-memory module.
type fakeModule struct {
	constructor func() Plugin
	destructor  func(Plugin)
	manifest    string

	// symbols overrides the generated symbol table entirely when set
	symbols map[string]any
}

func (m fakeModule) symbolTable() map[string]any {
	if m.symbols != nil {
		return m.symbols
	}
	table := make(map[string]any)
	if m.constructor != nil {
		table[DefaultConstructorSymbol] = m.constructor
	}
	destructor := m.destructor
	if destructor == nil {
		destructor = func(Plugin) {}
	}
	table[DefaultDestructorSymbol] = destructor
	if m.manifest != "" {
		table[DefaultManifestSymbol] = func() string { return m.manifest }
	}
	return table
}

// fakeOpener behaves like NativeOpener: opening a source path snapshots its
// current build under a unique opened path, and opening that opened path
// again returns the same snapshot even after the source was rebuilt.
type fakeOpener struct {
	mu       sync.Mutex
	builds   map[string]fakeModule
	shadows  map[string]fakeModule
	failures map[string]error
	gen      int
	opened   int
	closed   int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		builds:   make(map[string]fakeModule),
		shadows:  make(map[string]fakeModule),
		failures: make(map[string]error),
	}
}

// publish installs a new build of the module at path.
func (o *fakeOpener) publish(path string, module fakeModule) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.builds[path] = module
}

// fail makes every open of path fail with err; nil clears it.
func (o *fakeOpener) fail(path string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		delete(o.failures, path)
		return
	}
	o.failures[path] = err
}

func (o *fakeOpener) Open(path string) (Library, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err, ok := o.failures[path]; ok {
		return nil, err
	}
	module, ok := o.shadows[path]
	opened := path
	if !ok {
		module, ok = o.builds[path]
		if !ok {
			return nil, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
		}
		o.gen++
		opened = fmt.Sprintf("%s@%d", path, o.gen)
		o.shadows[opened] = module
	}
	o.opened++
	return &fakeLibrary{path: opened, symbols: module.symbolTable(), opener: o}, nil
}

func (o *fakeOpener) counts() (opened, closed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened, o.closed
}

type fakeLibrary struct {
	path    string
	symbols map[string]any
	opener  *fakeOpener
	closeFn func() error
}

func (l *fakeLibrary) Lookup(symbol string) (any, error) {
	if value, ok := l.symbols[symbol]; ok {
		return value, nil
	}
	return nil, fmt.Errorf("symbol %s not found", symbol)
}

func (l *fakeLibrary) Path() string { return l.path }

func (l *fakeLibrary) Close() error {
	l.opener.mu.Lock()
	l.opener.closed++
	l.opener.mu.Unlock()
	if l.closeFn != nil {
		return l.closeFn()
	}
	return nil
}

// journal records lifecycle calls across plugins in call order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

// with returns the entries starting with one of the prefixes.
func (j *journal) with(prefixes ...string) []string {
	var out []string
	for _, entry := range j.list() {
		for _, prefix := range prefixes {
			if strings.HasPrefix(entry, prefix) {
				out = append(out, entry)
				break
			}
		}
	}
	return out
}

func (j *journal) reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = nil
}

// testPlugin is a stateful, reload-aware plugin holding a counter.
type testPlugin struct {
	meta        PluginMetadata
	journal     *journal
	initialized bool
	counter     int

	initErr     error
	initPanic   bool
	snapshotErr error
	onInit      func(ctx *PluginContext) error
	restoreFn   func(state string) error
}

func (p *testPlugin) Name() string             { return p.meta.Name }
func (p *testPlugin) Version() string          { return p.meta.Version }
func (p *testPlugin) Metadata() PluginMetadata { return p.meta.Clone() }
func (p *testPlugin) IsInitialized() bool      { return p.initialized }

func (p *testPlugin) Initialize(ctx *PluginContext) error {
	p.journal.add("init:" + p.meta.Name)
	if p.initPanic {
		panic("initialize exploded")
	}
	if p.onInit != nil {
		if err := p.onInit(ctx); err != nil {
			return err
		}
	}
	if p.initErr != nil {
		return p.initErr
	}
	p.initialized = true
	return nil
}

func (p *testPlugin) Shutdown() {
	p.journal.add("shutdown:" + p.meta.Name)
	p.initialized = false
}

func (p *testPlugin) SerializeState() (string, error) {
	p.journal.add("snapshot:" + p.meta.Name)
	if p.snapshotErr != nil {
		return "", p.snapshotErr
	}
	return strconv.Itoa(p.counter), nil
}

func (p *testPlugin) DeserializeState(state string) error {
	p.journal.add("restore:" + p.meta.Name)
	if p.restoreFn != nil {
		return p.restoreFn(state)
	}
	n, err := strconv.Atoi(state)
	if err != nil {
		return err
	}
	p.counter = n
	return nil
}

func (p *testPlugin) OnBeforeReload() { p.journal.add("before:" + p.meta.Name) }
func (p *testPlugin) OnAfterReload()  { p.journal.add("after:" + p.meta.Name) }

func (p *testPlugin) Increment() { p.counter++ }
func (p *testPlugin) Count() int { return p.counter }

// testMeta builds metadata; deps are required dependencies written as
// "name" or "name>=min".
func testMeta(name, version string, priority int, deps ...string) PluginMetadata {
	meta := NewPluginMetadata(name, version)
	meta.LoadPriority = priority
	for _, dep := range deps {
		depName, minVersion, _ := strings.Cut(dep, ">=")
		meta.AddDependency(depName, minVersion, "", true)
	}
	return meta
}

// pluginModule returns a module whose constructor builds a fresh testPlugin
// for meta on every call. configure, if set, adjusts each new instance.
func pluginModule(j *journal, meta PluginMetadata, configure func(*testPlugin)) fakeModule {
	return fakeModule{
		constructor: func() Plugin {
			p := &testPlugin{meta: meta.Clone(), journal: j}
			if configure != nil {
				configure(p)
			}
			return p
		},
		destructor: func(p Plugin) { j.add("destroy:" + p.Name()) },
	}
}

type managerFixture struct {
	manager  *Manager
	opener   *fakeOpener
	logger   *TestLogger
	bus      *EventBus
	services *ServiceRegistry
	journal  *journal
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	f := &managerFixture{
		opener:  newFakeOpener(),
		logger:  NewTestLogger(),
		journal: &journal{},
	}
	f.bus = NewEventBus(f.logger)
	f.services = NewServiceRegistry(f.logger)
	f.manager = NewManager(ManagerOptions{Logger: f.logger, Opener: f.opener})
	require.NoError(t, f.manager.Initialize(HostServices{
		Bus:       f.bus,
		Services:  f.services,
		Resources: NewResourceCache(f.logger),
		Config:    NewConfigStore(f.logger),
	}))
	t.Cleanup(func() { _ = f.manager.Close() })
	return f
}

// add publishes a test plugin module at name+".so" and returns its path.
func (f *managerFixture) add(meta PluginMetadata, configure func(*testPlugin)) string {
	path := meta.Name + ".so"
	f.opener.publish(path, pluginModule(f.journal, meta, configure))
	return path
}

func (f *managerFixture) load(t *testing.T, meta PluginMetadata, configure func(*testPlugin)) {
	t.Helper()
	require.NoError(t, f.manager.LoadPlugin(f.add(meta, configure)))
}

func (f *managerFixture) instance(t *testing.T, name string) *testPlugin {
	t.Helper()
	p, ok := f.manager.Plugin(name)
	require.True(t, ok, "plugin %s not loaded", name)
	tp, ok := p.(*testPlugin)
	require.True(t, ok)
	return tp
}

var errBoom = errors.New("boom")
