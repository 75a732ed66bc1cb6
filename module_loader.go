// module_loader.go: native module loading with owned plugin handles
//
// A module is opened through an Opener, its constructor and destructor
// symbols are resolved before anything else happens, and the constructed
// instance is wrapped together with the open library in a LoadedPlugin that
// has exactly one owner and is torn down exactly once.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"errors"
	"os"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/oklog/ulid/v2"
)

// Library is an opened native module.
type Library interface {
	// Lookup resolves an exported symbol
	Lookup(symbol string) (any, error)

	// Path returns the file the library was actually opened from
	Path() string

	// Close releases the module; called exactly once per opened library
	Close() error
}

// Opener opens native modules. NativeOpener is the production implementation;
// tests supply in-memory openers.
type Opener interface {
	Open(path string) (Library, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(path string) (Library, error)

// Open implements Opener.
func (f OpenerFunc) Open(path string) (Library, error) { return f(path) }

// Entry point signatures a module must export.
type (
	ConstructorFunc func() Plugin
	DestructorFunc  func(Plugin)
	ManifestFunc    func() string
)

// SymbolNames configures the exported symbol names the loader resolves.
type SymbolNames struct {
	Constructor string
	Destructor  string
	Manifest    string
}

// DefaultSymbolNames returns CreatePlugin, DestroyPlugin and PluginManifest.
func DefaultSymbolNames() SymbolNames {
	return SymbolNames{
		Constructor: DefaultConstructorSymbol,
		Destructor:  DefaultDestructorSymbol,
		Manifest:    DefaultManifestSymbol,
	}
}

// LoadedPlugin owns a constructed plugin instance and the library it came from.
//
// A LoadedPlugin is created only by ModuleLoader.Load and is owned by exactly
// one holder, normally the manager's plugin table. It is never copied: every
// holder passes the pointer on and drops its own reference. Teardown through
// ModuleLoader.Unload runs once; later calls report ErrCodeHandleReleased.
type LoadedPlugin struct {
	instance   Plugin
	library    Library
	destroy    DestructorFunc
	sourcePath string
	metadata   PluginMetadata
	instanceID ulid.ULID
	loadedAt   time.Time
	released   atomic.Bool
}

// Instance returns the constructed plugin.
func (lp *LoadedPlugin) Instance() Plugin { return lp.instance }

// Path returns the module path the plugin was loaded for; hot reload watches this path.
func (lp *LoadedPlugin) Path() string { return lp.sourcePath }

// OpenedPath returns the file the library was opened from, which differs from
// Path when the opener works on shadow copies.
func (lp *LoadedPlugin) OpenedPath() string { return lp.library.Path() }

// Metadata returns a copy of the metadata captured at load time.
func (lp *LoadedPlugin) Metadata() PluginMetadata { return lp.metadata.Clone() }

// Name returns the declared plugin name.
func (lp *LoadedPlugin) Name() string { return lp.metadata.Name }

// InstanceID identifies this load generation; each reload gets a new one.
func (lp *LoadedPlugin) InstanceID() string { return lp.instanceID.String() }

// LoadedAt returns the load timestamp.
func (lp *LoadedPlugin) LoadedAt() time.Time { return lp.loadedAt }

// Released reports whether the handle has been torn down.
func (lp *LoadedPlugin) Released() bool { return lp.released.Load() }

// ModuleLoader opens modules, constructs instances and tears them down.
type ModuleLoader struct {
	opener    Opener
	symbols   SymbolNames
	allowList *ModuleAllowList
	logger    Logger
}

// NewModuleLoader creates a loader. A nil opener selects NativeOpener with
// the default shadow directory.
func NewModuleLoader(opener Opener, logger any) *ModuleLoader {
	if opener == nil {
		opener = NewNativeOpener("")
	}
	return &ModuleLoader{
		opener:  opener,
		symbols: DefaultSymbolNames(),
		logger:  NewLogger(logger),
	}
}

// WithSymbols overrides the exported symbol names.
func (l *ModuleLoader) WithSymbols(symbols SymbolNames) *ModuleLoader {
	l.symbols = symbols
	return l
}

// WithAllowList makes Load and Manifest verify module files before opening
// them. nil disables the check.
func (l *ModuleLoader) WithAllowList(list *ModuleAllowList) *ModuleLoader {
	l.allowList = list
	return l
}

// Load opens the module at path, resolves its entry points and constructs the
// plugin. Any failure closes the library before the error is returned.
func (l *ModuleLoader) Load(path string) (*LoadedPlugin, error) {
	if err := l.allowList.Verify(path); err != nil {
		return nil, err
	}
	return l.loadFrom(path, path)
}

// loadFrom opens openPath but records sourcePath as the plugin's path. Rollback
// uses it to reopen the last known good build while keeping the watched path.
// That build passed the allow list when it was first loaded.
func (l *ModuleLoader) loadFrom(openPath, sourcePath string) (lp *LoadedPlugin, err error) {
	library, err := l.open(openPath)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			if closeErr := library.Close(); closeErr != nil {
				l.logger.Warn("Failed to close module after load error", "path", openPath, "error", closeErr)
			}
		}
	}()

	constructor, err := l.constructor(library, openPath)
	if err != nil {
		return nil, err
	}
	destructor, err := l.destructor(library, openPath)
	if err != nil {
		return nil, err
	}

	var instance Plugin
	if err := callSafely(sourcePath, l.symbols.Constructor, func() error {
		instance = constructor()
		return nil
	}); err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, NewNilInstanceError(openPath)
	}

	var meta PluginMetadata
	if err := callSafely(sourcePath, "Metadata", func() error {
		meta = instance.Metadata()
		if meta.Name == "" {
			meta.Name = instance.Name()
		}
		if meta.Version == "" {
			meta.Version = instance.Version()
		}
		return nil
	}); err != nil {
		l.destroyInstance(destructor, instance)
		return nil, err
	}

	return &LoadedPlugin{
		instance:   instance,
		library:    library,
		destroy:    destructor,
		sourcePath: sourcePath,
		metadata:   meta.Clone(),
		instanceID: ulid.Make(),
		loadedAt:   timecache.CachedTime(),
	}, nil
}

// Unload shuts the instance down if it is still initialized, destroys it and
// closes the library. Every step runs even if an earlier one failed.
func (l *ModuleLoader) Unload(lp *LoadedPlugin) error {
	if lp == nil {
		return nil
	}
	if lp.released.Swap(true) {
		return NewHandleReleasedError(lp.metadata.Name)
	}

	var errs []error
	name := lp.metadata.Name

	if initialized(lp.instance) {
		if err := callSafely(name, "Shutdown", func() error {
			lp.instance.Shutdown()
			return nil
		}); err != nil {
			errs = append(errs, err)
		}
	}

	l.destroyInstance(lp.destroy, lp.instance)
	lp.instance = nil

	if err := lp.library.Close(); err != nil {
		errs = append(errs, NewModuleOpenError(lp.sourcePath, err))
	}

	return errors.Join(errs...)
}

// Manifest opens the module, reads its manifest symbol and closes it again
// without constructing an instance. A module without a manifest symbol
// yields an empty manifest.
func (l *ModuleLoader) Manifest(path string) (string, error) {
	if err := l.allowList.Verify(path); err != nil {
		return "", err
	}
	library, err := l.open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := library.Close(); closeErr != nil {
			l.logger.Warn("Failed to close module after manifest query", "path", path, "error", closeErr)
		}
	}()

	symbol, err := library.Lookup(l.symbols.Manifest)
	if err != nil || symbol == nil {
		return "", nil
	}

	var manifest string
	switch fn := symbol.(type) {
	case func() string:
		err = callSafely(path, l.symbols.Manifest, func() error { manifest = fn(); return nil })
	case ManifestFunc:
		err = callSafely(path, l.symbols.Manifest, func() error { manifest = fn(); return nil })
	case *string:
		manifest = *fn
	case string:
		manifest = fn
	default:
		return "", NewInvalidSymbolError(path, l.symbols.Manifest, symbol)
	}
	return manifest, err
}

// ManifestMetadata reads and parses a module's manifest.
func (l *ModuleLoader) ManifestMetadata(path string) (PluginMetadata, error) {
	manifest, err := l.Manifest(path)
	if err != nil {
		return PluginMetadata{}, err
	}
	meta, err := ParseManifest(manifest)
	if err != nil {
		return PluginMetadata{}, NewManifestParseError(path, err)
	}
	return meta, nil
}

func (l *ModuleLoader) open(path string) (Library, error) {
	library, err := l.opener.Open(path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, NewModuleNotFoundError(path, err)
		case errors.Is(err, ErrPluginPathReused):
			return nil, NewPluginPathReusedError(path, err)
		}
		return nil, NewModuleOpenError(path, err)
	}
	if library == nil {
		return nil, NewModuleOpenError(path, nil)
	}
	return library, nil
}

func (l *ModuleLoader) constructor(library Library, path string) (ConstructorFunc, error) {
	symbol, err := library.Lookup(l.symbols.Constructor)
	if err != nil || symbol == nil {
		return nil, NewMissingSymbolError(path, l.symbols.Constructor, err)
	}
	switch fn := symbol.(type) {
	case func() Plugin:
		return fn, nil
	case ConstructorFunc:
		return fn, nil
	case *func() Plugin:
		return *fn, nil
	default:
		return nil, NewInvalidSymbolError(path, l.symbols.Constructor, symbol)
	}
}

func (l *ModuleLoader) destructor(library Library, path string) (DestructorFunc, error) {
	symbol, err := library.Lookup(l.symbols.Destructor)
	if err != nil || symbol == nil {
		return nil, NewMissingSymbolError(path, l.symbols.Destructor, err)
	}
	switch fn := symbol.(type) {
	case func(Plugin):
		return fn, nil
	case DestructorFunc:
		return fn, nil
	case *func(Plugin):
		return *fn, nil
	default:
		return nil, NewInvalidSymbolError(path, l.symbols.Destructor, symbol)
	}
}

// destroyInstance runs the module destructor. Without one the instance is
// simply dropped and left to the garbage collector.
func (l *ModuleLoader) destroyInstance(destructor DestructorFunc, instance Plugin) {
	if destructor == nil || instance == nil {
		return
	}
	if err := callSafely(instance.Name(), l.symbols.Destructor, func() error {
		destructor(instance)
		return nil
	}); err != nil {
		l.logger.Error("Plugin destructor failed", "plugin", instance.Name(), "error", err)
	}
}

func initialized(p Plugin) (ok bool) {
	if p == nil {
		return false
	}
	_ = callSafely(p.Name(), "IsInitialized", func() error {
		ok = p.IsInitialized()
		return nil
	})
	return ok
}
