// errors.go: structured error definitions for the plugin runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"errors"
	"fmt"
	"strings"

	goerrors "github.com/agilira/go-errors"
)

// Error codes for the plugin runtime
const (
	// Configuration errors (1700-1799)
	ErrCodeConfigNotFound     = "CONFIG_1701"
	ErrCodeConfigParseError   = "CONFIG_1702"
	ErrCodeConfigWatcherError = "CONFIG_1704"
	ErrCodeConfigPathError    = "CONFIG_1705"
	ErrCodeConfigTypeError    = "CONFIG_1708"

	// Dependency graph errors (2100-2199)
	ErrCodeDependencyCycle       = "GRAPH_2101"
	ErrCodeMissingDependency     = "GRAPH_2102"
	ErrCodeVersionRange          = "GRAPH_2103"
	ErrCodeSelfDependency        = "GRAPH_2104"
	ErrCodeInvalidVersion        = "GRAPH_2105"
	ErrCodeInvalidMetadata       = "GRAPH_2106"
	ErrCodeInvalidConstraint     = "GRAPH_2107"
	ErrCodeUnknownGraphNode      = "GRAPH_2108"
	ErrCodeConstraintUnsatisfied = "GRAPH_2109"

	// Module loading errors (2200-2299)
	ErrCodeModuleOpenFailed    = "LOAD_2201"
	ErrCodeMissingSymbol       = "LOAD_2202"
	ErrCodeInvalidSymbol       = "LOAD_2203"
	ErrCodeNilInstance         = "LOAD_2204"
	ErrCodeDuplicatePlugin     = "LOAD_2205"
	ErrCodeManifestParse       = "LOAD_2206"
	ErrCodeHandleReleased      = "LOAD_2207"
	ErrCodeModuleNotFound      = "LOAD_2208"
	ErrCodeDirectoryScanFailed = "LOAD_2209"
	ErrCodeModuleNotAllowed    = "LOAD_2210"
	ErrCodeAllowListInvalid    = "LOAD_2211"
	ErrCodePluginPathReused    = "LOAD_2212"

	// Initialization errors (2300-2399)
	ErrCodeInitFailed         = "INIT_2301"
	ErrCodeHostNotInitialized = "INIT_2302"
	ErrCodeHookPanic          = "INIT_2303"

	// Hot reload errors (2400-2499)
	ErrCodeReloadFailed       = "RELOAD_2401"
	ErrCodeReloadNameMismatch = "RELOAD_2402"
	ErrCodeRollbackFailed     = "RELOAD_2403"
	ErrCodeReloadInProgress   = "RELOAD_2404"
	ErrCodeHotReloadDisabled  = "RELOAD_2405"
	ErrCodeSnapshotFailed     = "RELOAD_2406"
	ErrCodeRestoreFailed      = "RELOAD_2407"

	// Service registry errors (2500-2599)
	ErrCodeServiceNotRegistered = "REGISTRY_2501"
	ErrCodeServiceWrongType     = "REGISTRY_2502"
	ErrCodeNoActiveScope        = "REGISTRY_2503"
	ErrCodeScopeMismatch        = "REGISTRY_2504"
	ErrCodeFactoryFailed        = "REGISTRY_2505"
	ErrCodeInvalidLifetime      = "REGISTRY_2506"

	// File watcher errors (2600-2699)
	ErrCodeWatcherRunning   = "WATCH_2601"
	ErrCodeWatcherStopped   = "WATCH_2602"
	ErrCodeWatchFailed      = "WATCH_2603"
	ErrCodeInvalidWatchPath = "WATCH_2604"

	// Worker pool errors (2700-2799)
	ErrCodePoolStopped   = "POOL_2701"
	ErrCodeTaskPanic     = "POOL_2702"
	ErrCodeInvalidTask   = "POOL_2703"
	ErrCodeWaitCancelled = "POOL_2704"

	// Resource cache errors (2800-2899)
	ErrCodeResourceNotFound = "RESOURCE_2801"
	ErrCodeNoResourceLoader = "RESOURCE_2802"
	ErrCodeResourceLoad     = "RESOURCE_2803"

	// Manager errors (2900-2999)
	ErrCodePluginNotFound = "MANAGER_2901"
	ErrCodeManagerClosed  = "MANAGER_2902"
)

// ErrorKind groups error codes into the runtime's failure taxonomy.
type ErrorKind string

const (
	KindUnknown  ErrorKind = "unknown"
	KindGraph    ErrorKind = "graph"
	KindLoad     ErrorKind = "load"
	KindInit     ErrorKind = "init"
	KindReload   ErrorKind = "reload"
	KindRegistry ErrorKind = "registry"
	KindWatcher  ErrorKind = "watcher"
	KindConfig   ErrorKind = "config"
	KindPool     ErrorKind = "pool"
	KindResource ErrorKind = "resource"
	KindManager  ErrorKind = "manager"
)

var kindByPrefix = map[string]ErrorKind{
	"GRAPH":    KindGraph,
	"LOAD":     KindLoad,
	"INIT":     KindInit,
	"RELOAD":   KindReload,
	"REGISTRY": KindRegistry,
	"WATCH":    KindWatcher,
	"CONFIG":   KindConfig,
	"POOL":     KindPool,
	"RESOURCE": KindResource,
	"MANAGER":  KindManager,
}

// KindOf reports the taxonomy kind of the outermost structured error in err's chain.
func KindOf(err error) ErrorKind {
	coded, ok := asCoded(err)
	if !ok {
		return KindUnknown
	}
	prefix, _, _ := strings.Cut(string(coded.ErrorCode()), "_")
	if kind, exists := kindByPrefix[prefix]; exists {
		return kind
	}
	return KindUnknown
}

// HasErrorCode reports whether any structured error in err's chain carries code.
func HasErrorCode(err error, code string) bool {
	for err != nil {
		coded, ok := asCoded(err)
		if !ok {
			return false
		}
		if string(coded.ErrorCode()) == code {
			return true
		}
		err = errors.Unwrap(coded)
	}
	return false
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}

func asCoded(err error) (*goerrors.Error, bool) {
	var coded *goerrors.Error
	if errors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

// newError builds a structured error, wrapping cause when present.
func newError(code, message string, cause error) *goerrors.Error {
	if cause != nil {
		return goerrors.Wrap(cause, goerrors.ErrorCode(code), message)
	}
	return goerrors.New(goerrors.ErrorCode(code), message)
}

// Dependency graph error constructors

func NewDependencyCycleError(plugin string, path []string) *goerrors.Error {
	return newError(ErrCodeDependencyCycle, "Circular dependency detected involving plugin: "+plugin, nil).
		WithUserMessage("The plugin dependency graph contains a cycle").
		WithContext("plugin_name", plugin).
		WithContext("cycle", strings.Join(path, " -> ")).
		WithSeverity("error")
}

func NewMissingDependencyError(plugin, dependency string) *goerrors.Error {
	return newError(ErrCodeMissingDependency, "Plugin "+plugin+" requires missing dependency "+dependency, nil).
		WithUserMessage("A required plugin dependency is not registered").
		WithContext("plugin_name", plugin).
		WithContext("dependency", dependency).
		WithSeverity("error")
}

func NewVersionRangeError(plugin, dependency, actual, minVersion, maxVersion string) *goerrors.Error {
	return newError(ErrCodeVersionRange, "Dependency "+dependency+" version "+actual+" outside the range required by "+plugin, nil).
		WithUserMessage("A dependency version does not satisfy the declared range").
		WithContext("plugin_name", plugin).
		WithContext("dependency", dependency).
		WithContext("actual_version", actual).
		WithContext("min_version", minVersion).
		WithContext("max_version", maxVersion).
		WithSeverity("error")
}

func NewConstraintUnsatisfiedError(plugin, dependency, actual, constraint string) *goerrors.Error {
	return newError(ErrCodeConstraintUnsatisfied, "Dependency "+dependency+" version "+actual+" does not satisfy "+constraint, nil).
		WithUserMessage("A dependency version does not satisfy the declared constraint").
		WithContext("plugin_name", plugin).
		WithContext("dependency", dependency).
		WithContext("actual_version", actual).
		WithContext("constraint", constraint).
		WithSeverity("error")
}

func NewSelfDependencyError(plugin string) *goerrors.Error {
	return newError(ErrCodeSelfDependency, "Plugin "+plugin+" cannot depend on itself", nil).
		WithUserMessage("A plugin declared a dependency on itself").
		WithContext("plugin_name", plugin).
		WithSeverity("error")
}

func NewInvalidVersionError(version string, cause error) *goerrors.Error {
	return newError(ErrCodeInvalidVersion, "Invalid version string: "+version, cause).
		WithUserMessage("Version must be a dot-separated list of non-negative integers").
		WithContext("version", version).
		WithSeverity("error")
}

func NewInvalidConstraintError(constraint string, cause error) *goerrors.Error {
	return newError(ErrCodeInvalidConstraint, "Invalid version constraint: "+constraint, cause).
		WithUserMessage("The dependency version constraint could not be parsed").
		WithContext("constraint", constraint).
		WithSeverity("error")
}

func NewInvalidMetadataError(plugin, reason string) *goerrors.Error {
	return newError(ErrCodeInvalidMetadata, "Invalid plugin metadata: "+reason, nil).
		WithUserMessage("Plugin metadata is incomplete or malformed").
		WithContext("plugin_name", plugin).
		WithSeverity("error")
}

func NewUnknownGraphNodeError(plugin string) *goerrors.Error {
	return newError(ErrCodeUnknownGraphNode, "Plugin not present in dependency graph: "+plugin, nil).
		WithContext("plugin_name", plugin).
		WithSeverity("warning")
}

// Module loading error constructors

func NewModuleOpenError(path string, cause error) *goerrors.Error {
	return newError(ErrCodeModuleOpenFailed, "Failed to open plugin module", cause).
		WithUserMessage("The plugin module could not be opened").
		WithContext("module_path", path).
		WithSeverity("error")
}

func NewModuleNotFoundError(path string, cause error) *goerrors.Error {
	return newError(ErrCodeModuleNotFound, "Plugin module not found", cause).
		WithUserMessage("The plugin module file does not exist").
		WithContext("module_path", path).
		WithSeverity("error")
}

func NewMissingSymbolError(path, symbol string, cause error) *goerrors.Error {
	return newError(ErrCodeMissingSymbol, "Plugin module does not export required symbol "+symbol, cause).
		WithUserMessage("The plugin module is missing a required entry point").
		WithContext("module_path", path).
		WithContext("symbol", symbol).
		WithSeverity("error")
}

func NewInvalidSymbolError(path, symbol string, actual any) *goerrors.Error {
	return newError(ErrCodeInvalidSymbol, "Plugin module symbol "+symbol+" has an unexpected signature", nil).
		WithUserMessage("A plugin entry point does not match the host interface").
		WithContext("module_path", path).
		WithContext("symbol", symbol).
		WithContext("actual_type", typeName(actual)).
		WithSeverity("error")
}

func NewNilInstanceError(path string) *goerrors.Error {
	return newError(ErrCodeNilInstance, "Plugin constructor returned no instance", nil).
		WithUserMessage("The plugin module failed to construct an instance").
		WithContext("module_path", path).
		WithSeverity("error")
}

func NewDuplicatePluginError(name, path string) *goerrors.Error {
	return newError(ErrCodeDuplicatePlugin, "Plugin already loaded: "+name, nil).
		WithUserMessage("A plugin with the same name is already loaded").
		WithContext("plugin_name", name).
		WithContext("module_path", path).
		WithSeverity("error")
}

func NewManifestParseError(path string, cause error) *goerrors.Error {
	return newError(ErrCodeManifestParse, "Failed to parse plugin manifest", cause).
		WithUserMessage("The plugin manifest is malformed").
		WithContext("module_path", path).
		WithSeverity("error")
}

func NewHandleReleasedError(name string) *goerrors.Error {
	return newError(ErrCodeHandleReleased, "Plugin handle already released: "+name, nil).
		WithContext("plugin_name", name).
		WithSeverity("warning")
}

func NewDirectoryScanError(dir string, cause error) *goerrors.Error {
	return newError(ErrCodeDirectoryScanFailed, "Failed to scan plugin directory", cause).
		WithUserMessage("The plugin directory could not be read").
		WithContext("directory", dir).
		WithSeverity("error")
}

func NewPluginPathReusedError(path string, cause error) *goerrors.Error {
	return newError(ErrCodePluginPathReused, "Plugin module reuses the plugin path of an already loaded build", cause).
		WithUserMessage("The plugin module must be rebuilt with a unique -pluginpath").
		WithContext("module_path", path).
		WithSeverity("error")
}

func NewModuleNotAllowedError(path, reason string) *goerrors.Error {
	return newError(ErrCodeModuleNotAllowed, "Plugin module rejected by allow list: "+reason, nil).
		WithUserMessage("The plugin module is not authorized to load").
		WithContext("module_path", path).
		WithContext("reason", reason).
		WithSeverity("critical")
}

func NewAllowListError(path string, cause error) *goerrors.Error {
	return newError(ErrCodeAllowListInvalid, "Invalid module allow list", cause).
		WithUserMessage("The module allow list could not be loaded").
		WithContext("allow_list_path", path).
		WithSeverity("error")
}

// Initialization error constructors

func NewInitFailedError(plugin string, cause error) *goerrors.Error {
	return newError(ErrCodeInitFailed, "Plugin initialization failed: "+plugin, cause).
		WithUserMessage("The plugin reported an initialization failure").
		WithContext("plugin_name", plugin).
		WithSeverity("error")
}

func NewHostNotInitializedError() *goerrors.Error {
	return newError(ErrCodeHostNotInitialized, "Host services not set", nil).
		WithUserMessage("Manager.Initialize must be called before initializing plugins").
		WithSeverity("error")
}

func NewHookPanicError(plugin, hook string, recovered any) *goerrors.Error {
	return newError(ErrCodeHookPanic, "Plugin hook panicked: "+hook, nil).
		WithUserMessage("A plugin hook failed unexpectedly").
		WithContext("plugin_name", plugin).
		WithContext("hook", hook).
		WithContext("panic", recovered).
		WithSeverity("error")
}

// Hot reload error constructors

func NewReloadFailedError(plugin string, phase ReloadPhase, cause error) *goerrors.Error {
	return newError(ErrCodeReloadFailed, "Hot reload failed for plugin "+plugin+" during "+string(phase), cause).
		WithUserMessage("The plugin could not be reloaded; the previous build was restored").
		WithContext("plugin_name", plugin).
		WithContext("phase", string(phase)).
		WithSeverity("error")
}

func NewReloadNameMismatchError(expected, actual, path string) *goerrors.Error {
	return newError(ErrCodeReloadNameMismatch, "Reloaded module declares "+actual+" instead of "+expected, nil).
		WithUserMessage("The rebuilt plugin declares a different name").
		WithContext("plugin_name", expected).
		WithContext("declared_name", actual).
		WithContext("module_path", path).
		WithSeverity("error")
}

func NewRollbackFailedError(plugin string, reloadErr, rollbackErr error) *goerrors.Error {
	cause := rollbackErr
	if cause == nil {
		cause = reloadErr
	}
	err := newError(ErrCodeRollbackFailed, "Rollback failed, plugin is degraded: "+plugin, cause).
		WithUserMessage("The plugin could not be restored and is now unloaded").
		WithContext("plugin_name", plugin).
		WithSeverity("error")
	if reloadErr != nil {
		err = err.WithContext("reload_error", reloadErr.Error())
	}
	return err
}

func NewReloadInProgressError(plugin string) *goerrors.Error {
	return newError(ErrCodeReloadInProgress, "Reload already in progress", nil).
		WithContext("plugin_name", plugin).
		WithSeverity("warning").
		AsRetryable()
}

func NewHotReloadDisabledError() *goerrors.Error {
	return newError(ErrCodeHotReloadDisabled, "Hot reload is not enabled", nil).
		WithSeverity("warning")
}

func NewSnapshotError(plugin string, cause error) *goerrors.Error {
	return newError(ErrCodeSnapshotFailed, "Failed to snapshot plugin state: "+plugin, cause).
		WithContext("plugin_name", plugin).
		WithSeverity("error")
}

func NewRestoreError(plugin string, cause error) *goerrors.Error {
	return newError(ErrCodeRestoreFailed, "Failed to restore plugin state: "+plugin, cause).
		WithContext("plugin_name", plugin).
		WithSeverity("warning")
}

// Service registry error constructors

func NewServiceNotRegisteredError(key string) *goerrors.Error {
	return newError(ErrCodeServiceNotRegistered, "Service not registered: "+key, nil).
		WithUserMessage("The requested service has not been registered").
		WithContext("service", key).
		WithSeverity("error")
}

func NewServiceWrongTypeError(key, requested, actual string) *goerrors.Error {
	return newError(ErrCodeServiceWrongType, "Service "+key+" requested as "+requested+" but registered as "+actual, nil).
		WithUserMessage("The service was requested with the wrong type").
		WithContext("service", key).
		WithContext("requested_type", requested).
		WithContext("registered_type", actual).
		WithSeverity("error")
}

func NewNoActiveScopeError(key string) *goerrors.Error {
	return newError(ErrCodeNoActiveScope, "Scoped service resolved outside of a scope: "+key, nil).
		WithUserMessage("Scoped services can only be resolved inside an open scope").
		WithContext("service", key).
		WithSeverity("error")
}

func NewScopeMismatchError(expected, actual ScopeID) *goerrors.Error {
	return newError(ErrCodeScopeMismatch, "Only the innermost scope can be exited", nil).
		WithContext("innermost_scope", uint64(expected)).
		WithContext("requested_scope", uint64(actual)).
		WithSeverity("error")
}

func NewFactoryFailedError(key string, cause error) *goerrors.Error {
	return newError(ErrCodeFactoryFailed, "Service factory failed: "+key, cause).
		WithUserMessage("The service could not be constructed").
		WithContext("service", key).
		WithSeverity("error")
}

func NewInvalidLifetimeError(lifetime Lifetime) *goerrors.Error {
	return newError(ErrCodeInvalidLifetime, "Unsupported service lifetime: "+lifetime.String(), nil).
		WithSeverity("error")
}

// File watcher error constructors

func NewWatcherRunningError() *goerrors.Error {
	return newError(ErrCodeWatcherRunning, "File watcher is already running", nil).
		WithSeverity("warning")
}

func NewWatcherStoppedError() *goerrors.Error {
	return newError(ErrCodeWatcherStopped, "File watcher is not running", nil).
		WithSeverity("warning")
}

func NewWatchFailedError(path string, cause error) *goerrors.Error {
	return newError(ErrCodeWatchFailed, "Failed to watch path", cause).
		WithUserMessage("The file could not be registered for polling").
		WithContext("path", path).
		WithSeverity("error")
}

func NewInvalidWatchPathError(path string) *goerrors.Error {
	return newError(ErrCodeInvalidWatchPath, "Invalid watch path", nil).
		WithContext("path", path).
		WithSeverity("error")
}

// Configuration error constructors

func NewConfigNotFoundError(path string, cause error) *goerrors.Error {
	return newError(ErrCodeConfigNotFound, "Configuration file not found", cause).
		WithUserMessage("The configuration file could not be found").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *goerrors.Error {
	return newError(ErrCodeConfigParseError, "Configuration parse error", cause).
		WithUserMessage("Failed to parse configuration file").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *goerrors.Error {
	return newError(ErrCodeConfigWatcherError, "Configuration watcher error: "+message, cause).
		WithUserMessage("Configuration monitoring failed").
		WithSeverity("error")
}

func NewConfigPathError(path string, message string) *goerrors.Error {
	return newError(ErrCodeConfigPathError, "Configuration path error: "+message, nil).
		WithUserMessage("Invalid configuration key path").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigTypeError(key, expected string, actual any) *goerrors.Error {
	return newError(ErrCodeConfigTypeError, "Configuration value "+key+" is not a "+expected, nil).
		WithContext("key", key).
		WithContext("actual_type", typeName(actual)).
		WithSeverity("warning")
}

// Worker pool error constructors

func NewPoolStoppedError() *goerrors.Error {
	return newError(ErrCodePoolStopped, "Cannot submit task to stopped worker pool", nil).
		WithSeverity("error")
}

func NewTaskPanicError(recovered any) *goerrors.Error {
	return newError(ErrCodeTaskPanic, "Worker task panicked", nil).
		WithContext("panic", recovered).
		WithSeverity("error")
}

func NewInvalidTaskError() *goerrors.Error {
	return newError(ErrCodeInvalidTask, "Task function is nil", nil).
		WithSeverity("error")
}

func NewWaitCancelledError(cause error) *goerrors.Error {
	return newError(ErrCodeWaitCancelled, "Wait cancelled before completion", cause).
		WithSeverity("warning").
		AsRetryable()
}

// Resource cache error constructors

func NewResourceNotFoundError(key string) *goerrors.Error {
	return newError(ErrCodeResourceNotFound, "Resource not found: "+key, nil).
		WithContext("resource", key).
		WithSeverity("warning")
}

func NewNoResourceLoaderError(kind string) *goerrors.Error {
	return newError(ErrCodeNoResourceLoader, "No loader registered for resource kind: "+kind, nil).
		WithContext("kind", kind).
		WithSeverity("error")
}

func NewResourceLoadError(kind, key string, cause error) *goerrors.Error {
	return newError(ErrCodeResourceLoad, "Failed to load resource: "+key, cause).
		WithContext("kind", kind).
		WithContext("resource", key).
		WithSeverity("error")
}

// Manager error constructors

func NewPluginNotFoundError(name string) *goerrors.Error {
	return newError(ErrCodePluginNotFound, "Plugin not found: "+name, nil).
		WithUserMessage("The requested plugin is not loaded").
		WithContext("plugin_name", name).
		WithSeverity("error")
}

func NewManagerClosedError() *goerrors.Error {
	return newError(ErrCodeManagerClosed, "Plugin manager is closed", nil).
		WithSeverity("error")
}
