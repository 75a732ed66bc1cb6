// config_store.go: dot-path configuration store with typed accessors and file watching
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agilira/argus"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// ConfigChangeCallback is invoked for every key whose value changed. A removed
// key reports a nil newValue; an added key reports a nil oldValue.
type ConfigChangeCallback func(key string, oldValue, newValue any)

// ConfigStore holds configuration values addressed by dot-separated paths
// ("plughost.watch.poll_interval"). Nested documents are flattened on load.
//
// Plugins receive the store read-only by convention: the manager never writes
// to it. Change callbacks run after the store lock is released.
type ConfigStore struct {
	mu        sync.RWMutex
	values    map[string]any
	callbacks map[int]ConfigChangeCallback
	nextCB    int
	watcher   *argus.Watcher
	watchPath string
	logger    Logger
}

// NewConfigStore creates an empty store.
func NewConfigStore(logger any) *ConfigStore {
	return &ConfigStore{
		values:    make(map[string]any),
		callbacks: make(map[int]ConfigChangeCallback),
		logger:    NewLogger(logger),
	}
}

// NewConfigStoreFromMap creates a store holding a flattened copy of values.
func NewConfigStoreFromMap(values map[string]any, logger any) *ConfigStore {
	s := NewConfigStore(logger)
	flattenInto(s.values, "", values)
	return s
}

// LoadConfigFile creates a store from a configuration file.
func LoadConfigFile(path string, logger any) (*ConfigStore, error) {
	s := NewConfigStore(logger)
	if err := s.LoadFile(path); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseConfigBytes parses a configuration document in the given format.
// YAML goes through yaml.v3 (anchors, nested sequences); every other format
// (JSON, TOML, HCL, INI, properties) through argus.
func ParseConfigBytes(data []byte, format argus.ConfigFormat) (map[string]any, error) {
	if format == argus.FormatYAML {
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		if doc == nil {
			doc = make(map[string]any)
		}
		return doc, nil
	}
	return argus.ParseConfig(data, format)
}

// LoadFile replaces the store contents with the parsed file. The format is
// detected from the extension. Callbacks fire for every changed key.
func (s *ConfigStore) LoadFile(path string) error {
	if path == "" {
		return NewConfigPathError(path, "empty configuration path")
	}
	// #nosec G304 -- configuration path supplied by the host
	data, err := os.ReadFile(path)
	if err != nil {
		return NewConfigNotFoundError(path, err)
	}

	doc, err := ParseConfigBytes(data, argus.DetectFormat(path))
	if err != nil {
		return NewConfigParseError(path, err)
	}

	flat := make(map[string]any)
	flattenInto(flat, "", doc)
	s.update(func(map[string]any) map[string]any { return flat })
	return nil
}

// WatchFile reloads the store whenever path changes. Only one file can be
// watched at a time.
func (s *ConfigStore) WatchFile(path string, pollInterval time.Duration) error {
	if path == "" {
		return NewConfigPathError(path, "empty configuration path")
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		return NewConfigWatcherError("configuration file already watched: "+s.watchPath, nil)
	}
	s.mu.Unlock()

	watcher := argus.New(argus.Config{
		PollInterval:         pollInterval,
		CacheTTL:             pollInterval / 2,
		MaxWatchedFiles:      1,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		Audit:                argus.AuditConfig{Enabled: false},
		ErrorHandler: func(err error, file string) {
			s.logger.Warn("Configuration watch error", "file", file, "error", err)
		},
	})

	if err := watcher.Watch(path, s.handleFileChange); err != nil {
		return NewConfigWatcherError("failed to watch configuration file", err)
	}
	if err := watcher.Start(); err != nil {
		return NewConfigWatcherError("failed to start configuration watcher", err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.watchPath = path
	s.mu.Unlock()

	s.logger.Info("Watching configuration file", "path", path, "poll_interval", pollInterval)
	return nil
}

// StopWatching stops the file watcher started by WatchFile.
func (s *ConfigStore) StopWatching() error {
	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.watchPath = ""
	s.mu.Unlock()

	if watcher == nil {
		return nil
	}
	if err := watcher.Stop(); err != nil {
		return NewConfigWatcherError("failed to stop configuration watcher", err)
	}
	return nil
}

func (s *ConfigStore) handleFileChange(event argus.ChangeEvent) {
	if event.IsDelete {
		s.logger.Warn("Configuration file deleted, keeping last values", "path", event.Path)
		return
	}
	if err := s.LoadFile(event.Path); err != nil {
		s.logger.Error("Configuration reload failed, keeping last values", "path", event.Path, "error", err)
		return
	}
	s.logger.Info("Configuration reloaded", "path", event.Path)
}

// OnChange registers a change callback and returns its id.
func (s *ConfigStore) OnChange(callback ConfigChangeCallback) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCB++
	s.callbacks[s.nextCB] = callback
	return s.nextCB
}

// RemoveCallback removes a change callback.
func (s *ConfigStore) RemoveCallback(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.callbacks[id]; !ok {
		return false
	}
	delete(s.callbacks, id)
	return true
}

// Set stores a value. Maps are flattened below key.
func (s *ConfigStore) Set(key string, value any) {
	s.update(func(current map[string]any) map[string]any {
		next := make(map[string]any, len(current)+1)
		for k, v := range current {
			if k == key || strings.HasPrefix(k, key+".") {
				continue
			}
			next[k] = v
		}
		if nested, ok := toStringMap(value); ok {
			flattenInto(next, key, nested)
		} else {
			next[key] = value
		}
		return next
	})
}

// Get returns the raw value at key.
func (s *ConfigStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok
}

// Has reports whether key holds a value.
func (s *ConfigStore) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Keys returns every key in lexical order.
func (s *ConfigStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sub returns a detached store holding the keys under prefix, with the prefix removed.
func (s *ConfigStore) Sub(prefix string) *ConfigStore {
	sub := NewConfigStore(s.logger)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.values {
		if rest, ok := strings.CutPrefix(k, prefix+"."); ok {
			sub.values[rest] = v
		}
	}
	return sub
}

// AllSettings returns the store as a nested map.
func (s *ConfigStore) AllSettings() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any)
	for k, v := range s.values {
		parts := strings.Split(k, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = v
	}
	return out
}

// GetString returns the value at key as a string, or defaultValue.
func (s *ConfigStore) GetString(key, defaultValue string) string {
	return getAs(s, key, defaultValue, cast.ToStringE)
}

// GetInt returns the value at key as an int, or defaultValue.
func (s *ConfigStore) GetInt(key string, defaultValue int) int {
	return getAs(s, key, defaultValue, cast.ToIntE)
}

// GetFloat returns the value at key as a float64, or defaultValue.
func (s *ConfigStore) GetFloat(key string, defaultValue float64) float64 {
	return getAs(s, key, defaultValue, cast.ToFloat64E)
}

// GetBool returns the value at key as a bool, or defaultValue.
func (s *ConfigStore) GetBool(key string, defaultValue bool) bool {
	return getAs(s, key, defaultValue, cast.ToBoolE)
}

// GetDuration returns the value at key as a duration, or defaultValue.
// Strings use time.ParseDuration syntax; bare numbers are nanoseconds.
func (s *ConfigStore) GetDuration(key string, defaultValue time.Duration) time.Duration {
	return getAs(s, key, defaultValue, cast.ToDurationE)
}

// GetStringSlice returns the value at key as a string slice, or defaultValue.
// A comma-separated string is split.
func (s *ConfigStore) GetStringSlice(key string, defaultValue []string) []string {
	value, ok := s.Get(key)
	if !ok {
		return defaultValue
	}
	if str, isString := value.(string); isString {
		parts := strings.Split(str, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	out, err := cast.ToStringSliceE(value)
	if err != nil {
		s.logger.Warn("Configuration value has unexpected type", "key", key, "error", NewConfigTypeError(key, "[]string", value))
		return defaultValue
	}
	return out
}

func getAs[T any](s *ConfigStore, key string, defaultValue T, convert func(any) (T, error)) T {
	value, ok := s.Get(key)
	if !ok {
		return defaultValue
	}
	out, err := convert(value)
	if err != nil {
		s.logger.Warn("Configuration value has unexpected type",
			"key", key,
			"error", NewConfigTypeError(key, reflect.TypeFor[T]().String(), value))
		return defaultValue
	}
	return out
}

// update swaps in the values computed by mutate and notifies callbacks
// about the differences.
func (s *ConfigStore) update(mutate func(current map[string]any) map[string]any) {
	s.mu.Lock()
	prev := s.values
	next := mutate(prev)
	s.values = next
	callbacks := make([]ConfigChangeCallback, 0, len(s.callbacks))
	ids := make([]int, 0, len(s.callbacks))
	for id := range s.callbacks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		callbacks = append(callbacks, s.callbacks[id])
	}
	s.mu.Unlock()

	if len(callbacks) == 0 {
		return
	}

	type change struct {
		key           string
		before, after any
	}
	var changes []change
	for k, v := range next {
		if old, ok := prev[k]; !ok || !reflect.DeepEqual(old, v) {
			changes = append(changes, change{key: k, before: old, after: v})
		}
	}
	for k, v := range prev {
		if _, ok := next[k]; !ok {
			changes = append(changes, change{key: k, before: v})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].key < changes[j].key })

	for _, c := range changes {
		for _, cb := range callbacks {
			if err := callSafely("", "config change callback", func() error {
				cb(c.key, c.before, c.after)
				return nil
			}); err != nil {
				s.logger.Error("Configuration change callback panicked", "key", c.key, "error", err)
			}
		}
	}
}

func flattenInto(dst map[string]any, prefix string, src map[string]any) {
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := toStringMap(v); ok && len(nested) > 0 {
			flattenInto(dst, key, nested)
			continue
		}
		dst[key] = v
	}
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[cast.ToString(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}
