// resource_cache.go: reference-counted, plugin-tagged resource cache
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"golang.org/x/sync/singleflight"
)

type resourceEntry struct {
	key        string
	value      any
	typ        reflect.Type
	refs       int
	cached     bool
	owner      string
	loadedAt   time.Time
	lastAccess time.Time
}

// ResourceInfo describes a cached resource.
type ResourceInfo struct {
	Key        string    `json:"key"`
	Type       string    `json:"type"`
	References int       `json:"references"`
	Cached     bool      `json:"cached"`
	Owner      string    `json:"owner,omitempty"`
	LoadedAt   time.Time `json:"loaded_at"`
	LastAccess time.Time `json:"last_access"`
}

// ResourceStats summarizes the cache.
type ResourceStats struct {
	Resources  int `json:"resources"`
	References int `json:"references"`
	Loaders    int `json:"loaders"`
	Hits       int `json:"hits"`
	Misses     int `json:"misses"`
}

// ResourceCache shares loaded resources between plugins by key.
//
// Resources are loaded through a loader registered for their Go type and
// reference-counted. A resource marked as not cached is dropped as soon as
// its last reference is released; cached resources stay until unloaded.
// Loaders run outside the cache lock, and concurrent loads of the same key
// share a single loader call.
type ResourceCache struct {
	mu        sync.Mutex
	resources map[string]*resourceEntry
	loaders   map[reflect.Type]func(string) (any, error)
	inflight  singleflight.Group
	hits      int
	misses    int
	logger    Logger
}

// NewResourceCache creates an empty cache.
func NewResourceCache(logger any) *ResourceCache {
	return &ResourceCache{
		resources: make(map[string]*resourceEntry),
		loaders:   make(map[reflect.Type]func(string) (any, error)),
		logger:    NewLogger(logger),
	}
}

// RegisterLoader registers the loader for resources of type T.
func RegisterLoader[T any](c *ResourceCache, loader func(key string) (T, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaders[reflect.TypeFor[T]()] = func(key string) (any, error) {
		return loader(key)
	}
}

// LoadResource returns the resource at key, loading it with the loader for T
// on first use, and takes a reference. A cached resource of another type is
// replaced.
func LoadResource[T any](c *ResourceCache, key string) (T, error) {
	return loadResource[T](c, key, "")
}

// LoadResourceFor is LoadResource with the loaded resource tagged as owned by plugin.
func LoadResourceFor[T any](c *ResourceCache, key, plugin string) (T, error) {
	return loadResource[T](c, key, plugin)
}

func loadResource[T any](c *ResourceCache, key, owner string) (T, error) {
	var zero T
	typ := reflect.TypeFor[T]()

	if value, ok := c.acquire(key, typ); ok {
		typed, _ := value.(T)
		return typed, nil
	}

	c.mu.Lock()
	loader, ok := c.loaders[typ]
	c.mu.Unlock()
	if !ok {
		return zero, NewNoResourceLoaderError(typ.String())
	}

	shared, err, _ := c.inflight.Do(typ.String()+"\x00"+key, func() (any, error) {
		var value any
		loadErr := callSafely(owner, "resource loader", func() error {
			var lerr error
			value, lerr = loader(key)
			return lerr
		})
		if loadErr != nil {
			return nil, loadErr
		}
		return value, nil
	})
	if err != nil {
		return zero, NewResourceLoadError(typ.String(), key, err)
	}
	loaded, ok := shared.(T)
	if !ok || shared == nil {
		return zero, NewResourceLoadError(typ.String(), key, nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// another caller may have stored the same load already
	if entry, exists := c.resources[key]; exists && entry.typ == typ {
		entry.refs++
		entry.lastAccess = timecache.CachedTime()
		typed, _ := entry.value.(T)
		return typed, nil
	}

	now := timecache.CachedTime()
	c.resources[key] = &resourceEntry{
		key:        key,
		value:      loaded,
		typ:        typ,
		refs:       1,
		cached:     true,
		owner:      owner,
		loadedAt:   now,
		lastAccess: now,
	}
	c.misses++
	return loaded, nil
}

func (c *ResourceCache) acquire(key string, typ reflect.Type) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.resources[key]
	if !ok {
		return nil, false
	}
	if entry.typ != typ {
		c.logger.Debug("Replacing cached resource of different type",
			"key", key, "cached_type", entry.typ.String(), "requested_type", typ.String())
		delete(c.resources, key)
		return nil, false
	}
	entry.refs++
	entry.lastAccess = timecache.CachedTime()
	c.hits++
	return entry.value, true
}

// GetResource returns the resource at key without taking a reference.
func GetResource[T any](c *ResourceCache, key string) (T, bool) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.resources[key]
	if !ok {
		return zero, false
	}
	typed, ok := entry.value.(T)
	if !ok {
		return zero, false
	}
	entry.lastAccess = timecache.CachedTime()
	return typed, true
}

// AddResource stores an already constructed resource with no references.
func AddResource[T any](c *ResourceCache, key string, value T) {
	addResource(c, key, value, "")
}

// AddResourceFor stores an already constructed resource owned by plugin.
func AddResourceFor[T any](c *ResourceCache, key string, value T, plugin string) {
	addResource(c, key, value, plugin)
}

func addResource[T any](c *ResourceCache, key string, value T, owner string) {
	now := timecache.CachedTime()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources[key] = &resourceEntry{
		key:        key,
		value:      value,
		typ:        reflect.TypeFor[T](),
		cached:     true,
		owner:      owner,
		loadedAt:   now,
		lastAccess: now,
	}
}

// Release drops one reference. Returns true if the resource was removed.
func (c *ResourceCache) Release(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.resources[key]
	if !ok {
		return false
	}
	if entry.refs > 0 {
		entry.refs--
	}
	if entry.refs == 0 && !entry.cached {
		delete(c.resources, key)
		return true
	}
	return false
}

// Unload removes a resource regardless of its reference count.
func (c *ResourceCache) Unload(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.resources[key]; !ok {
		return false
	}
	delete(c.resources, key)
	return true
}

// UnloadPlugin removes every resource owned by plugin and returns the count.
func (c *ResourceCache) UnloadPlugin(plugin string) int {
	if plugin == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.resources {
		if entry.owner == plugin {
			delete(c.resources, key)
			removed++
		}
	}
	return removed
}

// SetCached controls whether the resource survives reaching zero references.
func (c *ResourceCache) SetCached(key string, cached bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.resources[key]
	if !ok {
		return NewResourceNotFoundError(key)
	}
	entry.cached = cached
	return nil
}

// IsLoaded reports whether key is in the cache.
func (c *ResourceCache) IsLoaded(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.resources[key]
	return ok
}

// References returns the reference count of key.
func (c *ResourceCache) References(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.resources[key]; ok {
		return entry.refs
	}
	return 0
}

// ClearUnreferenced removes every non-cached resource with no references.
func (c *ResourceCache) ClearUnreferenced() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.resources {
		if entry.refs == 0 && !entry.cached {
			delete(c.resources, key)
			removed++
		}
	}
	return removed
}

// Clear removes every resource. Loaders stay registered.
func (c *ResourceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources = make(map[string]*resourceEntry)
}

// Resources describes every cached resource, ordered by key.
func (c *ResourceCache) Resources() []ResourceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ResourceInfo, 0, len(c.resources))
	for _, entry := range c.resources {
		out = append(out, ResourceInfo{
			Key:        entry.key,
			Type:       entry.typ.String(),
			References: entry.refs,
			Cached:     entry.cached,
			Owner:      entry.owner,
			LoadedAt:   entry.loadedAt,
			LastAccess: entry.lastAccess,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Stats returns cache counters.
func (c *ResourceCache) Stats() ResourceStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	refs := 0
	for _, entry := range c.resources {
		refs += entry.refs
	}
	return ResourceStats{
		Resources:  len(c.resources),
		References: refs,
		Loaders:    len(c.loaders),
		Hits:       c.hits,
		Misses:     c.misses,
	}
}
