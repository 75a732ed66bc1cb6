// resource_cache_test.go: typed loaders, reference counting and plugin ownership
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type template struct{ body string }

func TestResourceCache_LoadAndShare(t *testing.T) {
	c := NewResourceCache(nil)
	var loads atomic.Int32
	RegisterLoader(c, func(key string) (*template, error) {
		loads.Add(1)
		return &template{body: "<" + key + ">"}, nil
	})

	first, err := LoadResource[*template](c, "index")
	require.NoError(t, err)
	assert.Equal(t, "<index>", first.body)

	second, err := LoadResource[*template](c, "index")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), loads.Load())
	assert.Equal(t, 2, c.References("index"))

	peek, ok := GetResource[*template](c, "index")
	require.True(t, ok)
	assert.Same(t, first, peek)
	assert.Equal(t, 2, c.References("index"), "GetResource takes no reference")

	_, ok = GetResource[string](c, "index")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, ResourceStats{Resources: 1, References: 2, Loaders: 1, Hits: 1, Misses: 1}, stats)
}

func TestResourceCache_ConcurrentLoadsShareOneCall(t *testing.T) {
	c := NewResourceCache(nil)
	var loads atomic.Int32
	RegisterLoader(c, func(key string) (*template, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &template{body: key}, nil
	})

	var wg sync.WaitGroup
	results := make([]*template, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = LoadResource[*template](c, "shared")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
	assert.Equal(t, 8, c.References("shared"))
}

func TestResourceCache_Errors(t *testing.T) {
	c := NewResourceCache(nil)

	_, err := LoadResource[*template](c, "nothing")
	assert.True(t, HasErrorCode(err, ErrCodeNoResourceLoader))
	assert.Equal(t, KindResource, KindOf(err))

	RegisterLoader(c, func(string) (*template, error) { return nil, errBoom })
	_, err = LoadResource[*template](c, "fails")
	assert.True(t, HasErrorCode(err, ErrCodeResourceLoad))
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, c.IsLoaded("fails"))

	RegisterLoader(c, func(string) (int, error) { panic("loader bug") })
	_, err = LoadResource[int](c, "panics")
	assert.True(t, HasErrorCode(err, ErrCodeHookPanic))
}

func TestResourceCache_ReleaseAndCaching(t *testing.T) {
	c := NewResourceCache(nil)
	RegisterLoader(c, func(key string) (string, error) { return "value of " + key, nil })

	_, err := LoadResource[string](c, "kept")
	require.NoError(t, err)
	assert.False(t, c.Release("kept"), "cached resources survive zero references")
	assert.True(t, c.IsLoaded("kept"))
	assert.Equal(t, 0, c.References("kept"))

	_, err = LoadResource[string](c, "transient")
	require.NoError(t, err)
	_, err = LoadResource[string](c, "transient")
	require.NoError(t, err)
	require.NoError(t, c.SetCached("transient", false))
	assert.False(t, c.Release("transient"))
	assert.True(t, c.Release("transient"))
	assert.False(t, c.IsLoaded("transient"))
	assert.False(t, c.Release("transient"))

	AddResource(c, "idle", 42)
	require.NoError(t, c.SetCached("idle", false))
	assert.True(t, HasErrorCode(c.SetCached("absent", false), ErrCodeResourceNotFound))
	assert.Equal(t, 1, c.ClearUnreferenced())
	assert.False(t, c.IsLoaded("idle"))

	assert.True(t, c.Unload("kept"))
	assert.False(t, c.Unload("kept"))
}

func TestResourceCache_TypeReplacement(t *testing.T) {
	c := NewResourceCache(nil)
	RegisterLoader(c, func(key string) (int, error) { return len(key), nil })
	AddResource(c, "answer", "forty-two")

	n, err := LoadResource[int](c, "answer")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	value, ok := GetResource[int](c, "answer")
	require.True(t, ok)
	assert.Equal(t, 6, value)
}

func TestResourceCache_PluginOwnership(t *testing.T) {
	c := NewResourceCache(nil)
	RegisterLoader(c, func(key string) (*template, error) { return &template{body: key}, nil })

	_, err := LoadResourceFor[*template](c, "a.layout", "a")
	require.NoError(t, err)
	AddResourceFor(c, "a.logo", []byte{0x89}, "a")
	AddResource(c, "host.banner", "welcome")

	infos := c.Resources()
	require.Len(t, infos, 3)
	assert.Equal(t, "a.layout", infos[0].Key)
	assert.Equal(t, "a", infos[0].Owner)
	assert.Equal(t, "*plughost.template", infos[0].Type)
	assert.Equal(t, 1, infos[0].References)
	assert.Equal(t, "[]uint8", infos[1].Type)

	assert.Equal(t, 2, c.UnloadPlugin("a"))
	assert.Equal(t, 0, c.UnloadPlugin(""))
	assert.Equal(t, []ResourceInfo{infos[2]}, c.Resources())

	c.Clear()
	assert.Empty(t, c.Resources())
	assert.Equal(t, 1, c.Stats().Loaders)
}

func TestLoadPluginResource(t *testing.T) {
	ctx := &PluginContext{PluginName: "themes"}
	_, err := LoadPluginResource[*template](ctx, "dark")
	assert.True(t, HasErrorCode(err, ErrCodeNoResourceLoader))

	ctx.Resources = NewResourceCache(nil)
	RegisterLoader(ctx.Resources, func(key string) (*template, error) { return &template{body: key}, nil })
	tpl, err := LoadPluginResource[*template](ctx, "dark")
	require.NoError(t, err)
	assert.Equal(t, "dark", tpl.body)
	assert.Equal(t, 1, ctx.Resources.UnloadPlugin("themes"))
}
