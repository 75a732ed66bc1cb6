// dependency_resolver_test.go: dependency graph, validation and load order
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolverWith(t *testing.T, metas ...PluginMetadata) *DependencyResolver {
	t.Helper()
	r := NewDependencyResolver()
	for _, meta := range metas {
		require.NoError(t, r.Add(meta))
	}
	return r
}

func TestDependencyResolver_Resolve(t *testing.T) {
	tests := []struct {
		name  string
		metas []PluginMetadata
		want  []string
	}{
		{
			name:  "empty",
			metas: nil,
			want:  []string{},
		},
		{
			name:  "priority_descending",
			metas: []PluginMetadata{testMeta("B", "1.0", 50), testMeta("A", "1.0", 100)},
			want:  []string{"A", "B"},
		},
		{
			name:  "equal_priority_keeps_discovery_order",
			metas: []PluginMetadata{testMeta("x", "1.0", 10), testMeta("y", "1.0", 10), testMeta("z", "1.0", 10)},
			want:  []string{"x", "y", "z"},
		},
		{
			name: "chain_registered_backwards",
			metas: []PluginMetadata{
				testMeta("C", "1.0", 100, "B"),
				testMeta("B", "1.0", 100, "A"),
				testMeta("A", "1.0", 100),
			},
			want: []string{"A", "B", "C"},
		},
		{
			name: "low_priority_dependency_is_pulled_forward",
			metas: []PluginMetadata{
				testMeta("lib", "1.0", 1),
				testMeta("other", "1.0", 50),
				testMeta("app", "1.0", 100, "lib"),
			},
			want: []string{"lib", "app", "other"},
		},
		{
			name: "diamond",
			metas: []PluginMetadata{
				testMeta("top", "1.0", 100, "left", "right"),
				testMeta("left", "1.0", 100, "base"),
				testMeta("right", "1.0", 100, "base"),
				testMeta("base", "1.0", 100),
			},
			want: []string{"base", "left", "right", "top"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newResolverWith(t, tt.metas...)
			order, err := r.Resolve()
			require.NoError(t, err)
			assert.Equal(t, tt.want, order)
		})
	}
}

func TestDependencyResolver_ResolveIsStable(t *testing.T) {
	r := newResolverWith(t,
		testMeta("a", "1.0", 10),
		testMeta("b", "1.0", 30, "a"),
		testMeta("c", "1.0", 20),
		testMeta("d", "1.0", 30),
	)
	first, err := r.Resolve()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Resolve()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDependencyResolver_Cycles(t *testing.T) {
	t.Run("two_nodes", func(t *testing.T) {
		r := newResolverWith(t, testMeta("a", "1.0", 100, "b"), testMeta("b", "1.0", 100, "a"))
		_, err := r.Resolve()
		require.Error(t, err)
		assert.True(t, HasErrorCode(err, ErrCodeDependencyCycle))
		assert.Equal(t, KindGraph, KindOf(err))

		coded, ok := asCoded(err)
		require.True(t, ok)
		assert.Equal(t, "a -> b -> a", coded.Context["cycle"])
	})

	t.Run("three_nodes_behind_a_root", func(t *testing.T) {
		r := newResolverWith(t,
			testMeta("root", "1.0", 100, "x"),
			testMeta("x", "1.0", 100, "y"),
			testMeta("y", "1.0", 100, "z"),
			testMeta("z", "1.0", 100, "x"),
		)
		_, err := r.Resolve()
		coded, ok := asCoded(err)
		require.True(t, ok)
		assert.Equal(t, "x -> y -> z -> x", coded.Context["cycle"])

		// traversal state is reset after a failure
		require.True(t, r.Remove("z"))
		require.NoError(t, r.Add(testMeta("z", "1.0", 100)))
		order, err := r.Resolve()
		require.NoError(t, err)
		assert.Equal(t, []string{"z", "y", "x", "root"}, order)
	})

	t.Run("self_dependency", func(t *testing.T) {
		r := NewDependencyResolver()
		meta := testMeta("narcissus", "1.0", 100, "narcissus")
		require.NoError(t, r.Add(meta))
		assert.True(t, HasErrorCode(r.Validate(meta), ErrCodeSelfDependency))
	})
}

func TestDependencyResolver_Validate(t *testing.T) {
	r := newResolverWith(t, testMeta("core", "1.5.0", 100))

	tests := []struct {
		name string
		dep  DependencyDeclaration
		code string
	}{
		{"in_range", DependencyDeclaration{Name: "core", MinVersion: "1.0", MaxVersion: "2.0", Required: true}, ""},
		{"below_min", DependencyDeclaration{Name: "core", MinVersion: "1.6", Required: true}, ErrCodeVersionRange},
		{"above_max", DependencyDeclaration{Name: "core", MaxVersion: "1.4.9", Required: true}, ErrCodeVersionRange},
		{"constraint_ok", DependencyDeclaration{Name: "core", Constraint: "^1.2", Required: true}, ""},
		{"constraint_fails", DependencyDeclaration{Name: "core", Constraint: "~1.4.0", Required: true}, ErrCodeConstraintUnsatisfied},
		{"missing_required", DependencyDeclaration{Name: "db", Required: true}, ErrCodeMissingDependency},
		{"missing_optional", DependencyDeclaration{Name: "db"}, ""},
		{"bad_bound", DependencyDeclaration{Name: "core", MinVersion: "one", Required: true}, ErrCodeInvalidVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := NewPluginMetadata("app", "1.0.0")
			meta.Dependencies = []DependencyDeclaration{tt.dep}
			err := r.Validate(meta)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, HasErrorCode(err, tt.code), "got %v", err)
		})
	}
}

func TestDependencyResolver_ResolveRequiresDependencies(t *testing.T) {
	r := newResolverWith(t, testMeta("app", "1.0", 100, "db"))
	_, err := r.Resolve()
	assert.True(t, HasErrorCode(err, ErrCodeMissingDependency))

	require.NoError(t, r.Add(testMeta("db", "1.0", 100)))
	assert.NoError(t, r.ValidateAll())
	order, err := r.Resolve()
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "app"}, order)
}

func TestDependencyResolver_Graph(t *testing.T) {
	r := newResolverWith(t,
		testMeta("A", "1.0", 100),
		testMeta("B", "1.0", 100, "A"),
		testMeta("C", "1.0", 100, "B"),
		testMeta("D", "1.0", 100, "A"),
	)

	assert.Equal(t, 4, r.Count())
	assert.Equal(t, []string{"A", "B", "C", "D"}, r.Names())
	assert.Equal(t, []string{"B", "D"}, r.Dependents("A"))
	assert.Equal(t, []string{"A"}, r.Dependencies("B"))
	assert.Equal(t, []string{"B", "D", "C"}, r.TransitiveDependents("A"))
	assert.Empty(t, r.TransitiveDependents("C"))
	assert.Empty(t, r.TransitiveDependents("unknown"))
	assert.Empty(t, r.Dependencies("unknown"))

	node, ok := r.Node("B")
	require.True(t, ok)
	assert.Equal(t, "1.0", node.Version)
	assert.Equal(t, []string{"C"}, node.Dependents)

	// copies do not alias the graph
	node.Dependents[0] = "mutated"
	again, _ := r.Node("B")
	assert.Equal(t, []string{"C"}, again.Dependents)

	assert.True(t, r.Remove("B"))
	assert.False(t, r.Remove("B"))
	assert.False(t, r.Has("B"))
	assert.Equal(t, []string{"D"}, r.Dependents("A"))

	r.Clear()
	assert.Zero(t, r.Count())
}

func TestDependencyResolver_EffectivePriority(t *testing.T) {
	r := newResolverWith(t,
		testMeta("base", "1.0", 1),
		testMeta("mid", "1.0", 5, "base"),
		testMeta("top", "1.0", 50, "mid"),
		testMeta("side", "1.0", 90),
	)

	for name, want := range map[string]int{"base": 50, "mid": 50, "top": 50, "side": 90} {
		got, err := r.EffectivePriority(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}

	_, err := r.EffectivePriority("ghost")
	assert.True(t, HasErrorCode(err, ErrCodeUnknownGraphNode))
}

func TestDependencyResolver_ReplaceKeepsDiscoveryPosition(t *testing.T) {
	r := newResolverWith(t,
		testMeta("first", "1.0", 10),
		testMeta("second", "1.0", 10),
	)
	require.NoError(t, r.Add(testMeta("first", "2.0", 10)))
	assert.Equal(t, []string{"first", "second"}, r.Names())
	node, _ := r.Node("first")
	assert.Equal(t, "2.0", node.Version)

	// a removed name is discovered again at the end
	r.Remove("first")
	require.NoError(t, r.Add(testMeta("first", "3.0", 10)))
	assert.Equal(t, []string{"second", "first"}, r.Names())
}

func TestDependencyResolver_AddRejectsInvalidMetadata(t *testing.T) {
	r := NewDependencyResolver()
	assert.True(t, HasErrorCode(r.Add(NewPluginMetadata("", "1.0")), ErrCodeInvalidMetadata))
	assert.True(t, HasErrorCode(r.Add(NewPluginMetadata("x", "one")), ErrCodeInvalidMetadata))
	assert.Zero(t, r.Count())
}
