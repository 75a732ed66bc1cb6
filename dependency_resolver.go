// dependency_resolver.go: plugin dependency graph, validation and load ordering
//
// The resolver keeps one node per registered plugin with its required
// dependencies (forward edges) and the plugins that require it (reverse
// edges). Reverse edges are rebuilt from scratch after every insert or
// removal, so they are always the exact inverse of the forward edges.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"sort"
	"sync"
)

// DependencyNode represents a single plugin in the dependency graph.
type DependencyNode struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Priority     int      `json:"priority"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`

	// discovery position, stable across replacement of the same name
	sequence uint64

	// traversal flags, only meaningful during Resolve
	visited bool
	onStack bool
}

// DependencyResolver maintains the plugin dependency graph and computes load order.
//
// Example usage:
//
//	resolver := NewDependencyResolver()
//	resolver.Add(coreMeta)
//	resolver.Add(authMeta) // requires "core"
//	if err := resolver.Validate(authMeta); err != nil {
//	    return err
//	}
//	order, err := resolver.Resolve() // ["core", "auth"]
type DependencyResolver struct {
	mu       sync.RWMutex
	nodes    map[string]*DependencyNode
	metadata map[string]PluginMetadata
	nextSeq  uint64
}

// NewDependencyResolver creates an empty resolver.
func NewDependencyResolver() *DependencyResolver {
	return &DependencyResolver{
		nodes:    make(map[string]*DependencyNode),
		metadata: make(map[string]PluginMetadata),
	}
}

// Add inserts or replaces the node for meta.Name and rebuilds reverse edges.
// A replaced node keeps its discovery position.
func (r *DependencyResolver) Add(meta PluginMetadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.nodes[meta.Name]
	if !exists {
		node = &DependencyNode{Name: meta.Name, sequence: r.nextSeq}
		r.nextSeq++
		r.nodes[meta.Name] = node
	}

	node.Version = meta.Version
	node.Priority = meta.LoadPriority
	node.Dependencies = meta.RequiredDependencies()
	r.metadata[meta.Name] = meta.Clone()

	r.rebuildReverseDependencies()
	return nil
}

// Remove deletes a plugin from the graph. Returns false if it was not present.
func (r *DependencyResolver) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[name]; !exists {
		return false
	}
	delete(r.nodes, name)
	delete(r.metadata, name)

	r.rebuildReverseDependencies()
	return true
}

// Clear removes every plugin.
func (r *DependencyResolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = make(map[string]*DependencyNode)
	r.metadata = make(map[string]PluginMetadata)
}

// Has reports whether name is registered.
func (r *DependencyResolver) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.nodes[name]
	return exists
}

// Count returns the number of registered plugins.
func (r *DependencyResolver) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Names returns every registered plugin in discovery order.
func (r *DependencyResolver) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesInDiscoveryOrder()
}

// Node returns a copy of the node for name.
func (r *DependencyResolver) Node(name string) (DependencyNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, exists := r.nodes[name]
	if !exists {
		return DependencyNode{}, false
	}
	return DependencyNode{
		Name:         node.Name,
		Version:      node.Version,
		Priority:     node.Priority,
		Dependencies: cloneStrings(node.Dependencies),
		Dependents:   cloneStrings(node.Dependents),
		sequence:     node.sequence,
	}, true
}

// Dependencies returns the required dependencies of name.
func (r *DependencyResolver) Dependencies(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if node, exists := r.nodes[name]; exists {
		return cloneStrings(node.Dependencies)
	}
	return []string{}
}

// Dependents returns the plugins that directly require name.
func (r *DependencyResolver) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if node, exists := r.nodes[name]; exists {
		return cloneStrings(node.Dependents)
	}
	return []string{}
}

// TransitiveDependents returns every plugin that requires name directly or
// through other plugins, in breadth-first order. name itself is excluded.
func (r *DependencyResolver) TransitiveDependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transitiveDependentsLocked(name)
}

// EffectivePriority returns the priority name is ordered by: the highest of
// its own priority and the priorities of every plugin that requires it.
func (r *DependencyResolver) EffectivePriority(name string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, exists := r.nodes[name]
	if !exists {
		return 0, NewUnknownGraphNodeError(name)
	}
	effective := node.Priority
	for _, dependent := range r.transitiveDependentsLocked(name) {
		if p := r.nodes[dependent].Priority; p > effective {
			effective = p
		}
	}
	return effective, nil
}

func (r *DependencyResolver) transitiveDependentsLocked(name string) []string {
	node, exists := r.nodes[name]
	if !exists {
		return []string{}
	}

	seen := map[string]bool{name: true}
	result := make([]string, 0)
	queue := cloneStrings(node.Dependents)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true
		result = append(result, current)
		if next, ok := r.nodes[current]; ok {
			queue = append(queue, next.Dependents...)
		}
	}
	return result
}

// Validate checks meta against the current graph: no self-dependency, every
// registered dependency's version inside the declared range, and every
// required dependency present. A missing optional dependency is accepted.
func (r *DependencyResolver) Validate(meta PluginMetadata) error {
	if meta.DependsOn(meta.Name) {
		return NewSelfDependencyError(meta.Name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, dep := range meta.Dependencies {
		node, exists := r.nodes[dep.Name]
		if !exists {
			if dep.Required {
				return NewMissingDependencyError(meta.Name, dep.Name)
			}
			continue
		}

		inRange, err := VersionInRange(node.Version, dep.MinVersion, dep.MaxVersion)
		if err != nil {
			return err
		}
		if !inRange {
			return NewVersionRangeError(meta.Name, dep.Name, node.Version, dep.MinVersion, dep.MaxVersion)
		}

		if dep.Constraint != "" {
			ok, err := SatisfiesConstraint(node.Version, dep.Constraint)
			if err != nil {
				return err
			}
			if !ok {
				return NewConstraintUnsatisfiedError(meta.Name, dep.Name, node.Version, dep.Constraint)
			}
		}
	}

	return nil
}

// ValidateAll validates every registered plugin against the current graph.
func (r *DependencyResolver) ValidateAll() error {
	r.mu.RLock()
	names := r.namesInDiscoveryOrder()
	metas := make([]PluginMetadata, 0, len(names))
	for _, name := range names {
		metas = append(metas, r.metadata[name])
	}
	r.mu.RUnlock()

	for _, meta := range metas {
		if err := r.Validate(meta); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns every plugin in an order where each one follows all of its
// required dependencies.
//
// The order is produced by a depth-first traversal in discovery order, then a
// single stable sort by descending priority. A dependency inherits the highest
// priority among the plugins that require it, so the sort can never move a
// dependency after its dependent: a low-priority dependency is pulled forward
// instead.
func (r *DependencyResolver) Resolve() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRequiredPresent(); err != nil {
		return nil, err
	}

	for _, node := range r.nodes {
		node.visited = false
		node.onStack = false
	}

	order := make([]string, 0, len(r.nodes))
	stack := make([]string, 0)
	for _, name := range r.namesInDiscoveryOrder() {
		if r.nodes[name].visited {
			continue
		}
		if err := r.visit(name, &order, &stack); err != nil {
			r.clearTraversalFlags()
			return nil, err
		}
	}
	r.clearTraversalFlags()

	effective := r.effectivePriorities(order)
	sort.SliceStable(order, func(i, j int) bool {
		return effective[order[i]] > effective[order[j]]
	})

	return order, nil
}

// visit emits name after all of its dependencies. A node met again while it is
// still on the stack closes a cycle.
func (r *DependencyResolver) visit(name string, order, stack *[]string) error {
	node, exists := r.nodes[name]
	if !exists {
		return nil
	}

	if node.onStack {
		return NewDependencyCycleError(name, cyclePath(*stack, name))
	}
	if node.visited {
		return nil
	}

	node.onStack = true
	*stack = append(*stack, name)

	for _, dep := range node.Dependencies {
		if err := r.visit(dep, order, stack); err != nil {
			return err
		}
	}

	*stack = (*stack)[:len(*stack)-1]
	node.onStack = false
	node.visited = true
	*order = append(*order, name)
	return nil
}

// effectivePriorities walks the emission order backwards (dependents first) and
// raises each dependency to the highest priority of the plugins requiring it.
func (r *DependencyResolver) effectivePriorities(order []string) map[string]int {
	effective := make(map[string]int, len(order))
	for _, name := range order {
		effective[name] = r.nodes[name].Priority
	}
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		for _, dep := range r.nodes[name].Dependencies {
			if effective[name] > effective[dep] {
				effective[dep] = effective[name]
			}
		}
	}
	return effective
}

func (r *DependencyResolver) checkRequiredPresent() error {
	for _, name := range r.namesInDiscoveryOrder() {
		for _, dep := range r.nodes[name].Dependencies {
			if _, exists := r.nodes[dep]; !exists {
				return NewMissingDependencyError(name, dep)
			}
		}
	}
	return nil
}

func (r *DependencyResolver) clearTraversalFlags() {
	for _, node := range r.nodes {
		node.visited = false
		node.onStack = false
	}
}

// rebuildReverseDependencies recomputes every Dependents list from the
// forward edges. Dependents are listed in discovery order.
func (r *DependencyResolver) rebuildReverseDependencies() {
	for _, node := range r.nodes {
		node.Dependents = node.Dependents[:0]
	}
	for _, name := range r.namesInDiscoveryOrder() {
		for _, dep := range r.nodes[name].Dependencies {
			if target, exists := r.nodes[dep]; exists {
				target.Dependents = append(target.Dependents, name)
			}
		}
	}
}

func (r *DependencyResolver) namesInDiscoveryOrder() []string {
	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return r.nodes[names[i]].sequence < r.nodes[names[j]].sequence
	})
	return names
}

func cyclePath(stack []string, closing string) []string {
	for i, name := range stack {
		if name == closing {
			path := cloneStrings(stack[i:])
			return append(path, closing)
		}
	}
	return []string{closing}
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
