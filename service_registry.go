// service_registry.go: type-keyed service container with singleton, transient and scoped lifetimes
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"reflect"
	"sync"
)

// Lifetime controls how often a service factory runs.
type Lifetime int

const (
	// LifetimeSingleton runs the factory once, at registration time
	LifetimeSingleton Lifetime = iota
	// LifetimeTransient runs the factory on every resolve
	LifetimeTransient
	// LifetimeScoped runs the factory once per open scope
	LifetimeScoped
)

// String returns a human-readable representation of the lifetime.
func (l Lifetime) String() string {
	switch l {
	case LifetimeSingleton:
		return "singleton"
	case LifetimeTransient:
		return "transient"
	case LifetimeScoped:
		return "scoped"
	default:
		return "unknown"
	}
}

// ScopeID identifies an open scope. IDs increase monotonically and are never reused.
type ScopeID uint64

// RegisterOption configures a registration.
type RegisterOption func(*serviceRegistration)

// OwnedBy tags the registration with the plugin that owns it.
func OwnedBy(plugin string) RegisterOption {
	return func(reg *serviceRegistration) { reg.owner = plugin }
}

type serviceKey struct {
	typ  reflect.Type
	name string
}

func (k serviceKey) String() string {
	if k.name != "" {
		return k.name
	}
	return k.typ.String()
}

type serviceRegistration struct {
	key      serviceKey
	lifetime Lifetime
	factory  func() (any, error)
	instance any
	scoped   map[ScopeID]any
	owner    string
}

// ServiceRegistry resolves services by type or by name.
//
// Factories run without the registry lock held, so a factory may itself
// resolve other services. Resolving a scoped service requires an open scope;
// there is no fallback to transient behavior.
//
// Example usage:
//
//	services := NewServiceRegistry(logger)
//	RegisterSingleton[Clock](services, systemClock{})
//	RegisterFactory(services, LifetimeScoped, func() (*Session, error) {
//	    return newSession(), nil
//	})
//
//	scope := services.NewScope()
//	defer scope.Close()
//	session, err := Resolve[*Session](services)
type ServiceRegistry struct {
	mu        sync.RWMutex
	services  map[serviceKey]*serviceRegistration
	scopes    []ScopeID
	nextScope ScopeID
	logger    Logger
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry(logger any) *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[serviceKey]*serviceRegistration),
		logger:   NewLogger(logger),
	}
}

// RegisterSingleton registers an existing instance under type T.
func RegisterSingleton[T any](r *ServiceRegistry, instance T, opts ...RegisterOption) {
	reg := &serviceRegistration{
		key:      serviceKey{typ: reflect.TypeFor[T]()},
		lifetime: LifetimeSingleton,
		instance: instance,
	}
	r.store(reg, opts)
}

// RegisterFactory registers a factory for type T with the given lifetime. A
// singleton factory runs immediately and its error is returned.
func RegisterFactory[T any](r *ServiceRegistry, lifetime Lifetime, factory func() (T, error), opts ...RegisterOption) error {
	return r.registerFactory(serviceKey{typ: reflect.TypeFor[T]()}, lifetime, erase(factory), opts)
}

// RegisterNamed registers an instance under name.
func RegisterNamed[T any](r *ServiceRegistry, name string, instance T, opts ...RegisterOption) {
	reg := &serviceRegistration{
		key:      serviceKey{name: name},
		lifetime: LifetimeSingleton,
		instance: instance,
	}
	r.store(reg, opts)
}

// RegisterNamedFactory registers a factory under name.
func RegisterNamedFactory[T any](r *ServiceRegistry, name string, lifetime Lifetime, factory func() (T, error), opts ...RegisterOption) error {
	return r.registerFactory(serviceKey{name: name}, lifetime, erase(factory), opts)
}

// Resolve returns the service registered for type T.
func Resolve[T any](r *ServiceRegistry) (T, error) {
	return resolveAs[T](r, serviceKey{typ: reflect.TypeFor[T]()})
}

// TryResolve is like Resolve but reports a missing or unresolvable service
// with false instead of an error.
func TryResolve[T any](r *ServiceRegistry) (T, bool) {
	value, err := Resolve[T](r)
	return value, err == nil
}

// ResolveNamed returns the service registered under name. A service of a
// different type fails with ErrCodeServiceWrongType.
func ResolveNamed[T any](r *ServiceRegistry, name string) (T, error) {
	return resolveAs[T](r, serviceKey{name: name})
}

// TryResolveNamed is the non-failing form of ResolveNamed.
func TryResolveNamed[T any](r *ServiceRegistry, name string) (T, bool) {
	value, err := ResolveNamed[T](r, name)
	return value, err == nil
}

// IsRegistered reports whether type T has a registration.
func IsRegistered[T any](r *ServiceRegistry) bool {
	return r.has(serviceKey{typ: reflect.TypeFor[T]()})
}

// Unregister removes the registration for type T.
func Unregister[T any](r *ServiceRegistry) bool {
	return r.remove(serviceKey{typ: reflect.TypeFor[T]()})
}

// IsNamedRegistered reports whether name has a registration.
func (r *ServiceRegistry) IsNamedRegistered(name string) bool {
	return r.has(serviceKey{name: name})
}

// UnregisterNamed removes the registration for name.
func (r *ServiceRegistry) UnregisterNamed(name string) bool {
	return r.remove(serviceKey{name: name})
}

// UnregisterPlugin removes every registration owned by plugin and returns the count.
func (r *ServiceRegistry) UnregisterPlugin(plugin string) int {
	if plugin == "" {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, reg := range r.services {
		if reg.owner == plugin {
			delete(r.services, key)
			removed++
		}
	}
	return removed
}

// PluginServiceCount returns the number of registrations owned by plugin.
func (r *ServiceRegistry) PluginServiceCount(plugin string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, reg := range r.services {
		if reg.owner == plugin {
			count++
		}
	}
	return count
}

// Count returns the number of registrations.
func (r *ServiceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// Clear removes every registration and closes every scope.
func (r *ServiceRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = make(map[serviceKey]*serviceRegistration)
	r.scopes = nil
}

// EnterScope opens a nested scope and returns its id.
func (r *ServiceRegistry) EnterScope() ScopeID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextScope++
	r.scopes = append(r.scopes, r.nextScope)
	return r.nextScope
}

// ExitScope closes the innermost scope, which must be id, and discards every
// scoped instance cached for it.
func (r *ServiceRegistry) ExitScope(id ScopeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.scopes) == 0 {
		return NewNoActiveScopeError("")
	}
	top := r.scopes[len(r.scopes)-1]
	if top != id {
		return NewScopeMismatchError(top, id)
	}

	r.scopes = r.scopes[:len(r.scopes)-1]
	for _, reg := range r.services {
		delete(reg.scoped, id)
	}
	return nil
}

// InScope reports whether any scope is open.
func (r *ServiceRegistry) InScope() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scopes) > 0
}

// ScopeDepth returns the number of open scopes.
func (r *ServiceRegistry) ScopeDepth() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scopes)
}

// CurrentScope returns the innermost open scope.
func (r *ServiceRegistry) CurrentScope() (ScopeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.scopes) == 0 {
		return 0, false
	}
	return r.scopes[len(r.scopes)-1], true
}

// ServiceScope is an open scope that can be closed with defer.
type ServiceScope struct {
	registry *ServiceRegistry
	id       ScopeID
	once     sync.Once
	err      error
}

// NewScope enters a scope and returns a handle that exits it.
func (r *ServiceRegistry) NewScope() *ServiceScope {
	return &ServiceScope{registry: r, id: r.EnterScope()}
}

// ID returns the scope id.
func (s *ServiceScope) ID() ScopeID { return s.id }

// Close exits the scope. Only the first call has an effect.
func (s *ServiceScope) Close() error {
	s.once.Do(func() {
		s.err = s.registry.ExitScope(s.id)
	})
	return s.err
}

func erase[T any](factory func() (T, error)) func() (any, error) {
	if factory == nil {
		return nil
	}
	return func() (any, error) {
		value, err := factory()
		if err != nil {
			return nil, err
		}
		return value, nil
	}
}

func (r *ServiceRegistry) registerFactory(key serviceKey, lifetime Lifetime, factory func() (any, error), opts []RegisterOption) error {
	if factory == nil {
		return NewFactoryFailedError(key.String(), nil)
	}

	reg := &serviceRegistration{key: key, lifetime: lifetime, factory: factory}
	for _, opt := range opts {
		opt(reg)
	}

	switch lifetime {
	case LifetimeSingleton:
		instance, err := r.runFactory(reg)
		if err != nil {
			return err
		}
		reg.instance = instance
	case LifetimeTransient:
	case LifetimeScoped:
		reg.scoped = make(map[ScopeID]any)
	default:
		return NewInvalidLifetimeError(lifetime)
	}

	r.store(reg, nil)
	return nil
}

func (r *ServiceRegistry) store(reg *serviceRegistration, opts []RegisterOption) {
	for _, opt := range opts {
		opt(reg)
	}

	r.mu.Lock()
	_, replaced := r.services[reg.key]
	r.services[reg.key] = reg
	r.mu.Unlock()

	if replaced {
		r.logger.Debug("Service registration replaced", "service", reg.key.String(), "owner", reg.owner)
	}
}

func (r *ServiceRegistry) has(key serviceKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[key]
	return ok
}

func (r *ServiceRegistry) remove(key serviceKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[key]; !ok {
		return false
	}
	delete(r.services, key)
	return true
}

func resolveAs[T any](r *ServiceRegistry, key serviceKey) (T, error) {
	var zero T
	value, err := r.resolve(key)
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	typed, ok := value.(T)
	if !ok {
		return zero, NewServiceWrongTypeError(key.String(), reflect.TypeFor[T]().String(), typeName(value))
	}
	return typed, nil
}

func (r *ServiceRegistry) resolve(key serviceKey) (any, error) {
	r.mu.RLock()
	reg, ok := r.services[key]
	if !ok {
		r.mu.RUnlock()
		return nil, NewServiceNotRegisteredError(key.String())
	}

	switch reg.lifetime {
	case LifetimeSingleton:
		instance := reg.instance
		r.mu.RUnlock()
		return instance, nil

	case LifetimeTransient:
		r.mu.RUnlock()
		return r.runFactory(reg)

	case LifetimeScoped:
		if len(r.scopes) == 0 {
			r.mu.RUnlock()
			return nil, NewNoActiveScopeError(key.String())
		}
		scope := r.scopes[len(r.scopes)-1]
		if instance, cached := reg.scoped[scope]; cached {
			r.mu.RUnlock()
			return instance, nil
		}
		r.mu.RUnlock()
		return r.resolveScoped(reg, scope)

	default:
		r.mu.RUnlock()
		return nil, NewInvalidLifetimeError(reg.lifetime)
	}
}

// resolveScoped builds the instance outside the lock, then caches it unless a
// concurrent resolve got there first or the scope was closed meanwhile.
func (r *ServiceRegistry) resolveScoped(reg *serviceRegistration, scope ScopeID) (any, error) {
	instance, err := r.runFactory(reg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, cached := reg.scoped[scope]; cached {
		return existing, nil
	}
	if r.scopeOpenLocked(scope) {
		reg.scoped[scope] = instance
	}
	return instance, nil
}

func (r *ServiceRegistry) scopeOpenLocked(scope ScopeID) bool {
	for _, id := range r.scopes {
		if id == scope {
			return true
		}
	}
	return false
}

func (r *ServiceRegistry) runFactory(reg *serviceRegistration) (instance any, err error) {
	err = callSafely(reg.owner, "factory "+reg.key.String(), func() error {
		var ferr error
		instance, ferr = reg.factory()
		return ferr
	})
	if err != nil {
		return nil, NewFactoryFailedError(reg.key.String(), err)
	}
	return instance, nil
}
