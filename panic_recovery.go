// panic_recovery.go: Panic containment at plugin hook and handler boundaries
//
// Plugin code runs inside the host process, so a panic in a hook, an event
// handler or a service factory would take the whole host down. Every call
// into plugin code goes through one of these helpers, which turn the panic
// into an error carrying the recovered value and stack.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"runtime"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
)

// RecoveryHandler receives a recovered panic value and the goroutine stack.
type RecoveryHandler func(recovered any, stack []byte)

func captureStack() []byte {
	buf := make([]byte, 64<<10)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

// callSafely runs fn and converts a panic into a HookPanic error tagged with
// the plugin and hook names.
func callSafely(plugin, hook string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewHookPanicError(plugin, hook, r).WithContext("stack", string(captureStack()))
		}
	}()
	return fn()
}

// withStackRecover returns a deferred recovery that logs the panic with its stack.
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    // potentially panicking code
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			logger.Error("Panic recovered in goroutine",
				"panic", r,
				"stack", string(captureStack()))
		}
	}
}

// withCustomRecoveryHandler returns a deferred recovery that hands the panic to handler.
func withCustomRecoveryHandler(handler RecoveryHandler) func() {
	return func() {
		if r := recover(); r != nil {
			handler(r, captureStack())
		}
	}
}

// SafeGo executes fn in a new goroutine; a panic is logged instead of crashing the host.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}

// RecoveryMetrics counts recovered panics per component.
type RecoveryMetrics struct {
	mu                   sync.Mutex
	TotalPanicsRecovered int64            `json:"total_panics_recovered"`
	LastPanicTime        time.Time        `json:"last_panic_time"`
	PanicsByComponent    map[string]int64 `json:"panics_by_component"`
}

// Record counts one panic for component.
func (m *RecoveryMetrics) Record(component string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalPanicsRecovered++
	m.LastPanicTime = timecache.CachedTime()
	if m.PanicsByComponent == nil {
		m.PanicsByComponent = make(map[string]int64)
	}
	m.PanicsByComponent[component]++
	return m.TotalPanicsRecovered
}

// Count returns the number of panics recovered for component.
func (m *RecoveryMetrics) Count(component string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PanicsByComponent[component]
}

// Total returns the number of panics recovered overall.
func (m *RecoveryMetrics) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TotalPanicsRecovered
}
