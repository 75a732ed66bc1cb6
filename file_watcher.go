// file_watcher.go: polling file watcher over argus
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agilira/argus"
)

// DefaultPollInterval is the watcher poll interval when none is configured.
const DefaultPollInterval = time.Second

// ChangeType classifies a file change.
type ChangeType int

const (
	ChangeCreated ChangeType = iota
	ChangeModified
	ChangeDeleted
)

// String returns a human-readable representation of the change type.
func (c ChangeType) String() string {
	switch c {
	case ChangeCreated:
		return "created"
	case ChangeModified:
		return "modified"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// FileChangeEvent describes one detected change.
type FileChangeEvent struct {
	Path    string
	Type    ChangeType
	ModTime time.Time
	Size    int64
}

// FileChangeCallback receives change events on the watcher's delivery goroutine.
type FileChangeCallback func(FileChangeEvent)

// FileWatcher polls a set of paths and reports creations, modifications and
// deletions through a single callback.
//
// Paths are made absolute before use. The argus poller only queues events;
// the callback runs on a delivery goroutine owned by the watcher, without any
// watcher or argus lock held, so it may call back into code that adds paths.
// A slow callback delays later events but never the poller. Stop waits for the
// delivery goroutine and must therefore not be called from inside the callback.
type FileWatcher struct {
	mu       sync.Mutex
	paths    map[string]bool
	callback FileChangeCallback
	interval time.Duration
	running  bool
	logger   Logger

	// regMu serializes argus registration with Start and Stop. It is never
	// taken by the delivery goroutine.
	regMu     sync.Mutex
	watcher   *argus.Watcher
	argusSeen map[string]bool
	stop      chan struct{}
	done      chan struct{}

	queueMu sync.Mutex
	queue   []argus.ChangeEvent
	wake    chan struct{}
}

// NewFileWatcher creates a stopped watcher. A non-positive interval selects
// DefaultPollInterval.
func NewFileWatcher(interval time.Duration, logger any) *FileWatcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &FileWatcher{
		paths:     make(map[string]bool),
		argusSeen: make(map[string]bool),
		interval:  interval,
		wake:      make(chan struct{}, 1),
		logger:    NewLogger(logger),
	}
}

// SetCallback sets the change callback.
func (w *FileWatcher) SetCallback(callback FileChangeCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callback = callback
}

// Watch adds path to the watched set. Watching the same path twice is a
// no-op. A path that does not exist yet is reported as created once it
// appears.
func (w *FileWatcher) Watch(path string) error {
	if path == "" {
		return NewInvalidWatchPathError(path)
	}
	path = absPath(path)

	w.mu.Lock()
	if w.paths[path] {
		w.mu.Unlock()
		return nil
	}
	w.paths[path] = true
	w.mu.Unlock()

	w.regMu.Lock()
	defer w.regMu.Unlock()
	if w.watcher == nil || w.argusSeen[path] {
		return nil
	}
	if err := w.watcher.Watch(path, w.onChange); err != nil {
		w.mu.Lock()
		delete(w.paths, path)
		w.mu.Unlock()
		return NewWatchFailedError(path, err)
	}
	w.argusSeen[path] = true
	return nil
}

// Unwatch removes path from the watched set. Returns false if it was not watched.
func (w *FileWatcher) Unwatch(path string) bool {
	path = absPath(path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.paths[path] {
		return false
	}
	delete(w.paths, path)
	return true
}

// IsWatching reports whether path is in the watched set.
func (w *FileWatcher) IsWatching(path string) bool {
	path = absPath(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paths[path]
}

// WatchedPaths returns the watched absolute paths in lexical order.
func (w *FileWatcher) WatchedPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths := make([]string, 0, len(w.paths))
	for path := range w.paths {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// PollInterval returns the configured poll interval.
func (w *FileWatcher) PollInterval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.interval
}

// SetPollInterval changes the poll interval, restarting the watcher if it is
// running.
func (w *FileWatcher) SetPollInterval(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	w.mu.Lock()
	if w.interval == interval {
		w.mu.Unlock()
		return nil
	}
	w.interval = interval
	running := w.running
	w.mu.Unlock()

	if !running {
		return nil
	}
	if err := w.Stop(); err != nil {
		return err
	}
	return w.Start()
}

// Start begins polling and event delivery.
func (w *FileWatcher) Start() error {
	w.regMu.Lock()
	defer w.regMu.Unlock()

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return NewWatcherRunningError()
	}
	interval := w.interval
	paths := make([]string, 0, len(w.paths))
	for path := range w.paths {
		paths = append(paths, path)
	}
	w.mu.Unlock()

	watcher := argus.New(argus.Config{
		PollInterval:         interval,
		CacheTTL:             interval / 2,
		MaxWatchedFiles:      1024,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		Audit:                argus.AuditConfig{Enabled: false},
		ErrorHandler: func(err error, path string) {
			w.logger.Warn("File watch error", "path", path, "error", err)
		},
	})

	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		if err := watcher.Watch(path, w.onChange); err != nil {
			return NewWatchFailedError(path, err)
		}
		seen[path] = true
	}

	w.queueMu.Lock()
	w.queue = nil
	w.queueMu.Unlock()

	stop, done := make(chan struct{}), make(chan struct{})
	go w.deliver(stop, done)

	if err := watcher.Start(); err != nil {
		close(stop)
		<-done
		return NewWatchFailedError("", err)
	}

	w.watcher = watcher
	w.argusSeen = seen
	w.stop, w.done = stop, done

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	w.logger.Debug("File watcher started", "paths", len(paths), "interval", interval)
	return nil
}

// Stop halts polling and waits for the delivery goroutine to exit. An
// in-flight callback runs to completion first; queued events are dropped.
func (w *FileWatcher) Stop() error {
	w.regMu.Lock()
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.regMu.Unlock()
		return NewWatcherStoppedError()
	}
	w.running = false
	w.mu.Unlock()

	watcher, stop, done := w.watcher, w.stop, w.done
	w.watcher, w.stop, w.done = nil, nil, nil
	w.argusSeen = make(map[string]bool)
	stopErr := watcher.Stop()
	w.regMu.Unlock()

	close(stop)
	<-done

	if stopErr != nil {
		return NewWatchFailedError("", stopErr)
	}
	w.logger.Debug("File watcher stopped")
	return nil
}

// IsRunning reports whether the watcher is polling.
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// onChange runs on the argus poller, possibly under argus locks. It only
// queues the event.
func (w *FileWatcher) onChange(event argus.ChangeEvent) {
	w.queueMu.Lock()
	w.queue = append(w.queue, event)
	w.queueMu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *FileWatcher) deliver(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-w.wake:
		}

		w.queueMu.Lock()
		events := w.queue
		w.queue = nil
		w.queueMu.Unlock()

		for _, event := range events {
			select {
			case <-stop:
				return
			default:
			}
			w.dispatch(event)
		}
	}
}

func (w *FileWatcher) dispatch(event argus.ChangeEvent) {
	path := absPath(event.Path)

	w.mu.Lock()
	watched := w.paths[path]
	callback := w.callback
	w.mu.Unlock()

	if !watched || callback == nil {
		return
	}

	change := FileChangeEvent{
		Path:    path,
		Type:    ChangeModified,
		ModTime: event.ModTime,
		Size:    event.Size,
	}
	switch {
	case event.IsDelete:
		change.Type = ChangeDeleted
	case event.IsCreate:
		change.Type = ChangeCreated
	}

	if err := callSafely("", "file change callback", func() error {
		callback(change)
		return nil
	}); err != nil {
		w.logger.Error("File change callback panicked", "path", path, "error", err)
	}
}

// absPath returns the cleaned absolute form of path, or the cleaned path
// when the working directory cannot be determined.
func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}
