// native_library.go: Opener backed by the Go plugin package
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"plugin"
	"runtime"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// NativeModuleExtension returns the shared-library extension of the host platform.
func NativeModuleExtension() string {
	switch runtime.GOOS {
	case "windows":
		return ".dll"
	case "darwin":
		return ".dylib"
	default:
		return ".so"
	}
}

// ErrPluginPathReused reports a module whose plugin path matches a module the
// process already opened from different contents.
var ErrPluginPathReused = errors.New("plugin path already loaded by another build; build each module with a unique -ldflags=-pluginpath")

// NativeOpener opens modules built with -buildmode=plugin.
//
// The Go runtime never unmaps a plugin and refuses to open two plugins with
// the same plugin path, which defaults to the package import path. A module
// that is rebuilt for hot reload must therefore stamp a unique plugin path on
// every build:
//
//	go build -buildmode=plugin -ldflags="-pluginpath=counter-$(date +%s%N)" -o counter.so .
//
// The runtime also caches plugins by file path, so NativeOpener opens a shadow
// copy named after the build. Opening unchanged contents again reuses the
// shadow copy of that build and yields the already loaded plugin. Shadow
// copies stay on disk for the life of the process; the directory can be
// removed with CleanShadows once the host exits.
type NativeOpener struct {
	shadowDir string

	mu      sync.Mutex
	byBuild map[string]string
}

// NewNativeOpener creates an opener that places shadow copies in shadowDir.
// An empty shadowDir selects a directory under os.TempDir.
func NewNativeOpener(shadowDir string) *NativeOpener {
	if shadowDir == "" {
		shadowDir = filepath.Join(os.TempDir(), "plughost-shadow")
	}
	return &NativeOpener{shadowDir: shadowDir, byBuild: make(map[string]string)}
}

// ShadowDir returns the shadow copy directory.
func (o *NativeOpener) ShadowDir() string { return o.shadowDir }

// Open implements Opener.
func (o *NativeOpener) Open(path string) (Library, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	if o.isShadow(path) {
		return o.open(path, "")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// builds are identified by the bytes actually opened
	shadow, err := o.shadowCopy(path)
	if err != nil {
		return nil, err
	}
	build, err := HashModuleFile(shadow)
	if err != nil {
		_ = os.Remove(shadow)
		return nil, err
	}
	if existing, ok := o.byBuild[build]; ok {
		_ = os.Remove(shadow)
		return o.open(existing, "")
	}
	library, err := o.open(shadow, path)
	if err != nil {
		_ = os.Remove(shadow)
		return nil, err
	}
	o.byBuild[build] = shadow
	return library, nil
}

func (o *NativeOpener) open(openPath, sourcePath string) (Library, error) {
	p, err := plugin.Open(openPath)
	if err != nil {
		if strings.Contains(err.Error(), "plugin already loaded") {
			if sourcePath == "" {
				sourcePath = openPath
			}
			return nil, fmt.Errorf("open %s: %w: %v", sourcePath, ErrPluginPathReused, err)
		}
		return nil, err
	}
	return &nativeLibrary{plugin: p, path: openPath}, nil
}

// CleanShadows removes every shadow copy.
func (o *NativeOpener) CleanShadows() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byBuild = make(map[string]string)
	return os.RemoveAll(o.shadowDir)
}

func (o *NativeOpener) isShadow(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	dir, err := filepath.Abs(o.shadowDir)
	if err != nil {
		return false
	}
	return strings.HasPrefix(abs, dir+string(filepath.Separator))
}

func (o *NativeOpener) shadowCopy(path string) (string, error) {
	if err := os.MkdirAll(o.shadowDir, 0o700); err != nil {
		return "", err
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	target := filepath.Join(o.shadowDir, fmt.Sprintf("%s-%s%s", base, ulid.Make(), ext))

	// #nosec G304 -- path is the module the caller asked to load
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = src.Close() }()

	// #nosec G302 -- the shadow copy must stay loadable
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o700)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(target)
		return "", err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(target)
		return "", err
	}
	return target, nil
}

type nativeLibrary struct {
	plugin *plugin.Plugin
	path   string
}

func (l *nativeLibrary) Lookup(symbol string) (any, error) {
	sym, err := l.plugin.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	return sym, nil
}

func (l *nativeLibrary) Path() string { return l.path }

// Close is a no-op: the Go runtime cannot unload a plugin.
func (l *nativeLibrary) Close() error { return nil }
