// module_allowlist.go: SHA-256 allow list checked before a module is opened
//
// Opening a native module runs its package initializers, so a module that is
// not on the allow list must be rejected before it reaches the Opener. The
// list is keyed by content hash: a rebuilt module needs a new entry, and a
// renamed copy of an allowed build stays allowed.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// SecurityPolicy defines how allow list violations are handled.
type SecurityPolicy int

const (
	// SecurityPolicyDisabled skips every check
	SecurityPolicyDisabled SecurityPolicy = iota
	// SecurityPolicyPermissive logs violations but lets the module load
	SecurityPolicyPermissive
	// SecurityPolicyStrict rejects modules that are not on the list
	SecurityPolicyStrict
)

func (sp SecurityPolicy) String() string {
	switch sp {
	case SecurityPolicyDisabled:
		return "disabled"
	case SecurityPolicyPermissive:
		return "permissive"
	case SecurityPolicyStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// ParseSecurityPolicy parses the names returned by SecurityPolicy.String.
// The empty string selects strict.
func ParseSecurityPolicy(s string) (SecurityPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return SecurityPolicyStrict, nil
	case "permissive":
		return SecurityPolicyPermissive, nil
	case "disabled":
		return SecurityPolicyDisabled, nil
	default:
		return SecurityPolicyDisabled, fmt.Errorf("unknown security policy %q", s)
	}
}

// AllowedModule is one allow list entry.
type AllowedModule struct {
	Name        string `yaml:"name,omitempty"`
	SHA256      string `yaml:"sha256"`
	MaxFileSize int64  `yaml:"max_file_size,omitempty"`
}

// allowListFile is the YAML document read by LoadModuleAllowList.
type allowListFile struct {
	Policy      string          `yaml:"policy"`
	MaxFileSize int64           `yaml:"max_file_size,omitempty"`
	Modules     []AllowedModule `yaml:"modules"`
}

// ModuleAllowList verifies module files against a set of allowed hashes.
// It is safe for concurrent use.
type ModuleAllowList struct {
	mu          sync.RWMutex
	policy      SecurityPolicy
	maxFileSize int64
	byHash      map[string]AllowedModule

	violations atomic.Int64
	logger     Logger
}

// NewModuleAllowList creates an empty list. Under SecurityPolicyStrict an
// empty list rejects every module.
func NewModuleAllowList(policy SecurityPolicy, logger any) *ModuleAllowList {
	return &ModuleAllowList{
		policy: policy,
		byHash: make(map[string]AllowedModule),
		logger: NewLogger(logger),
	}
}

// LoadModuleAllowList reads a YAML allow list:
//
//	policy: strict
//	max_file_size: 104857600
//	modules:
//	  - name: counter
//	    sha256: 3f9a...
func LoadModuleAllowList(path string, logger any) (*ModuleAllowList, error) {
	if path == "" {
		return nil, NewConfigPathError(path, "empty allow list path")
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, NewAllowListError(path, err)
	}
	list, err := ParseModuleAllowList(data, logger)
	if err != nil {
		return nil, NewAllowListError(path, err)
	}
	return list, nil
}

// ParseModuleAllowList parses the YAML form read by LoadModuleAllowList.
func ParseModuleAllowList(data []byte, logger any) (*ModuleAllowList, error) {
	var doc allowListFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	policy, err := ParseSecurityPolicy(doc.Policy)
	if err != nil {
		return nil, err
	}
	if doc.MaxFileSize < 0 {
		return nil, fmt.Errorf("negative max_file_size %d", doc.MaxFileSize)
	}

	list := NewModuleAllowList(policy, logger)
	list.maxFileSize = doc.MaxFileSize
	for _, entry := range doc.Modules {
		if err := list.Allow(entry); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// Marshal renders the list in the form read by ParseModuleAllowList, entries
// sorted by name then hash.
func (a *ModuleAllowList) Marshal() ([]byte, error) {
	a.mu.RLock()
	doc := allowListFile{
		Policy:      a.policy.String(),
		MaxFileSize: a.maxFileSize,
		Modules:     make([]AllowedModule, 0, len(a.byHash)),
	}
	for _, entry := range a.byHash {
		doc.Modules = append(doc.Modules, entry)
	}
	a.mu.RUnlock()

	sort.Slice(doc.Modules, func(i, j int) bool {
		if doc.Modules[i].Name != doc.Modules[j].Name {
			return doc.Modules[i].Name < doc.Modules[j].Name
		}
		return doc.Modules[i].SHA256 < doc.Modules[j].SHA256
	})
	return yaml.Marshal(doc)
}

// Allow adds or replaces an entry. The hash must be a hex encoded SHA-256.
func (a *ModuleAllowList) Allow(entry AllowedModule) error {
	hash := strings.ToLower(strings.TrimSpace(entry.SHA256))
	if decoded, err := hex.DecodeString(hash); err != nil || len(decoded) != sha256.Size {
		return fmt.Errorf("allow list entry %q: invalid sha256 %q", entry.Name, entry.SHA256)
	}
	if entry.MaxFileSize < 0 {
		return fmt.Errorf("allow list entry %q: negative max_file_size", entry.Name)
	}
	entry.SHA256 = hash

	a.mu.Lock()
	defer a.mu.Unlock()
	a.byHash[hash] = entry
	return nil
}

// AllowFile hashes the module at path and adds it under name.
func (a *ModuleAllowList) AllowFile(name, path string) (AllowedModule, error) {
	hash, err := HashModuleFile(path)
	if err != nil {
		return AllowedModule{}, err
	}
	entry := AllowedModule{Name: name, SHA256: hash}
	return entry, a.Allow(entry)
}

// SetMaxFileSize bounds every module; zero removes the bound.
func (a *ModuleAllowList) SetMaxFileSize(size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxFileSize = max(size, 0)
}

// Policy returns the enforcement mode.
func (a *ModuleAllowList) Policy() SecurityPolicy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.policy
}

// Len returns the number of entries.
func (a *ModuleAllowList) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byHash)
}

// Violations returns how many checks failed, including the ones the
// permissive policy let through.
func (a *ModuleAllowList) Violations() int64 { return a.violations.Load() }

// Verify checks the module file at path. A missing file is reported as
// ModuleNotFound whatever the policy; other failures follow the policy.
func (a *ModuleAllowList) Verify(path string) error {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	policy, limit := a.policy, a.maxFileSize
	a.mu.RUnlock()
	if policy == SecurityPolicyDisabled {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewModuleNotFoundError(path, err)
		}
		return a.violation(policy, path, err.Error())
	}
	if limit > 0 && info.Size() > limit {
		return a.violation(policy, path, fmt.Sprintf("file size %d exceeds limit %d", info.Size(), limit))
	}

	hash, err := HashModuleFile(path)
	if err != nil {
		return a.violation(policy, path, err.Error())
	}

	a.mu.RLock()
	entry, ok := a.byHash[hash]
	a.mu.RUnlock()
	if !ok {
		return a.violation(policy, path, "hash "+hash+" not allowed")
	}
	if entry.MaxFileSize > 0 && info.Size() > entry.MaxFileSize {
		return a.violation(policy, path, fmt.Sprintf("file size %d exceeds limit %d for %s", info.Size(), entry.MaxFileSize, entry.Name))
	}

	a.logger.Debug("Module allowed", "path", path, "entry", entry.Name, "sha256", hash)
	return nil
}

func (a *ModuleAllowList) violation(policy SecurityPolicy, path, reason string) error {
	a.violations.Add(1)
	if policy == SecurityPolicyPermissive {
		a.logger.Warn("Module allow list violation, loading anyway", "path", path, "reason", reason)
		return nil
	}
	a.logger.Error("Module rejected by allow list", "path", path, "reason", reason)
	return NewModuleNotAllowedError(path, reason)
}

// HashModuleFile returns the hex encoded SHA-256 of the file at path.
func HashModuleFile(path string) (string, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
