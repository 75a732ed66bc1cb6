// metadata.go: plugin metadata, dependency declarations and manifest parsing
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLoadPriority is assigned to plugins that do not declare a priority.
const DefaultLoadPriority = 100

// Default exported symbol names of a native plugin module.
const (
	DefaultConstructorSymbol = "CreatePlugin"
	DefaultDestructorSymbol  = "DestroyPlugin"
	DefaultManifestSymbol    = "PluginManifest"
)

// DependencyDeclaration describes one dependency of a plugin.
//
// MinVersion and MaxVersion form an inclusive range; an empty bound is
// unbounded on that side. Constraint optionally adds a range expression
// ("^1.2", ">= 1.0, < 2.0") checked on top of the bounds.
type DependencyDeclaration struct {
	Name       string `json:"name" yaml:"name"`
	MinVersion string `json:"min_version,omitempty" yaml:"min_version,omitempty"`
	MaxVersion string `json:"max_version,omitempty" yaml:"max_version,omitempty"`
	Constraint string `json:"constraint,omitempty" yaml:"constraint,omitempty"`
	Required   bool   `json:"required" yaml:"required"`
}

// PluginMetadata is the declared identity of a plugin.
//
// The metadata captured at load time is immutable for that load; a reload
// replaces it wholesale with the metadata reported by the new build.
type PluginMetadata struct {
	Name          string                  `json:"name" yaml:"name"`
	Version       string                  `json:"version" yaml:"version"`
	Author        string                  `json:"author,omitempty" yaml:"author,omitempty"`
	Description   string                  `json:"description,omitempty" yaml:"description,omitempty"`
	License       string                  `json:"license,omitempty" yaml:"license,omitempty"`
	Dependencies  []DependencyDeclaration `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	LoadPriority  int                     `json:"load_priority" yaml:"load_priority"`
	AutoLoad      bool                    `json:"auto_load" yaml:"auto_load"`
	EntryPoint    string                  `json:"entry_point,omitempty" yaml:"entry_point,omitempty"`
	DestroyPoint  string                  `json:"destroy_point,omitempty" yaml:"destroy_point,omitempty"`
	ManifestPoint string                  `json:"manifest_point,omitempty" yaml:"manifest_point,omitempty"`
	CustomFields  map[string]string       `json:"custom_fields,omitempty" yaml:"custom_fields,omitempty"`
}

// NewPluginMetadata returns metadata with the runtime defaults applied.
func NewPluginMetadata(name, version string) PluginMetadata {
	return PluginMetadata{
		Name:          name,
		Version:       version,
		LoadPriority:  DefaultLoadPriority,
		AutoLoad:      true,
		EntryPoint:    DefaultConstructorSymbol,
		DestroyPoint:  DefaultDestructorSymbol,
		ManifestPoint: DefaultManifestSymbol,
	}
}

// AddDependency appends a dependency declaration.
func (m *PluginMetadata) AddDependency(name, minVersion, maxVersion string, required bool) {
	m.Dependencies = append(m.Dependencies, DependencyDeclaration{
		Name:       name,
		MinVersion: minVersion,
		MaxVersion: maxVersion,
		Required:   required,
	})
}

// DependsOn reports whether the plugin declares a dependency on name,
// required or optional.
func (m PluginMetadata) DependsOn(name string) bool {
	for _, dep := range m.Dependencies {
		if dep.Name == name {
			return true
		}
	}
	return false
}

// RequiredDependencies returns the names of required dependencies in declaration order.
func (m PluginMetadata) RequiredDependencies() []string {
	names := make([]string, 0, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		if dep.Required {
			names = append(names, dep.Name)
		}
	}
	return names
}

// CustomField returns a custom field or defaultValue.
func (m PluginMetadata) CustomField(key, defaultValue string) string {
	if value, ok := m.CustomFields[key]; ok {
		return value
	}
	return defaultValue
}

// SetCustomField sets a custom field.
func (m *PluginMetadata) SetCustomField(key, value string) {
	if m.CustomFields == nil {
		m.CustomFields = make(map[string]string)
	}
	m.CustomFields[key] = value
}

// Validate checks the structural requirements every registered plugin must meet.
func (m PluginMetadata) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return NewInvalidMetadataError(m.Name, "plugin name is required")
	}
	if _, err := ParseVersion(m.Version); err != nil {
		return NewInvalidMetadataError(m.Name, "invalid version "+m.Version)
	}
	for _, dep := range m.Dependencies {
		if strings.TrimSpace(dep.Name) == "" {
			return NewInvalidMetadataError(m.Name, "dependency without a name")
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate registered metadata.
func (m PluginMetadata) Clone() PluginMetadata {
	c := m
	if m.Dependencies != nil {
		c.Dependencies = make([]DependencyDeclaration, len(m.Dependencies))
		copy(c.Dependencies, m.Dependencies)
	}
	if m.CustomFields != nil {
		c.CustomFields = make(map[string]string, len(m.CustomFields))
		for k, v := range m.CustomFields {
			c.CustomFields[k] = v
		}
	}
	return c
}

// manifestDocument mirrors PluginMetadata with pointer fields so that
// absent keys keep their defaults.
type manifestDocument struct {
	Name          string               `yaml:"name"`
	Version       string               `yaml:"version"`
	Author        string               `yaml:"author"`
	Description   string               `yaml:"description"`
	License       string               `yaml:"license"`
	Dependencies  []manifestDependency `yaml:"dependencies"`
	LoadPriority  *int                 `yaml:"load_priority"`
	AutoLoad      *bool                `yaml:"auto_load"`
	EntryPoint    string               `yaml:"entry_point"`
	DestroyPoint  string               `yaml:"destroy_point"`
	ManifestPoint string               `yaml:"manifest_point"`
	CustomFields  map[string]string    `yaml:"custom_fields"`
}

type manifestDependency struct {
	Name       string `yaml:"name"`
	MinVersion string `yaml:"min_version"`
	MaxVersion string `yaml:"max_version"`
	Constraint string `yaml:"constraint"`
	Required   *bool  `yaml:"required"`
}

// ParseManifest decodes a manifest document. YAML is accepted, and JSON as its
// subset. Dependencies are required unless the manifest says otherwise.
func ParseManifest(manifest string) (PluginMetadata, error) {
	var doc manifestDocument
	if err := yaml.Unmarshal([]byte(manifest), &doc); err != nil {
		return PluginMetadata{}, NewManifestParseError("", err)
	}

	meta := NewPluginMetadata(doc.Name, doc.Version)
	meta.Author = doc.Author
	meta.Description = doc.Description
	meta.License = doc.License
	meta.CustomFields = doc.CustomFields
	if doc.LoadPriority != nil {
		meta.LoadPriority = *doc.LoadPriority
	}
	if doc.AutoLoad != nil {
		meta.AutoLoad = *doc.AutoLoad
	}
	if doc.EntryPoint != "" {
		meta.EntryPoint = doc.EntryPoint
	}
	if doc.DestroyPoint != "" {
		meta.DestroyPoint = doc.DestroyPoint
	}
	if doc.ManifestPoint != "" {
		meta.ManifestPoint = doc.ManifestPoint
	}

	for _, dep := range doc.Dependencies {
		required := true
		if dep.Required != nil {
			required = *dep.Required
		}
		meta.Dependencies = append(meta.Dependencies, DependencyDeclaration{
			Name:       dep.Name,
			MinVersion: dep.MinVersion,
			MaxVersion: dep.MaxVersion,
			Constraint: dep.Constraint,
			Required:   required,
		})
	}

	return meta, nil
}

// MarshalManifest encodes metadata as a YAML manifest.
func MarshalManifest(meta PluginMetadata) (string, error) {
	out, err := yaml.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
