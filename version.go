// version.go: dotted-integer version parsing, comparison and range checks
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package plughost

import (
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version is a parsed dot-separated version such as "1.4" or "2.0.7".
//
// Versions always carry at least three components: shorter inputs are padded
// with zeros, so "1.2" parses to 1.2.0. Longer inputs keep every component.
//
// Example usage:
//
//	v1, _ := ParseVersion("1.2")
//	v2, _ := ParseVersion("1.2.1")
//	if v1.Compare(v2) < 0 {
//	    // v1 is older
//	}
type Version struct {
	Parts    []uint64 `json:"parts"`
	Original string   `json:"original"`
}

// ParseVersion parses a dotted-integer version string. A leading "v" is accepted.
func ParseVersion(versionStr string) (Version, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(versionStr), "v")
	if trimmed == "" {
		return Version{}, NewInvalidVersionError(versionStr, nil)
	}

	fields := strings.Split(trimmed, ".")
	parts := make([]uint64, 0, max(len(fields), 3))
	for _, field := range fields {
		value, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return Version{}, NewInvalidVersionError(versionStr, err)
		}
		parts = append(parts, value)
	}

	for len(parts) < 3 {
		parts = append(parts, 0)
	}

	return Version{Parts: parts, Original: versionStr}, nil
}

// MustParseVersion is like ParseVersion but panics on malformed input.
// Intended for constants in tests and static manifests.
func MustParseVersion(versionStr string) Version {
	v, err := ParseVersion(versionStr)
	if err != nil {
		panic(err)
	}
	return v
}

// Major returns the first component.
func (v Version) Major() uint64 { return v.component(0) }

// Minor returns the second component.
func (v Version) Minor() uint64 { return v.component(1) }

// Patch returns the third component.
func (v Version) Patch() uint64 { return v.component(2) }

func (v Version) component(i int) uint64 {
	if i < len(v.Parts) {
		return v.Parts[i]
	}
	return 0
}

// Compare returns -1, 0, or 1. Missing trailing components compare as zero,
// so "1.2" and "1.2.0.0" are equal.
func (v Version) Compare(other Version) int {
	n := max(len(v.Parts), len(other.Parts))
	for i := 0; i < n; i++ {
		a, b := v.component(i), other.component(i)
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
	}
	return 0
}

// String renders the normalized form, e.g. "1.2.0".
func (v Version) String() string {
	if len(v.Parts) == 0 {
		return "0.0.0"
	}
	parts := make([]string, len(v.Parts))
	for i, p := range v.Parts {
		parts[i] = strconv.FormatUint(p, 10)
	}
	return strings.Join(parts, ".")
}

// CompareVersions parses and compares two version strings.
func CompareVersions(a, b string) (int, error) {
	va, err := ParseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := ParseVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}

// VersionInRange reports whether version lies in the inclusive range
// [minVersion, maxVersion]. An empty bound leaves that side unbounded.
func VersionInRange(version, minVersion, maxVersion string) (bool, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return false, err
	}

	if minVersion != "" {
		lower, err := ParseVersion(minVersion)
		if err != nil {
			return false, err
		}
		if v.Compare(lower) < 0 {
			return false, nil
		}
	}

	if maxVersion != "" {
		upper, err := ParseVersion(maxVersion)
		if err != nil {
			return false, err
		}
		if v.Compare(upper) > 0 {
			return false, nil
		}
	}

	return true, nil
}

// SatisfiesConstraint checks version against a range expression such as
// "^1.2", "~1.4.0" or ">= 1.0, < 2.0".
func SatisfiesConstraint(version, constraint string) (bool, error) {
	if strings.TrimSpace(constraint) == "" || constraint == "*" {
		return true, nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, NewInvalidConstraintError(constraint, err)
	}

	v, err := ParseVersion(version)
	if err != nil {
		return false, err
	}

	// semver wants exactly three components
	sv := semver.New(v.Major(), v.Minor(), v.Patch(), "", "")
	return c.Check(sv), nil
}
