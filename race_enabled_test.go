// race_enabled_test.go: race detector build flag for module build tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

//go:build race

package plughost

const raceEnabled = true
