// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across the playground.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe file writing with fsync
//   - TruncateRunes, TruncateWidth: UTF-8 and display-width aware truncation
//   - FormatBytes: human readable sizes for model listings and pull progress
//
// # Usage
//
//	err := util.AtomicWriteFile(path, data, 0600)
//	fmt.Println(util.FormatBytes(model.Size))
package util
