// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates playground configuration.
//
// TOML, YAML and JSON files are supported; the decoder is chosen by file
// extension. Values are layered in this order:
//
//   - built-in defaults (Default)
//   - the first file found by SearchPaths
//   - environment variables (ApplyEnvOverrides)
//
// The loaded *Config is passed explicitly to the components that need it.
//
// # Example
//
//	cfg, path, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	fmt.Println("loaded", path, "default provider:", cfg.DefaultProvider)
package config
