// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the playground command line: an interactive chat,
// one-shot template transforms, model management and the HTTP server.
package cli
