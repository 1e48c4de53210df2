// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export writes conversations as Markdown, HTML or JSON.
//
// A Conversation is built from a live session snapshot or from turns
// loaded out of the transcript store:
//
//	conv := export.FromSnapshot(sess.Snapshot())
//	exp, err := export.ForFormat("md")
//	path, err := export.WriteFile(conv, exp, ".")
//
// HTML output is the Markdown rendering converted with goldmark and
// wrapped in a self-contained page.
package export
