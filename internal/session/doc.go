// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session implements a single chat conversation.
//
// A Session moves through the phases
//
//	Idle -> Composing -> Streaming -> Idle
//	                     Streaming -> Errored -> Idle
//
// Only one operation runs at a time. A call made while another is in
// progress fails immediately with ErrBusy rather than waiting. Read-only
// accessors (History, Pending, Phase, Snapshot) may be called from any
// goroutine at any time.
package session
