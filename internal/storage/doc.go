// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists chat transcripts in a SQLite database.
//
// TranscriptStore implements session.Recorder: every finalized turn is
// written as it happens, so a crash loses at most the reply in flight.
// The database uses the pure Go modernc.org/sqlite driver.
package storage
