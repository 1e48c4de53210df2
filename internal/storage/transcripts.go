// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/playground/internal/session"
	"github.com/jeranaias/playground/internal/util"
)

// previewLength is the rune length of a session preview.
const previewLength = 60

// TranscriptStore records conversations. It is safe for concurrent use.
type TranscriptStore struct {
	db   *sql.DB
	path string
}

// SessionSummary describes one stored conversation.
type SessionSummary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Turns     int       `json:"turns"`
	Model     string    `json:"model,omitempty"`
	// Preview is the start of the first user message.
	Preview string `json:"preview"`
}

// Open opens or creates the database at path.
func Open(path string) (*TranscriptStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.Exec(initMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init metadata: %w", err)
	}
	return &TranscriptStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *TranscriptStore) Path() string { return s.path }

// Close closes the database.
func (s *TranscriptStore) Close() error {
	return s.db.Close()
}

// Record stores one turn. Recording the same turn twice is a no-op.
func (s *TranscriptStore) Record(ctx context.Context, sessionID string, t session.Turn) error {
	attachments, err := json.Marshal(t.Attachments)
	if err != nil {
		return err
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = MAX(updated_at, excluded.updated_at)`,
		sessionID, created.UnixNano(), created.UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO turns
			(id, session_id, seq, role, content, prompt, attachments, model, created_at, error, partial)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, sessionID, t.Seq, string(t.Role), t.Content, t.Prompt, string(attachments),
		t.Model, created.UnixNano(), t.Err, t.Partial,
	); err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return tx.Commit()
}

// Sessions lists stored conversations, most recently updated first.
// limit <= 0 returns all of them.
func (s *TranscriptStore) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at, s.updated_at,
			(SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id),
			COALESCE((SELECT t.model FROM turns t WHERE t.session_id = s.id AND t.model != ''
				ORDER BY t.seq DESC LIMIT 1), ''),
			COALESCE((SELECT t.content FROM turns t WHERE t.session_id = s.id AND t.role = 'user'
				ORDER BY t.seq LIMIT 1), '')
		FROM sessions s
		ORDER BY s.updated_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum              SessionSummary
			created, updated int64
		)
		if err := rows.Scan(&sum.ID, &created, &updated, &sum.Turns, &sum.Model, &sum.Preview); err != nil {
			return nil, err
		}
		sum.CreatedAt = time.Unix(0, created)
		sum.UpdatedAt = time.Unix(0, updated)
		sum.Preview = util.TruncateRunes(sum.Preview, previewLength)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Turns returns a conversation's turns in order.
func (s *TranscriptStore) Turns(ctx context.Context, sessionID string) ([]session.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, role, content, COALESCE(prompt, ''), COALESCE(attachments, ''),
			COALESCE(model, ''), created_at, COALESCE(error, ''), partial
		FROM turns WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Turn
	for rows.Next() {
		var (
			t           session.Turn
			role        string
			attachments string
			created     int64
		)
		if err := rows.Scan(&t.ID, &t.Seq, &role, &t.Content, &t.Prompt, &attachments,
			&t.Model, &created, &t.Err, &t.Partial); err != nil {
			return nil, err
		}
		t.Role = session.Role(role)
		t.CreatedAt = time.Unix(0, created)
		if attachments != "" && attachments != "null" {
			if err := json.Unmarshal([]byte(attachments), &t.Attachments); err != nil {
				return nil, fmt.Errorf("turn %s: bad attachments: %w", t.ID, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteSession removes a conversation and its turns. It reports whether
// the conversation existed.
func (s *TranscriptStore) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
