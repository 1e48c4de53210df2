// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/playground/internal/session"
	"github.com/jeranaias/playground/internal/util"
)

// ErrEmpty is returned when a conversation has no turns.
var ErrEmpty = errors.New("conversation has no messages")

// Conversation is the exportable form of a chat.
type Conversation struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Provider  string         `json:"provider,omitempty"`
	Model     string         `json:"model,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Turns     []session.Turn `json:"turns"`
}

// Exporter converts a conversation to one output format.
type Exporter interface {
	Export(conv *Conversation) ([]byte, error)
	// FileExtension includes the dot, e.g. ".md".
	FileExtension() string
	MimeType() string
}

// Options configure the Markdown and HTML exporters.
type Options struct {
	// IncludeMetadata adds a header with model and dates.
	IncludeMetadata bool
	// IncludeTimestamps adds the time to each turn heading.
	IncludeTimestamps bool
}

// DefaultOptions enables everything.
func DefaultOptions() Options {
	return Options{IncludeMetadata: true, IncludeTimestamps: true}
}

// FromSnapshot builds a conversation from a live session.
func FromSnapshot(snap session.Snapshot) *Conversation {
	return FromTurns(snap.ID, snap.History, string(snap.Provider), snap.Model, snap.CreatedAt)
}

// FromTurns builds a conversation from recorded turns. The title is the
// start of the first user message.
func FromTurns(id string, turns []session.Turn, providerName, model string, createdAt time.Time) *Conversation {
	conv := &Conversation{
		ID:        id,
		Title:     "Conversation",
		Provider:  providerName,
		Model:     model,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		Turns:     turns,
	}
	titled := false
	for _, t := range turns {
		if !titled && t.Role == session.RoleUser {
			conv.Title = util.TruncateRunes(strings.Join(strings.Fields(t.Content), " "), 60)
			titled = true
		}
		if t.Model != "" {
			conv.Model = t.Model
		}
		if conv.CreatedAt.IsZero() || t.CreatedAt.Before(conv.CreatedAt) {
			conv.CreatedAt = t.CreatedAt
		}
		if t.CreatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = t.CreatedAt
		}
	}
	return conv
}

// ForFormat returns the exporter for a format name: md, markdown, html or
// json.
func ForFormat(format string) (Exporter, error) {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "", "md", "markdown":
		return NewMarkdownExporter(DefaultOptions()), nil
	case "html", "htm":
		return NewHTMLExporter(DefaultOptions()), nil
	case "json":
		return JSONExporter{}, nil
	}
	return nil, fmt.Errorf("unsupported export format: %s", format)
}

// WriteFile exports conv into dir and returns the file path. The name is
// derived from the title and the current time.
func WriteFile(conv *Conversation, exp Exporter, dir string) (string, error) {
	content, err := exp.Export(conv)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	name := fmt.Sprintf("conversation_%s_%s%s",
		sanitizeFilename(conv.Title), time.Now().Format("20060102_150405"), exp.FileExtension())
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// sanitizeFilename replaces characters that are invalid in file names on
// Windows or Unix.
func sanitizeFilename(s string) string {
	s = util.TruncateRunes(s, 50)
	s = strings.TrimSuffix(s, "...")
	var b strings.Builder
	for _, r := range s {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r), r < 32, r == 127:
			b.WriteByte('-')
		case r == ' ', r == '\t':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "conversation"
	}
	return b.String()
}
