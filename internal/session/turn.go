// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/playground/internal/provider"
)

// Role is the author of a turn.
type Role = provider.Role

const (
	RoleUser      = provider.RoleUser
	RoleAssistant = provider.RoleAssistant
)

// Turn is one message in the conversation. Turns are immutable once
// appended to the history.
type Turn struct {
	ID  string `json:"id"`
	Seq int    `json:"seq"`
	// Role is user or assistant.
	Role Role `json:"role"`
	// Content is what the user typed or the model answered.
	Content string `json:"content"`
	// Prompt is the composed text sent for a user turn.
	Prompt string `json:"prompt,omitempty"`
	// Attachments names the files included in Prompt.
	Attachments []string  `json:"attachments,omitempty"`
	Model       string    `json:"model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	// Err is set on an assistant turn whose generation failed.
	Err string `json:"error,omitempty"`
	// Partial marks an assistant turn cut short by a failure.
	Partial bool `json:"partial,omitempty"`
}

func newTurn(role Role, content string) Turn {
	return Turn{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// Failed reports whether the turn carries an error marker.
func (t Turn) Failed() bool {
	return t.Err != ""
}

// message converts the turn to what the model sees: the composed prompt
// for user turns, the content otherwise.
func (t Turn) message() provider.Message {
	text := t.Content
	if t.Role == RoleUser && t.Prompt != "" {
		text = t.Prompt
	}
	return provider.Message{Role: t.Role, Content: text}
}

// DisplayName returns a human-readable name for the turn's author.
func (t Turn) DisplayName() string {
	switch t.Role {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(t.Role)
	}
}
