// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the backend-neutral chat provider interface and
// its two implementations: the local Ollama daemon and IBM watsonx.ai.
//
// Streaming operations return iter.Seq2 sequences. They are lazy: nothing
// is sent until the caller ranges over them, and breaking out of the loop
// closes the underlying connection.
package provider

import (
	"context"
	"errors"
	"iter"
)

// Kind identifies a provider backend.
type Kind string

const (
	KindLocal Kind = "local"
	KindCloud Kind = "cloud"
)

// ParseKind accepts a kind or a provider id ("ollama", "watsonx").
func ParseKind(s string) (Kind, error) {
	switch s {
	case string(KindLocal), "ollama":
		return KindLocal, nil
	case string(KindCloud), "watsonx":
		return KindCloud, nil
	}
	return "", errors.New("unknown provider: " + s)
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrProviderUnreachable: the backend is down, disabled or rejects
	// our credentials.
	ErrProviderUnreachable = errors.New("provider unreachable")

	// ErrModelNotFound: the backend does not know the model.
	ErrModelNotFound = errors.New("model not found")

	// ErrUnsupportedOperation: the backend cannot do this at all, e.g. a
	// pull on the cloud provider.
	ErrUnsupportedOperation = errors.New("operation not supported by provider")

	// ErrInvalidModelName: the identifier is malformed.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrAlreadyInstalled: a pull was requested for an installed model.
	ErrAlreadyInstalled = errors.New("model already installed")

	// ErrPullInProgress: another pull is running on the same provider.
	ErrPullInProgress = errors.New("a pull is already in progress")

	// ErrGeneration: the backend reported an error while generating.
	ErrGeneration = errors.New("generation failed")
)

// =============================================================================
// TYPES
// =============================================================================

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation sent to a backend.
type Message struct {
	Role    Role
	Content string
}

// ChatRequest is a backend-neutral chat call. System, when set, is sent
// ahead of Messages as a system message.
type ChatRequest struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	TopP        float64
}

// ModelInfo describes one model offered by a provider.
type ModelInfo struct {
	Name          string `json:"name"`
	Size          int64  `json:"size,omitempty"`
	ParameterSize string `json:"parameter_size,omitempty"`
	Quantization  string `json:"quantization,omitempty"`
	Family        string `json:"family,omitempty"`
	Installed     bool   `json:"installed"`
}

// PullProgress is one progress event of a model download. Completed and
// Total are aggregated across layers; Completed never decreases within
// one pull.
type PullProgress struct {
	Status    string `json:"status"`
	Completed int64  `json:"completed"`
	Total     int64  `json:"total"`
	// Done is set on the final success event.
	Done bool `json:"done,omitempty"`
}

// Client is implemented by every provider backend.
type Client interface {
	Kind() Kind
	// Name is the human-readable provider name.
	Name() string

	// CheckAvailability never fails; it reports false when the backend
	// cannot be used right now.
	CheckAvailability(ctx context.Context) bool

	ListModels(ctx context.Context) ([]ModelInfo, error)

	// PullModel downloads a model. The sequence ends after the Done event
	// or after yielding exactly one error.
	PullModel(ctx context.Context, name string) iter.Seq2[PullProgress, error]

	// Chat streams response fragments in order. Their concatenation is
	// the full response. On failure the sequence yields one error after
	// any fragments already delivered.
	Chat(ctx context.Context, req ChatRequest) iter.Seq2[string, error]
}

// Prober is implemented by clients that can explain why they are
// unavailable.
type Prober interface {
	Probe(ctx context.Context) error
}

// errorSeq yields a single error.
func errorSeq[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}

// SupportsPull reports whether c can download models. Clients opt out by
// implementing SupportsPull() bool.
func SupportsPull(c Client) bool {
	if p, ok := c.(interface{ SupportsPull() bool }); ok {
		return p.SupportsPull()
	}
	return true
}
