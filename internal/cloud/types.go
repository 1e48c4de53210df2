// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"fmt"
	"strings"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ChatMessage is one message in a watsonx chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: content}
}

// ChatRequest is the body of /ml/v1/text/chat_stream. ProjectID is
// filled in by the client.
type ChatRequest struct {
	ModelID     string        `json:"model_id"`
	ProjectID   string        `json:"project_id"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// StreamChunk is the data payload of one chat_stream event.
type StreamChunk struct {
	ID      string `json:"id"`
	ModelID string `json:"model_id"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// Content returns the delta text of the first choice.
func (c *StreamChunk) Content() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// FinishReason returns the finish reason, or "" while generation runs.
func (c *StreamChunk) FinishReason() string {
	if len(c.Choices) > 0 && c.Choices[0].FinishReason != nil {
		return *c.Choices[0].FinishReason
	}
	return ""
}

// IsDone reports whether this chunk ends the completion.
func (c *StreamChunk) IsDone() bool {
	return c.FinishReason() != ""
}

// ModelSpec is one entry of /ml/v1/foundation_model_specs.
type ModelSpec struct {
	ModelID          string `json:"model_id"`
	Label            string `json:"label"`
	Provider         string `json:"provider"`
	ShortDescription string `json:"short_description"`
	NumberParams     string `json:"number_params,omitempty"`
	ModelLimits      struct {
		MaxSequenceLength int `json:"max_sequence_length"`
		MaxOutputTokens   int `json:"max_output_tokens"`
	} `json:"model_limits"`
	Functions []struct {
		ID string `json:"id"`
	} `json:"functions,omitempty"`
}

type modelSpecsResponse struct {
	TotalCount int         `json:"total_count"`
	Resources  []ModelSpec `json:"resources"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Expiration  int64  `json:"expiration"`
}

// =============================================================================
// ERROR PAYLOADS
// =============================================================================

// APIError is an error payload returned by watsonx.ai.
type APIError struct {
	Status  int
	Code    string
	Message string
	Trace   string
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "watsonx error (status %d", e.Status)
	if e.Code != "" {
		fmt.Fprintf(&b, ", %s", e.Code)
	}
	b.WriteString(")")
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// apiErrorResponse covers both the watsonx ML error shape and the IAM one.
type apiErrorResponse struct {
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Trace      string `json:"trace"`
	StatusCode int    `json:"status_code"`

	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}
