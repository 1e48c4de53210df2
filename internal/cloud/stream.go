// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MaxChunkSize is the largest single SSE line accepted (1MB).
const MaxChunkSize = 1024 * 1024

// StreamCallback receives each chunk in arrival order. Returning false
// stops the stream and closes the connection.
type StreamCallback func(chunk StreamChunk) bool

// StreamError is a failure after the stream started. Partial holds the
// content delivered before the failure.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// ReadEvent reads the next event, returning its type and joined data
// lines. It returns io.EOF when the stream ends cleanly.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			if errors.Is(err, io.EOF) {
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		size += len(line)
		if size > MaxChunkSize {
			return "", nil, fmt.Errorf("SSE event exceeds %d bytes", MaxChunkSize)
		}

		line = bytes.TrimRight(line, "\r\n")

		// Blank line terminates the event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			eventType = ""
			size = 0
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			data := line[5:]
			if len(data) > 0 && data[0] == ' ' {
				data = data[1:]
			}
			dataLines = append(dataLines, append([]byte(nil), data...))
		}
		// id:, retry: and ":" comments are ignored.
	}
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// ChatStream sends a chat_stream request and calls callback for each
// chunk. Failures before the first byte are returned as plain errors;
// failures afterwards are wrapped in *StreamError.
func (c *Client) ChatStream(ctx context.Context, request ChatRequest, callback StreamCallback) error {
	token, err := c.Token(ctx)
	if err != nil {
		return err
	}

	request.ProjectID = c.projectID
	body, err := marshalBody(request)
	if err != nil {
		return err
	}

	endpoint := c.endpoint("/ml/v1/text/chat_stream")
	resp, err := c.doWithRetry(ctx, c.streamClient, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		c.setHeaders(req, token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return handleErrorResponse(resp.StatusCode, data)
	}

	c.log.V(1).Info("chat.stream.started", "model", request.ModelID)
	return c.processStream(ctx, resp.Body, callback)
}

// processStream reads SSE events until the completion finishes.
func (c *Client) processStream(ctx context.Context, body io.Reader, callback StreamCallback) error {
	reader := NewSSEReader(body)
	var partial strings.Builder

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		eventType, data, err := reader.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return &StreamError{Partial: partial.String(), Err: fmt.Errorf("%w: stream closed before completion", ErrUnreachable)}
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &StreamError{Partial: partial.String(), Err: fmt.Errorf("%w: %v", ErrUnreachable, err)}
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}

		if eventType == "error" || bytes.Contains(data, []byte(`"errors"`)) {
			var payload apiErrorResponse
			if json.Unmarshal(data, &payload) == nil && len(payload.Errors) > 0 {
				status := payload.StatusCode
				if status == 0 {
					status = http.StatusInternalServerError
				}
				return &StreamError{Partial: partial.String(), Err: handleErrorResponse(status, data)}
			}
			if eventType == "error" {
				return &StreamError{Partial: partial.String(), Err: &APIError{Status: http.StatusInternalServerError, Message: string(data)}}
			}
		}

		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed chunks
			continue
		}

		partial.WriteString(chunk.Content())
		if !callback(chunk) {
			return nil
		}
		if chunk.IsDone() {
			return nil
		}
	}
}
