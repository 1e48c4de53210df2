// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

// =============================================================================
// LINE READER
// =============================================================================

// lineReader yields the non-empty lines of an NDJSON body.
type lineReader struct {
	reader *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// next returns the next non-empty line, io.EOF at a clean end, or a
// connection error if the body broke mid-stream.
func (l *lineReader) next() ([]byte, error) {
	for {
		line, err := l.reader.ReadBytes('\n')
		if trimmed := trimLine(line); len(trimmed) > 0 {
			// A final line without a trailing newline is still a line.
			return trimmed, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, &ClientError{Type: ErrTypeConnection, Message: "stream interrupted", Cause: err}
		}
	}
}

func trimLine(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}

// =============================================================================
// CHAT STREAM READER
// =============================================================================

// StreamReader decodes a /api/chat NDJSON stream.
type StreamReader struct {
	lines       *lineReader
	accumulator strings.Builder
	model       string
	chunks      int
}

// NewStreamReader creates a stream reader over a response body.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{lines: newLineReader(r)}
}

// Process reads chunks and hands each to callback until the stream is
// done, the callback returns false, or ctx is cancelled. A stream that
// ends without a done marker is reported as a connection error.
func (s *StreamReader) Process(ctx context.Context, callback StreamCallback) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := s.readChunk()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return &ClientError{Type: ErrTypeConnection, Message: "stream closed before completion"}
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if chunk == nil {
			continue
		}

		if !callback(*chunk) {
			return nil
		}
		if chunk.Done {
			return nil
		}
	}
}

// readChunk returns nil, nil for lines that are not valid JSON.
func (s *StreamReader) readChunk() (*StreamChunk, error) {
	line, err := s.lines.next()
	if err != nil {
		return nil, err
	}

	var response struct {
		Model   string `json:"model"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		Done            bool   `json:"done"`
		DoneReason      string `json:"done_reason,omitempty"`
		TotalDuration   int64  `json:"total_duration,omitempty"`
		PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
		EvalCount       int    `json:"eval_count,omitempty"`
		EvalDuration    int64  `json:"eval_duration,omitempty"`
		Error           string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(line, &response); err != nil {
		return nil, nil
	}

	if response.Error != "" {
		return nil, &ClientError{Type: ErrTypeAPI, Message: response.Error}
	}

	if response.Model != "" {
		s.model = response.Model
	}

	content := response.Message.Content
	if content != "" {
		s.accumulator.WriteString(content)
		s.chunks++
	}

	chunk := &StreamChunk{
		Content:    content,
		Done:       response.Done,
		DoneReason: response.DoneReason,
		Model:      s.model,
	}
	if response.Done {
		chunk.TotalDuration = time.Duration(response.TotalDuration)
		chunk.EvalDuration = time.Duration(response.EvalDuration)
		chunk.PromptTokens = response.PromptEvalCount
		chunk.CompletionTokens = response.EvalCount
	}
	return chunk, nil
}

// Accumulated returns the concatenated content read so far.
func (s *StreamReader) Accumulated() string {
	return s.accumulator.String()
}

// ChunkCount returns the number of non-empty content chunks read.
func (s *StreamReader) ChunkCount() int {
	return s.chunks
}

// =============================================================================
// PULL STREAM READER
// =============================================================================

// PullReader decodes a /api/pull NDJSON stream.
type PullReader struct {
	lines *lineReader
}

// NewPullReader creates a pull progress reader over a response body.
func NewPullReader(r io.Reader) *PullReader {
	return &PullReader{lines: newLineReader(r)}
}

// Process hands each progress line to callback until the daemon reports
// success, an error line arrives, or the callback returns false.
func (p *PullReader) Process(ctx context.Context, callback PullCallback) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := p.lines.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return &ClientError{Type: ErrTypeConnection, Message: "pull stream closed before completion"}
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}

		var progress PullProgress
		if err := json.Unmarshal(line, &progress); err != nil {
			continue
		}
		if progress.Error != "" {
			return &ClientError{Type: ErrTypeAPI, Message: progress.Error}
		}

		if !callback(progress) {
			return nil
		}
		if progress.Success() {
			return nil
		}
	}
}
