// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/jeranaias/playground/internal/catalog"
	"github.com/jeranaias/playground/internal/prompt"
	"github.com/jeranaias/playground/internal/provider"
	"github.com/jeranaias/playground/internal/session"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Message: message, Code: status}})
}

// fail writes err with the status StatusFor picks.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Info("request failed", "status", status, "error", err.Error())
	}
	writeError(w, status, err.Error())
}

// StatusFor maps a domain error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrBusy), catalog.IsPullConflict(err):
		return http.StatusConflict
	case errors.Is(err, errSessionNotFound),
		errors.Is(err, prompt.ErrUnknownTemplate),
		errors.Is(err, provider.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, prompt.ErrUnknownFileReference),
		errors.Is(err, provider.ErrInvalidModelName),
		errors.Is(err, session.ErrInvalidParameter),
		errors.Is(err, session.ErrEmptyInput),
		errors.Is(err, session.ErrNoModel),
		errors.Is(err, session.ErrNoProvider):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrUnsupportedOperation):
		return http.StatusNotImplemented
	case errors.Is(err, provider.ErrProviderUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, provider.ErrGeneration):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// decodeJSON reads the request body into v. It writes the error response
// and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// =============================================================================
// SERVER-SENT EVENTS
// =============================================================================

type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newEventStream writes the event-stream headers. It returns false if w
// cannot flush.
func newEventStream(w http.ResponseWriter) (*eventStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventStream{w: w, flusher: flusher}, true
}

func (e *eventStream) send(event string, v any) {
	if e == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data)
	e.flusher.Flush()
}

func errorEvent(err error) ErrorDetail {
	return ErrorDetail{Message: err.Error(), Code: StatusFor(err)}
}
