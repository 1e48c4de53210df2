// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/jeranaias/playground/internal/catalog"
	"github.com/jeranaias/playground/internal/export"
	"github.com/jeranaias/playground/internal/prompt"
	"github.com/jeranaias/playground/internal/provider"
	"github.com/jeranaias/playground/internal/session"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8501"

	// MaxRequestBodySize caps request bodies. Attachments travel in JSON,
	// so this is also the attachment size limit.
	MaxRequestBodySize = 8 * 1024 * 1024

	// MaxSessions bounds the number of live sessions.
	MaxSessions = 256

	// Version is the API version reported by /health.
	Version = "1.0.0"

	shutdownTimeout = 10 * time.Second
)

var errSessionNotFound = errors.New("session not found")

// =============================================================================
// SERVER
// =============================================================================

// SessionFactory creates a session with the default provider and model.
type SessionFactory func(ctx context.Context) (*session.Session, error)

// Options configure a Server.
type Options struct {
	Addr string
	// RateLimit is requests per second per client. Zero disables it.
	RateLimit  float64
	Burst      int
	Registry   *provider.Registry
	Catalog    *catalog.Catalog
	Templates  *prompt.Library
	NewSession SessionFactory
	Log        logr.Logger
}

// Server exposes providers, catalogs and chat sessions over HTTP.
type Server struct {
	addr       string
	mux        *http.ServeMux
	handler    http.Handler
	server     *http.Server
	registry   *provider.Registry
	catalog    *catalog.Catalog
	templates  *prompt.Library
	newSession SessionFactory
	log        logr.Logger

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New creates a Server. It does not start listening.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.New(opts.Log)
	}
	s := &Server{
		addr:       opts.Addr,
		mux:        http.NewServeMux(),
		registry:   opts.Registry,
		catalog:    opts.Catalog,
		templates:  opts.Templates,
		newSession: opts.NewSession,
		log:        opts.Log.WithName("server"),
		sessions:   make(map[string]*session.Session),
	}
	s.setupRoutes()
	s.handler = Chain(
		RecoveryMiddleware(s.log),
		LoggingMiddleware(s.log),
		SecurityHeadersMiddleware(),
		RateLimitMiddleware(NewRateLimiter(opts.RateLimit, opts.Burst), s.log),
		BodyLimitMiddleware(MaxRequestBodySize),
	)(s.mux)
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/providers", s.handleProviders)
	s.mux.HandleFunc("GET /api/providers/{kind}/models", s.handleModels)
	s.mux.HandleFunc("GET /api/providers/{kind}/pull", s.handlePullStatus)
	s.mux.HandleFunc("POST /api/providers/{kind}/pull", s.handlePull)
	s.mux.HandleFunc("DELETE /api/providers/{kind}/pull", s.handlePullCancel)

	s.mux.HandleFunc("GET /api/templates", s.handleTemplates)

	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("GET /api/sessions/{id}/export", s.handleExport)
	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleSendMessage)
	s.mux.HandleFunc("POST /api/sessions/{id}/transform", s.handleTransform)
	s.mux.HandleFunc("PUT /api/sessions/{id}/provider", s.handleSetProvider)
	s.mux.HandleFunc("PUT /api/sessions/{id}/model", s.handleSetModel)
	s.mux.HandleFunc("PUT /api/sessions/{id}/parameters", s.handleSetParameters)
	s.mux.HandleFunc("POST /api/sessions/{id}/attachments", s.handleAttach)
	s.mux.HandleFunc("DELETE /api/sessions/{id}/attachments/{name}", s.handleDetach)
	s.mux.HandleFunc("POST /api/sessions/{id}/reset", s.handleReset)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", ln.Addr().String(), "version", Version)
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(sctx); err != nil {
		return err
	}
	return nil
}

// =============================================================================
// HEALTH AND PROVIDERS
// =============================================================================

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	n := len(s.sessions)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Sessions: n})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.registry.Detect(r.Context())})
}

// ModelsResponse is returned by GET /api/providers/{kind}/models.
type ModelsResponse struct {
	Provider    provider.Kind          `json:"provider"`
	Models      []provider.ModelInfo   `json:"models"`
	Pull        *catalog.JobSnapshot   `json:"pull,omitempty"`
	Suggestions []catalog.LibraryModel `json:"suggestions,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerFor(w, r.PathValue("kind"))
	if !ok {
		return
	}

	var (
		models []provider.ModelInfo
		err    error
	)
	if q := r.URL.Query().Get("refresh"); q == "1" || q == "true" {
		models, err = s.catalog.Refresh(r.Context(), p)
	} else {
		models, err = s.catalog.Ensure(r.Context(), p)
	}
	if err != nil {
		s.fail(w, err)
		return
	}

	resp := ModelsResponse{Provider: p.Kind(), Models: models}
	if resp.Models == nil {
		resp.Models = []provider.ModelInfo{}
	}
	if job := s.catalog.Active(p.Kind()); job != nil {
		snap := job.Snapshot()
		resp.Pull = &snap
	}
	if provider.SupportsPull(p) {
		resp.Suggestions = s.catalog.Suggestions(p.Kind())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) providerFor(w http.ResponseWriter, kind string) (provider.Client, bool) {
	p, err := s.registry.Resolve(kind)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return p, true
}

// =============================================================================
// PULLS
// =============================================================================

type pullRequest struct {
	Model string `json:"model"`
}

// handlePull starts a download and streams its progress. Disconnecting
// stops the stream, not the download.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerFor(w, r.PathValue("kind"))
	if !ok {
		return
	}
	var req pullRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := s.catalog.StartPull(r.Context(), p, req.Model)
	if err != nil {
		s.fail(w, err)
		return
	}

	sse, ok := newEventStream(w)
	if !ok {
		writeJSON(w, http.StatusAccepted, job.Snapshot())
		return
	}
	sse.send("started", job.Snapshot())
	updates := job.Updates()
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			sse.send("progress", job.Snapshot())
		case <-job.Done():
			snap := job.Snapshot()
			if err := job.Err(); err != nil {
				sse.send("error", errorEvent(err))
				return
			}
			sse.send("done", snap)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handlePullStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerFor(w, r.PathValue("kind"))
	if !ok {
		return
	}
	job := s.catalog.Active(p.Kind())
	if job == nil {
		writeError(w, http.StatusNotFound, "no pull in progress")
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handlePullCancel(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerFor(w, r.PathValue("kind"))
	if !ok {
		return
	}
	job := s.catalog.Active(p.Kind())
	if job == nil || !job.Cancel() {
		writeError(w, http.StatusNotFound, "no pull in progress")
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

// =============================================================================
// TEMPLATES
// =============================================================================

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	templates := []prompt.Template{}
	if s.templates != nil {
		templates = append(templates, s.templates.All()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

// =============================================================================
// SESSIONS
// =============================================================================

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.PathValue("id")
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		s.fail(w, fmt.Errorf("%w: %s", errSessionNotFound, id))
		return nil, false
	}
	return sess, true
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	snaps := make([]session.Snapshot, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snap := sess.Snapshot()
		snap.History = nil
		snaps = append(snaps, snap)
	}
	s.mu.RUnlock()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })
	writeJSON(w, http.StatusOK, map[string]any{"sessions": snaps})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	full := len(s.sessions) >= MaxSessions
	s.mu.RUnlock()
	if full {
		writeError(w, http.StatusServiceUnavailable, "too many sessions")
		return
	}
	if s.newSession == nil {
		writeError(w, http.StatusNotImplemented, "sessions are not enabled")
		return
	}

	sess, err := s.newSession(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	s.log.Info("session created", "session", sess.ID(), "model", sess.Model())
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	exp, err := export.ForFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := exp.Export(export.FromSnapshot(sess.Snapshot()))
	if errors.Is(err, export.ErrEmpty) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", exp.MimeType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="conversation-%s%s"`, sess.ID(), exp.FileExtension()))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if sess.Phase() == session.PhaseStreaming || sess.Phase() == session.PhaseComposing {
		s.fail(w, session.ErrBusy)
		return
	}
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

type messageRequest struct {
	Text string `json:"text"`
}

// handleSendMessage streams a reply as server-sent events: "fragment"
// events, then "done" with the assistant turn or "error". A failure
// before the first fragment is a plain JSON error instead.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var sse *eventStream
	turn, err := sess.SendMessage(r.Context(), req.Text, func(frag string) {
		if sse == nil {
			sse, _ = newEventStream(w)
		}
		sse.send("fragment", map[string]string{"text": frag})
	})
	s.finishStream(w, sse, err, turn)
}

type transformRequest struct {
	Template string `json:"template"`
	Text     string `json:"text"`
}

func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req transformRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var sse *eventStream
	out, err := sess.Transform(r.Context(), req.Template, req.Text, func(frag string) {
		if sse == nil {
			sse, _ = newEventStream(w)
		}
		sse.send("fragment", map[string]string{"text": frag})
	})
	s.finishStream(w, sse, err, map[string]string{"template": req.Template, "text": out})
}

func (s *Server) finishStream(w http.ResponseWriter, sse *eventStream, err error, result any) {
	if sse == nil {
		if err != nil {
			s.fail(w, err)
			return
		}
		if sse, _ = newEventStream(w); sse == nil {
			writeJSON(w, http.StatusOK, result)
			return
		}
	}
	if err != nil {
		sse.send("error", errorEvent(err))
		return
	}
	sse.send("done", result)
}

type providerRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) handleSetProvider(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req providerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, ok := s.providerFor(w, req.Provider)
	if !ok {
		return
	}
	if err := sess.SwitchProvider(r.Context(), p); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

type modelRequest struct {
	Model string `json:"model"`
}

// handleSetModel selects a model. An empty name selects the provider's
// default.
func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req modelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var err error
	if req.Model == "" {
		_, err = sess.SelectDefaultModel(r.Context())
	} else {
		err = sess.SelectModel(r.Context(), req.Model)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleSetParameters applies a partial update: fields left out of the
// body keep their current values.
func (s *Server) handleSetParameters(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	params := sess.Parameters()
	if !decodeJSON(w, r, &params) {
		return
	}
	if err := sess.SetParameters(params); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req prompt.Attachment
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := sess.Attach(req.Name, req.Content); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	found, err := sess.Detach(name)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no attachment named "+name)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Reset(); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}
