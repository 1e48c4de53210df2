// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jeranaias/playground/internal/catalog"
	"github.com/jeranaias/playground/internal/prompt"
	"github.com/jeranaias/playground/internal/provider"
)

// =============================================================================
// PHASES AND ERRORS
// =============================================================================

// Phase is the session's position in its state machine.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseComposing
	PhaseStreaming
	PhaseErrored

	// phaseUpdating holds the guard while a setting changes. It is
	// reported as Idle.
	phaseUpdating
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle, phaseUpdating:
		return "idle"
	case PhaseComposing:
		return "composing"
	case PhaseStreaming:
		return "streaming"
	case PhaseErrored:
		return "errored"
	}
	return "unknown"
}

var (
	// ErrBusy rejects a call made while another operation is running.
	ErrBusy = errors.New("session is busy")

	// ErrNoModel is returned when no model is selected.
	ErrNoModel = errors.New("no model selected")

	// ErrNoProvider is returned when no provider is selected.
	ErrNoProvider = errors.New("no provider selected")

	// ErrInvalidParameter rejects out-of-range generation parameters.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrEmptyInput rejects a blank message.
	ErrEmptyInput = errors.New("empty input")
)

// =============================================================================
// PARAMETERS
// =============================================================================

// Parameters control generation.
type Parameters struct {
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
	SystemPrompt string  `json:"system_prompt"`
}

// DefaultParameters matches the stock configuration.
func DefaultParameters() Parameters {
	return Parameters{Temperature: 0.7, TopP: 0.9}
}

// Validate checks the parameter ranges.
func (p Parameters) Validate() error {
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("%w: temperature %.2f not in [0, 2]", ErrInvalidParameter, p.Temperature)
	}
	if p.TopP < 0 || p.TopP > 1 {
		return fmt.Errorf("%w: top_p %.2f not in [0, 1]", ErrInvalidParameter, p.TopP)
	}
	return nil
}

// Recorder receives every finalized turn. Failures are logged and do not
// affect the conversation.
type Recorder interface {
	Record(ctx context.Context, sessionID string, turn Turn) error
}

// FragmentFunc receives each response fragment as it arrives.
type FragmentFunc func(fragment string)

// =============================================================================
// SESSION
// =============================================================================

// Options configure a new Session.
type Options struct {
	// Provider is the initially active provider. It may be nil.
	Provider provider.Client
	// Model is the initially selected model. It is not validated.
	Model   string
	Catalog *catalog.Catalog
	// Composer expands file references in chat messages.
	Composer  prompt.Composer
	Templates *prompt.Library
	Params    Parameters
	// DefaultModel returns the configured default model for a provider.
	DefaultModel func(provider.Kind) string
	Recorder     Recorder
	Log          logr.Logger
}

// Session is one conversation with one active provider and model.
type Session struct {
	id        string
	createdAt time.Time
	catalog   *catalog.Catalog
	composer  prompt.Composer
	templates *prompt.Library
	defaults  func(provider.Kind) string
	recorder  Recorder
	log       logr.Logger

	phase atomic.Int32

	mu          sync.RWMutex
	provider    provider.Client
	model       string
	params      Parameters
	history     []Turn
	pending     *Turn
	attachments []prompt.Attachment
	seq         int
}

// New creates an idle session.
func New(opts Options) *Session {
	if opts.Catalog == nil {
		opts.Catalog = catalog.New(opts.Log)
	}
	if opts.DefaultModel == nil {
		opts.DefaultModel = func(provider.Kind) string { return "" }
	}
	if opts.Params == (Parameters{}) {
		opts.Params = DefaultParameters()
	}
	id := uuid.New().String()
	return &Session{
		id:        id,
		createdAt: time.Now(),
		catalog:   opts.Catalog,
		composer:  opts.Composer,
		templates: opts.Templates,
		defaults:  opts.DefaultModel,
		recorder:  opts.Recorder,
		log:       opts.Log.WithName("session").WithValues("session", id),
		provider:  opts.Provider,
		model:     opts.Model,
		params:    opts.Params,
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	p := Phase(s.phase.Load())
	if p == phaseUpdating {
		return PhaseIdle
	}
	return p
}

// begin claims the session for one operation.
func (s *Session) begin(to Phase) error {
	if !s.phase.CompareAndSwap(int32(PhaseIdle), int32(to)) {
		return fmt.Errorf("%w: %s", ErrBusy, Phase(s.phase.Load()))
	}
	return nil
}

func (s *Session) end() {
	s.phase.Store(int32(PhaseIdle))
}

// Provider returns the active provider, or nil.
func (s *Session) Provider() provider.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider
}

// Model returns the selected model, or "".
func (s *Session) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// Parameters returns the generation parameters.
func (s *Session) Parameters() Parameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// History returns a copy of the finalized turns in order.
func (s *Session) History() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Turn(nil), s.history...)
}

// Pending returns the assistant turn being streamed, if any.
func (s *Session) Pending() (Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pending == nil {
		return Turn{}, false
	}
	return *s.pending, true
}

// Attachments returns the attached files in attach order.
func (s *Session) Attachments() []prompt.Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]prompt.Attachment(nil), s.attachments...)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// SwitchProvider makes p the active provider. The selected model is kept
// if p's catalog has it and cleared otherwise. The catalog is loaded
// first when it has never been; if that fails nothing changes.
func (s *Session) SwitchProvider(ctx context.Context, p provider.Client) error {
	if p == nil {
		return ErrNoProvider
	}
	if err := s.begin(phaseUpdating); err != nil {
		return err
	}
	defer s.end()

	if _, err := s.catalog.Ensure(ctx, p); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.model
	s.provider = p
	if s.model != "" && !s.catalog.Has(p.Kind(), s.model) {
		s.model = ""
	}
	model := s.model
	s.mu.Unlock()

	s.log.Info("provider switched", "provider", p.Kind(), "model", model, "cleared", prev != model)
	return nil
}

// SelectModel selects name, which must be in the active provider's catalog.
func (s *Session) SelectModel(ctx context.Context, name string) error {
	if err := s.begin(phaseUpdating); err != nil {
		return err
	}
	defer s.end()

	p := s.Provider()
	if p == nil {
		return ErrNoProvider
	}
	models, err := s.catalog.Ensure(ctx, p)
	if err != nil {
		return err
	}
	for _, m := range models {
		if provider.SameModel(m.Name, name) {
			s.mu.Lock()
			s.model = m.Name
			s.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not available on %s", provider.ErrModelNotFound, name, p.Name())
}

// SelectDefaultModel selects the provider's configured default if it is
// installed, otherwise the first model listed. It returns the selection.
func (s *Session) SelectDefaultModel(ctx context.Context) (string, error) {
	if err := s.begin(phaseUpdating); err != nil {
		return "", err
	}
	defer s.end()

	p := s.Provider()
	if p == nil {
		return "", ErrNoProvider
	}
	models, err := s.catalog.Ensure(ctx, p)
	if err != nil {
		return "", err
	}
	name := provider.ChooseModel(models, s.defaults(p.Kind()))
	if name == "" {
		return "", fmt.Errorf("%w: %s has no models", ErrNoModel, p.Name())
	}
	s.mu.Lock()
	s.model = name
	s.mu.Unlock()
	return name, nil
}

// SetParameters replaces the generation parameters for later sends.
func (s *Session) SetParameters(p Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.begin(phaseUpdating); err != nil {
		return err
	}
	defer s.end()

	s.mu.Lock()
	s.params = p
	s.mu.Unlock()
	return nil
}

// Attach adds a file, replacing any attachment with the same name.
func (s *Session) Attach(name, content string) error {
	if prompt.Key(name) == "" {
		return fmt.Errorf("%w: attachment name", ErrEmptyInput)
	}
	if err := s.begin(phaseUpdating); err != nil {
		return err
	}
	defer s.end()

	s.mu.Lock()
	defer s.mu.Unlock()
	key := prompt.Key(name)
	for i, a := range s.attachments {
		if prompt.Key(a.Name) == key {
			s.attachments[i].Content = content
			return nil
		}
	}
	s.attachments = append(s.attachments, prompt.Attachment{Name: strings.TrimSpace(name), Content: content})
	return nil
}

// Detach removes a file. It reports whether the file was attached.
func (s *Session) Detach(name string) (bool, error) {
	if err := s.begin(phaseUpdating); err != nil {
		return false, err
	}
	defer s.end()

	s.mu.Lock()
	defer s.mu.Unlock()
	key := prompt.Key(name)
	for i, a := range s.attachments {
		if prompt.Key(a.Name) == key {
			s.attachments = append(s.attachments[:i], s.attachments[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Reset clears the history, the attachments and the system prompt. The
// provider, model and sampling parameters are kept.
func (s *Session) Reset() error {
	if err := s.begin(phaseUpdating); err != nil {
		return err
	}
	defer s.end()

	s.mu.Lock()
	s.history = nil
	s.attachments = nil
	s.params.SystemPrompt = ""
	s.mu.Unlock()
	s.log.V(1).Info("reset")
	return nil
}

// =============================================================================
// CHAT
// =============================================================================

// SendMessage composes raw, streams the reply from the active provider and
// appends both turns to the history. onFragment, if set, sees each
// fragment as it arrives.
//
// A compose failure leaves the history untouched. A generation failure
// appends the partial reply with its error marker and returns that turn
// together with the error.
func (s *Session) SendMessage(ctx context.Context, raw string, onFragment FragmentFunc) (Turn, error) {
	if err := s.begin(PhaseComposing); err != nil {
		return Turn{}, err
	}
	defer s.end()

	if strings.TrimSpace(raw) == "" {
		return Turn{}, ErrEmptyInput
	}

	s.mu.RLock()
	p, model, params := s.provider, s.model, s.params
	attachments := append([]prompt.Attachment(nil), s.attachments...)
	messages := make([]provider.Message, 0, len(s.history)+1)
	for _, t := range s.history {
		messages = append(messages, t.message())
	}
	s.mu.RUnlock()

	if p == nil {
		return Turn{}, ErrNoProvider
	}
	if model == "" {
		return Turn{}, ErrNoModel
	}

	comp, err := s.composer.Compose(raw, attachments)
	if err != nil {
		return Turn{}, err
	}

	user := newTurn(RoleUser, raw)
	user.Prompt = comp.Text
	user.Attachments = append(comp.Referenced, comp.Appended...)
	user.Model = model
	messages = append(messages, user.message())

	reply := newTurn(RoleAssistant, "")
	reply.Model = model

	s.phase.Store(int32(PhaseStreaming))
	s.mu.Lock()
	user = s.appendLocked(user)
	s.pending = &reply
	s.mu.Unlock()
	s.record(ctx, user)

	s.log.V(1).Info("chat.stream.started", "provider", p.Kind(), "model", model, "messages", len(messages))
	start := time.Now()

	var b strings.Builder
	genErr := s.stream(ctx, p, provider.ChatRequest{
		Model:       model,
		System:      params.SystemPrompt,
		Messages:    messages,
		Temperature: params.Temperature,
		TopP:        params.TopP,
	}, func(frag string) {
		b.WriteString(frag)
		s.mu.Lock()
		s.pending.Content = b.String()
		s.mu.Unlock()
		if onFragment != nil {
			onFragment(frag)
		}
	})

	reply.Content = b.String()
	if genErr != nil {
		s.phase.Store(int32(PhaseErrored))
		reply.Err = genErr.Error()
		reply.Partial = true
	}

	s.mu.Lock()
	s.pending = nil
	reply = s.appendLocked(reply)
	s.mu.Unlock()
	s.record(ctx, reply)

	if genErr != nil {
		s.log.Info("chat.stream.failed", "model", model, "error", genErr.Error(), "partial_chars", len(reply.Content))
		return reply, genErr
	}
	s.log.V(1).Info("chat.stream.completed", "model", model, "chars", len(reply.Content), "duration", time.Since(start).String())
	return reply, nil
}

// stream consumes a chat sequence, handing fragments to fn. A sequence
// that runs to its end is complete even if ctx is cancelled afterwards.
func (s *Session) stream(ctx context.Context, p provider.Client, req provider.ChatRequest, fn func(string)) error {
	for frag, err := range p.Chat(ctx, req) {
		if err != nil {
			return err
		}
		fn(frag)
	}
	return nil
}

// appendLocked assigns the next sequence number and appends t. s.mu must
// be held.
func (s *Session) appendLocked(t Turn) Turn {
	s.seq++
	t.Seq = s.seq
	s.history = append(s.history, t)
	return t
}

func (s *Session) record(ctx context.Context, t Turn) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(context.WithoutCancel(ctx), s.id, t); err != nil {
		s.log.Info("record turn failed", "turn", t.ID, "error", err.Error())
	}
}

// =============================================================================
// TEXT TRANSFORMATION
// =============================================================================

// Transform applies a template to text and streams a single-turn reply.
// It uses the session's model, parameters and system prompt but does not
// touch the history.
func (s *Session) Transform(ctx context.Context, template, text string, onFragment FragmentFunc) (string, error) {
	if err := s.begin(PhaseComposing); err != nil {
		return "", err
	}
	defer s.end()

	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}
	if s.templates == nil {
		return "", fmt.Errorf("%w: %q", prompt.ErrUnknownTemplate, template)
	}

	s.mu.RLock()
	p, model, params := s.provider, s.model, s.params
	attachments := append([]prompt.Attachment(nil), s.attachments...)
	s.mu.RUnlock()

	if p == nil {
		return "", ErrNoProvider
	}
	if model == "" {
		return "", ErrNoModel
	}

	applied, err := s.templates.ApplyTemplate(template, text)
	if err != nil {
		return "", err
	}
	comp, err := prompt.Composer{}.Compose(applied, attachments)
	if err != nil {
		return "", err
	}

	s.phase.Store(int32(PhaseStreaming))
	var b strings.Builder
	genErr := s.stream(ctx, p, provider.ChatRequest{
		Model:       model,
		System:      params.SystemPrompt,
		Messages:    []provider.Message{{Role: RoleUser, Content: comp.Text}},
		Temperature: params.Temperature,
		TopP:        params.TopP,
	}, func(frag string) {
		b.WriteString(frag)
		if onFragment != nil {
			onFragment(frag)
		}
	})
	if genErr != nil {
		s.phase.Store(int32(PhaseErrored))
		s.log.Info("transform failed", "template", template, "error", genErr.Error())
		return b.String(), genErr
	}
	return b.String(), nil
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is a serializable view of the session.
type Snapshot struct {
	ID          string        `json:"id"`
	Phase       string        `json:"phase"`
	Provider    provider.Kind `json:"provider,omitempty"`
	Model       string        `json:"model"`
	Parameters  Parameters    `json:"parameters"`
	Attachments []string      `json:"attachments"`
	History     []Turn        `json:"history"`
	Pending     *Turn         `json:"pending,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Snapshot returns the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ID:          s.id,
		Phase:       s.Phase().String(),
		Model:       s.model,
		Parameters:  s.params,
		Attachments: make([]string, 0, len(s.attachments)),
		History:     append([]Turn{}, s.history...),
		CreatedAt:   s.createdAt,
	}
	if s.provider != nil {
		snap.Provider = s.provider.Kind()
	}
	for _, a := range s.attachments {
		snap.Attachments = append(snap.Attachments, a.Name)
	}
	if s.pending != nil {
		p := *s.pending
		snap.Pending = &p
	}
	return snap
}
