// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package providertest provides a scripted provider for tests.
package providertest

import (
	"context"
	"iter"
	"sync"

	"github.com/jeranaias/playground/internal/provider"
)

// Fake is a provider.Client driven by its exported fields. It is safe for
// concurrent use once configured.
type Fake struct {
	KindValue provider.Kind
	NameValue string
	Available bool
	// NoPull makes provider.SupportsPull report false.
	NoPull bool

	mu       sync.Mutex
	models   []provider.ModelInfo
	listErr  error
	pull     []provider.PullProgress
	pullErr  error
	pullGate chan struct{}
	chunks   []string
	chatErr  error
	chatGate chan struct{}
	requests []provider.ChatRequest
	installs bool
}

// New returns an available fake of the given kind.
func New(kind provider.Kind) *Fake {
	name := "Fake Local"
	if kind == provider.KindCloud {
		name = "Fake Cloud"
	}
	return &Fake{KindValue: kind, NameValue: name, Available: true}
}

// SetModels sets the installed models.
func (f *Fake) SetModels(models ...provider.ModelInfo) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models = models
	return f
}

// SetListError makes ListModels fail.
func (f *Fake) SetListError(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
	return f
}

// SetPull scripts the progress events of the next pulls. When err is
// non-nil it is yielded after the events; otherwise the pulled model is
// added to the installed list once the events are consumed.
func (f *Fake) SetPull(events []provider.PullProgress, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pull = events
	f.pullErr = err
	f.installs = err == nil
	return f
}

// GatePull blocks every pull before its first event until the returned
// function is called.
func (f *Fake) GatePull() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.pullGate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// SetChat scripts the response fragments and an optional trailing error.
func (f *Fake) SetChat(chunks []string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = chunks
	f.chatErr = err
	return f
}

// GateChat blocks every chat after its first fragment until the returned
// function is called.
func (f *Fake) GateChat() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.chatGate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Requests returns the chat requests received so far.
func (f *Fake) Requests() []provider.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.ChatRequest(nil), f.requests...)
}

func (f *Fake) Kind() provider.Kind { return f.KindValue }
func (f *Fake) Name() string        { return f.NameValue }

func (f *Fake) SupportsPull() bool { return !f.NoPull }

func (f *Fake) CheckAvailability(ctx context.Context) bool { return f.Available }

func (f *Fake) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]provider.ModelInfo(nil), f.models...), nil
}

func (f *Fake) PullModel(ctx context.Context, name string) iter.Seq2[provider.PullProgress, error] {
	if f.NoPull {
		return func(yield func(provider.PullProgress, error) bool) {
			yield(provider.PullProgress{}, provider.ErrUnsupportedOperation)
		}
	}
	f.mu.Lock()
	events := append([]provider.PullProgress(nil), f.pull...)
	pullErr := f.pullErr
	gate := f.pullGate
	installs := f.installs
	f.mu.Unlock()

	return func(yield func(provider.PullProgress, error) bool) {
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				yield(provider.PullProgress{}, ctx.Err())
				return
			}
		}
		for _, ev := range events {
			if err := ctx.Err(); err != nil {
				yield(provider.PullProgress{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if pullErr != nil {
			yield(provider.PullProgress{}, pullErr)
			return
		}
		if installs {
			f.mu.Lock()
			f.models = append(f.models, provider.ModelInfo{Name: name, Installed: true})
			f.mu.Unlock()
		}
	}
}

func (f *Fake) Chat(ctx context.Context, req provider.ChatRequest) iter.Seq2[string, error] {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	chunks := append([]string(nil), f.chunks...)
	chatErr := f.chatErr
	gate := f.chatGate
	f.mu.Unlock()

	return func(yield func(string, error) bool) {
		for i, c := range chunks {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(c, nil) {
				return
			}
			if i == 0 && gate != nil {
				select {
				case <-gate:
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				}
			}
		}
		if chatErr != nil {
			yield("", chatErr)
		}
	}
}
