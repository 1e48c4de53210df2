// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/playground/internal/cloud"
	"github.com/jeranaias/playground/internal/config"
	"github.com/jeranaias/playground/internal/ollama"
)

// Status is the result of probing one provider.
type Status struct {
	Kind         Kind   `json:"kind"`
	Name         string `json:"name"`
	Available    bool   `json:"available"`
	Reason       string `json:"reason,omitempty"`
	DefaultModel string `json:"default_model,omitempty"`
}

type entry struct {
	client       Client
	defaultModel string
}

// Registry holds the configured providers in a fixed order: local first.
type Registry struct {
	entries         []entry
	defaultProvider string
	defaultModel    string
	log             logr.Logger
}

// NewRegistry builds the local and cloud providers from cfg.
func NewRegistry(cfg *config.Config, log logr.Logger) *Registry {
	oc := cfg.Providers.Ollama
	local := NewLocal(ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:      oc.URL,
		Timeout:      secs(oc.RequestTimeoutSecs),
		ProbeTimeout: secs(oc.ProbeTimeoutSecs),
	}), oc.Enabled, log)

	wc := cfg.Providers.Watsonx
	wx := cloud.NewClient(wc.APIKey, wc.ProjectID).
		WithRateLimit(wc.RequestsPerSecond, max(1, int(wc.RequestsPerSecond))).
		WithLogger(log.WithName("watsonx"))
	if wc.URL != "" {
		wx.WithBaseURL(wc.URL)
	}
	if wc.IAMURL != "" {
		wx.WithIAMURL(wc.IAMURL)
	}
	if wc.APIVersion != "" {
		wx.WithAPIVersion(wc.APIVersion)
	}
	if wc.RequestTimeoutSecs > 0 {
		wx.WithTimeout(secs(wc.RequestTimeoutSecs))
	}

	r := &Registry{
		defaultProvider: cfg.DefaultProvider,
		defaultModel:    cfg.DefaultModel,
		log:             log,
	}
	r.Register(local, oc.DefaultModel)
	r.Register(NewCloud(wx, log), wc.DefaultModel)
	return r
}

// NewEmptyRegistry returns a registry without providers. defaultProvider
// and defaultModel behave as in the configuration file.
func NewEmptyRegistry(defaultProvider, defaultModel string, log logr.Logger) *Registry {
	return &Registry{defaultProvider: defaultProvider, defaultModel: defaultModel, log: log}
}

// Register adds a provider with its preferred default model. Registering
// a second provider of the same kind replaces the first.
func (r *Registry) Register(c Client, defaultModel string) {
	for i := range r.entries {
		if r.entries[i].client.Kind() == c.Kind() {
			r.entries[i] = entry{client: c, defaultModel: defaultModel}
			return
		}
	}
	r.entries = append(r.entries, entry{client: c, defaultModel: defaultModel})
}

// Get returns the provider of the given kind.
func (r *Registry) Get(kind Kind) (Client, bool) {
	for _, e := range r.entries {
		if e.client.Kind() == kind {
			return e.client, true
		}
	}
	return nil, false
}

// All returns every registered provider in registration order.
func (r *Registry) All() []Client {
	out := make([]Client, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.client
	}
	return out
}

// Detect probes every provider concurrently. The result keeps
// registration order.
func (r *Registry) Detect(ctx context.Context) []Status {
	statuses := make([]Status, len(r.entries))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range r.entries {
		g.Go(func() error {
			st := Status{
				Kind:         e.client.Kind(),
				Name:         e.client.Name(),
				DefaultModel: r.defaultModelFor(e),
			}
			if p, ok := e.client.(Prober); ok {
				if err := p.Probe(gctx); err != nil {
					st.Reason = err.Error()
				} else {
					st.Available = true
				}
			} else {
				st.Available = e.client.CheckAvailability(gctx)
				if !st.Available {
					st.Reason = "unavailable"
				}
			}
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	for _, st := range statuses {
		r.log.V(1).Info("provider probed", "kind", st.Kind, "available", st.Available, "reason", st.Reason)
	}
	return statuses
}

// Default picks the provider to start with: the available provider whose
// id, kind or name contains the configured default (case-insensitive),
// otherwise the first available one.
func (r *Registry) Default(statuses []Status) (Client, error) {
	var first Client
	want := strings.ToLower(strings.TrimSpace(r.defaultProvider))
	for _, st := range statuses {
		if !st.Available {
			continue
		}
		c, ok := r.Get(st.Kind)
		if !ok {
			continue
		}
		if first == nil {
			first = c
		}
		if want != "" && matchesProvider(c, want) {
			return c, nil
		}
	}
	if first == nil {
		return nil, fmt.Errorf("%w: no provider is available", ErrProviderUnreachable)
	}
	return first, nil
}

// Resolve finds a provider by kind, id or a substring of its name.
func (r *Registry) Resolve(s string) (Client, error) {
	if k, err := ParseKind(strings.ToLower(s)); err == nil {
		if c, ok := r.Get(k); ok {
			return c, nil
		}
	}
	want := strings.ToLower(strings.TrimSpace(s))
	for _, e := range r.entries {
		if want != "" && matchesProvider(e.client, want) {
			return e.client, nil
		}
	}
	return nil, errors.New("unknown provider: " + s)
}

// DefaultModel returns the configured default for kind: the provider's own
// setting, then the top-level one.
func (r *Registry) DefaultModel(kind Kind) string {
	for _, e := range r.entries {
		if e.client.Kind() == kind {
			return r.defaultModelFor(e)
		}
	}
	return r.defaultModel
}

func (r *Registry) defaultModelFor(e entry) string {
	if e.defaultModel != "" {
		return e.defaultModel
	}
	return r.defaultModel
}

// ChooseModel picks a model from models: the first preferred name that
// is present, otherwise the first model. It returns "" for an empty list.
func ChooseModel(models []ModelInfo, preferred ...string) string {
	for _, p := range preferred {
		if p == "" {
			continue
		}
		for _, m := range models {
			if SameModel(m.Name, p) {
				return m.Name
			}
		}
	}
	if len(models) == 0 {
		return ""
	}
	return models[0].Name
}

func matchesProvider(c Client, want string) bool {
	id := "ollama"
	if c.Kind() == KindCloud {
		id = "watsonx"
	}
	return strings.Contains(id, want) ||
		strings.Contains(string(c.Kind()), want) ||
		strings.Contains(strings.ToLower(c.Name()), want)
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
