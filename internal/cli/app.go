// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-logr/logr"

	"github.com/jeranaias/playground/internal/catalog"
	"github.com/jeranaias/playground/internal/config"
	"github.com/jeranaias/playground/internal/prompt"
	"github.com/jeranaias/playground/internal/provider"
	"github.com/jeranaias/playground/internal/session"
	"github.com/jeranaias/playground/internal/storage"
)

// errHistoryDisabled is returned by commands that need the transcript store.
var errHistoryDisabled = errors.New("history is disabled; run `playground config set history.enabled true`")

// App holds the components every command shares.
type App struct {
	Config *config.Config
	// ConfigPath is the file the config came from, empty for defaults.
	ConfigPath string
	Log        logr.Logger
	Registry   *provider.Registry
	Catalog    *catalog.Catalog
	Templates  *prompt.Library
	// Store is nil when history is disabled.
	Store *storage.TranscriptStore

	closers []io.Closer
}

// NewApp wires the components described by cfg.
func NewApp(cfg *config.Config, path string, log logr.Logger) (*App, error) {
	a := &App{
		Config:     cfg,
		ConfigPath: path,
		Log:        log,
		Registry:   provider.NewRegistry(cfg, log.WithName("provider")),
		Catalog:    catalog.New(log.WithName("catalog")),
		Templates:  prompt.NewLibrary(cfg.Templates, cfg.TemplatesDir, log.WithName("templates")),
	}
	if cfg.History.Enabled {
		store, err := storage.Open(cfg.History.Path)
		if err != nil {
			return nil, err
		}
		a.Store = store
		a.closers = append(a.closers, store)
	}
	return a, nil
}

// AddCloser registers c to be closed by Close.
func (a *App) AddCloser(c io.Closer) {
	a.closers = append(a.closers, c)
}

// Close stops pull jobs and releases the store and log file.
func (a *App) Close() error {
	errs := []error{a.Catalog.Close()}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// recorder returns the store as a session.Recorder, or nil.
func (a *App) recorder() session.Recorder {
	if a.Store == nil {
		return nil
	}
	return a.Store
}

// ResolveProvider returns the named provider, or the default available
// one when name is empty.
func (a *App) ResolveProvider(ctx context.Context, name string) (provider.Client, error) {
	if name != "" {
		return a.Registry.Resolve(name)
	}
	return a.Registry.Default(a.Registry.Detect(ctx))
}

// NewSession starts a conversation on providerName (or the default
// provider) with model (or the provider's default model). A provider
// without any model yields a session with no model selected.
func (a *App) NewSession(ctx context.Context, providerName, model string) (*session.Session, error) {
	p, err := a.ResolveProvider(ctx, providerName)
	if err != nil {
		return nil, err
	}

	chat := a.Config.Chat
	sess := session.New(session.Options{
		Provider:     p,
		Catalog:      a.Catalog,
		Composer:     prompt.Composer{AppendUnreferenced: a.Config.Prompt.AppendUnreferenced},
		Templates:    a.Templates,
		Params:       session.Parameters{Temperature: chat.Temperature, TopP: chat.TopP, SystemPrompt: chat.SystemPrompt},
		DefaultModel: a.Registry.DefaultModel,
		Recorder:     a.recorder(),
		Log:          a.Log,
	})

	if model != "" {
		if err := sess.SelectModel(ctx, model); err != nil {
			return nil, err
		}
		return sess, nil
	}
	if _, err := sess.SelectDefaultModel(ctx); err != nil {
		if !errors.Is(err, session.ErrNoModel) {
			return nil, fmt.Errorf("failed to load %s models: %w", p.Name(), err)
		}
		a.Log.Info("no model available", "provider", p.Kind())
	}
	return sess, nil
}
