// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"

	"github.com/go-logr/logr"

	"github.com/jeranaias/playground/internal/ollama"
)

// Local is the provider backed by an Ollama daemon.
type Local struct {
	client  *ollama.Client
	enabled bool
	log     logr.Logger
}

// NewLocal wraps an Ollama client. A disabled provider never reports
// itself available and fails every call with ErrProviderUnreachable.
func NewLocal(client *ollama.Client, enabled bool, log logr.Logger) *Local {
	return &Local{client: client, enabled: enabled, log: log.WithName("ollama")}
}

func (l *Local) Kind() Kind   { return KindLocal }
func (l *Local) Name() string { return "Ollama (Local)" }

// Probe explains why the daemon cannot be used, or returns nil.
func (l *Local) Probe(ctx context.Context) error {
	if !l.enabled {
		return fmt.Errorf("%w: disabled by configuration (OLLAMA_ENABLED)", ErrProviderUnreachable)
	}
	if err := l.client.CheckRunning(ctx); err != nil {
		return fmt.Errorf("%w: Ollama is not running at %s", ErrProviderUnreachable, l.client.BaseURL())
	}
	return nil
}

func (l *Local) CheckAvailability(ctx context.Context) bool {
	err := l.Probe(ctx)
	if err != nil {
		l.log.V(1).Info("unavailable", "reason", err.Error())
	}
	return err == nil
}

// ListModels returns the installed models sorted by name.
func (l *Local) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if !l.enabled {
		return nil, fmt.Errorf("%w: disabled by configuration", ErrProviderUnreachable)
	}
	models, err := l.client.ListModels(ctx)
	if err != nil {
		return nil, mapLocalError(err)
	}

	out := make([]ModelInfo, 0, len(models))
	for _, m := range models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		out = append(out, ModelInfo{
			Name:          name,
			Size:          m.Size,
			ParameterSize: m.Details.ParameterSize,
			Quantization:  m.Details.QuantizationLevel,
			Family:        m.Details.Family,
			Installed:     true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PullModel downloads name through the daemon. Ollama reports progress per
// layer; the sequence aggregates layers so Completed only grows.
func (l *Local) PullModel(ctx context.Context, name string) iter.Seq2[PullProgress, error] {
	if err := ValidateModelName(name); err != nil {
		return errorSeq[PullProgress](err)
	}
	if !l.enabled {
		return errorSeq[PullProgress](fmt.Errorf("%w: disabled by configuration", ErrProviderUnreachable))
	}

	return func(yield func(PullProgress, error) bool) {
		layers := make(map[string]*layerProgress)
		var order []string
		stopped := false

		err := l.client.Pull(ctx, name, func(p ollama.PullProgress) bool {
			if p.Digest != "" && p.Total > 0 {
				lp, ok := layers[p.Digest]
				if !ok {
					lp = &layerProgress{}
					layers[p.Digest] = lp
					order = append(order, p.Digest)
				}
				lp.update(p.Total, p.Completed)
			}

			ev := PullProgress{Status: p.Status, Done: p.Success()}
			for _, d := range order {
				ev.Completed += layers[d].completed
				ev.Total += layers[d].total
			}
			if ev.Done {
				ev.Completed = ev.Total
			}
			if !yield(ev, nil) {
				stopped = true
				return false
			}
			return true
		})

		if err != nil && !stopped {
			yield(PullProgress{}, mapPullError(err))
		}
	}
}

type layerProgress struct {
	completed int64
	total     int64
}

func (lp *layerProgress) update(total, completed int64) {
	if total > lp.total {
		lp.total = total
	}
	if completed > lp.total {
		completed = lp.total
	}
	if completed > lp.completed {
		lp.completed = completed
	}
}

// Chat streams a completion from the daemon.
func (l *Local) Chat(ctx context.Context, req ChatRequest) iter.Seq2[string, error] {
	if !l.enabled {
		return errorSeq[string](fmt.Errorf("%w: disabled by configuration", ErrProviderUnreachable))
	}

	body := ollama.ChatRequest{
		Model:    req.Model,
		Messages: make([]ollama.Message, 0, len(req.Messages)+1),
		Options: &ollama.Options{
			Temperature: &req.Temperature,
			TopP:        &req.TopP,
		},
	}
	if req.System != "" {
		body.Messages = append(body.Messages, ollama.NewSystemMessage(req.System))
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, ollama.Message{Role: string(m.Role), Content: m.Content})
	}

	return func(yield func(string, error) bool) {
		stopped := false
		err := l.client.ChatStream(ctx, body, func(chunk ollama.StreamChunk) bool {
			if chunk.Content == "" {
				return true
			}
			if !yield(chunk.Content, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield("", mapLocalError(err))
		}
	}
}

// mapPullError recognizes the daemon's report of an unknown registry
// model, which arrives as an error line rather than a 404.
func mapPullError(err error) error {
	var ce *ollama.ClientError
	if errors.As(err, &ce) && ce.Type == ollama.ErrTypeAPI {
		msg := strings.ToLower(ce.Message)
		if strings.Contains(msg, "file does not exist") || strings.Contains(msg, "not found") {
			return fmt.Errorf("%w: %w", ErrModelNotFound, err)
		}
	}
	return mapLocalError(err)
}

// mapLocalError translates Ollama client failures into provider errors.
// Context errors pass through unchanged.
func mapLocalError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ce *ollama.ClientError
	if !errors.As(err, &ce) {
		return fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	switch ce.Type {
	case ollama.ErrTypeModelNotFound:
		return fmt.Errorf("%w: %w", ErrModelNotFound, err)
	case ollama.ErrTypeNotRunning, ollama.ErrTypeTimeout, ollama.ErrTypeConnection:
		return fmt.Errorf("%w: %w", ErrProviderUnreachable, err)
	default:
		return fmt.Errorf("%w: %w", ErrGeneration, err)
	}
}
