// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/go-logr/logr"

	"github.com/jeranaias/playground/internal/cloud"
)

// Cloud is the provider backed by IBM watsonx.ai.
type Cloud struct {
	client *cloud.Client
	log    logr.Logger
}

// NewCloud wraps a watsonx client.
func NewCloud(client *cloud.Client, log logr.Logger) *Cloud {
	return &Cloud{client: client, log: log.WithName("watsonx")}
}

func (c *Cloud) Kind() Kind   { return KindCloud }
func (c *Cloud) Name() string { return "IBM watsonx" }

// Probe checks credentials by obtaining an IAM token.
func (c *Cloud) Probe(ctx context.Context) error {
	if !c.client.IsConfigured() {
		return fmt.Errorf("%w: set WATSONX_API_KEY and WATSONX_PROJECT_ID", ErrProviderUnreachable)
	}
	return c.authenticate(ctx)
}

// authenticate exchanges the API key for a token. Every failure other
// than cancellation means the provider is unreachable.
func (c *Cloud) authenticate(ctx context.Context) error {
	_, err := c.client.Token(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrProviderUnreachable, err)
	}
}

func (c *Cloud) CheckAvailability(ctx context.Context) bool {
	err := c.Probe(ctx)
	if err != nil {
		c.log.V(1).Info("unavailable", "reason", err.Error(), "key", c.client.KeyFingerprint())
	}
	return err == nil
}

// ListModels returns the chat-capable foundation models. When the listing
// endpoint fails but credentials work, the built-in list is returned.
func (c *Cloud) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if !c.client.IsConfigured() {
		return nil, fmt.Errorf("%w: set WATSONX_API_KEY and WATSONX_PROJECT_ID", ErrProviderUnreachable)
	}
	if err := c.authenticate(ctx); err != nil {
		return nil, err
	}

	specs, err := c.client.ListModels(ctx)
	if err != nil {
		mapped := mapCloudError(err)
		if errors.Is(mapped, ErrProviderUnreachable) || errors.Is(err, context.Canceled) {
			return nil, mapped
		}
		c.log.Info("model listing failed, using built-in list", "error", err.Error())
		out := make([]ModelInfo, 0, len(cloud.DefaultModels))
		for _, id := range cloud.DefaultModels {
			out = append(out, ModelInfo{Name: id, Installed: true})
		}
		return out, nil
	}

	out := make([]ModelInfo, 0, len(specs))
	for _, s := range specs {
		out = append(out, ModelInfo{
			Name:          s.ModelID,
			ParameterSize: s.NumberParams,
			Family:        s.Provider,
			Installed:     true,
		})
	}
	return out, nil
}

// SupportsPull is false: watsonx models are hosted, not downloaded.
func (c *Cloud) SupportsPull() bool { return false }

// PullModel always fails: cloud models are not downloaded.
func (c *Cloud) PullModel(ctx context.Context, name string) iter.Seq2[PullProgress, error] {
	return errorSeq[PullProgress](fmt.Errorf("%w: %s models cannot be pulled", ErrUnsupportedOperation, c.Name()))
}

// Chat streams a completion from watsonx.ai.
func (c *Cloud) Chat(ctx context.Context, req ChatRequest) iter.Seq2[string, error] {
	body := cloud.ChatRequest{
		ModelID:     req.Model,
		Messages:    make([]cloud.ChatMessage, 0, len(req.Messages)+1),
		Temperature: &req.Temperature,
		TopP:        &req.TopP,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, cloud.NewSystemMessage(req.System))
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, cloud.ChatMessage{Role: string(m.Role), Content: m.Content})
	}

	return func(yield func(string, error) bool) {
		stopped := false
		err := c.client.ChatStream(ctx, body, func(chunk cloud.StreamChunk) bool {
			text := chunk.Content()
			if text == "" {
				return true
			}
			if !yield(text, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield("", mapCloudError(err))
		}
	}
}

func mapCloudError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, cloud.ErrModelNotFound):
		return fmt.Errorf("%w: %w", ErrModelNotFound, err)
	case errors.Is(err, cloud.ErrNotConfigured),
		errors.Is(err, cloud.ErrAuthFailed),
		errors.Is(err, cloud.ErrUnreachable):
		return fmt.Errorf("%w: %w", ErrProviderUnreachable, err)
	default:
		return fmt.Errorf("%w: %w", ErrGeneration, err)
	}
}
