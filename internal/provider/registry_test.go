// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/playground/internal/config"
	"github.com/jeranaias/playground/internal/provider"
	"github.com/jeranaias/playground/internal/provider/providertest"
)

func TestRegistry_FromConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Ollama is running")
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Providers.Ollama.URL = srv.URL
	cfg.Providers.Ollama.DefaultModel = "qwen2.5:7b"
	cfg.Providers.Watsonx.APIKey = ""

	reg := provider.NewRegistry(cfg, logr.Discard())
	require.Len(t, reg.All(), 2)

	statuses := reg.Detect(context.Background())
	require.Len(t, statuses, 2)

	require.Equal(t, provider.KindLocal, statuses[0].Kind)
	require.Equal(t, "Ollama (Local)", statuses[0].Name)
	require.True(t, statuses[0].Available)
	require.Equal(t, "qwen2.5:7b", statuses[0].DefaultModel)

	require.Equal(t, provider.KindCloud, statuses[1].Kind)
	require.False(t, statuses[1].Available)
	require.Contains(t, statuses[1].Reason, "WATSONX_API_KEY")
	require.Equal(t, "ibm/granite-3-8b-instruct", statuses[1].DefaultModel)

	def, err := reg.Default(statuses)
	require.NoError(t, err)
	require.Equal(t, provider.KindLocal, def.Kind())
}

func TestRegistry_Default(t *testing.T) {
	local := providertest.New(provider.KindLocal)
	local.NameValue = "Ollama (Local)"
	cloudP := providertest.New(provider.KindCloud)
	cloudP.NameValue = "IBM watsonx"

	tests := []struct {
		name      string
		preferred string
		localUp   bool
		cloudUp   bool
		want      provider.Kind
		wantErr   bool
	}{
		{"substring of id", "wats", true, true, provider.KindCloud, false},
		{"case-insensitive name", "IBM", true, true, provider.KindCloud, false},
		{"display name", "Ollama (Local)", true, true, provider.KindLocal, false},
		{"preferred unavailable", "watsonx", true, false, provider.KindLocal, false},
		{"no preference", "", false, true, provider.KindCloud, false},
		{"unknown preference", "openai", true, true, provider.KindLocal, false},
		{"nothing available", "ollama", false, false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := provider.NewEmptyRegistry(tt.preferred, "", logr.Discard())
			reg.Register(local, "")
			reg.Register(cloudP, "")

			statuses := []provider.Status{
				{Kind: provider.KindLocal, Available: tt.localUp},
				{Kind: provider.KindCloud, Available: tt.cloudUp},
			}
			got, err := reg.Default(statuses)
			if tt.wantErr {
				require.ErrorIs(t, err, provider.ErrProviderUnreachable)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got.Kind())
		})
	}
}

func TestRegistry_DefaultModel(t *testing.T) {
	reg := provider.NewEmptyRegistry("", "llama3.2", logr.Discard())
	reg.Register(providertest.New(provider.KindLocal), "")
	reg.Register(providertest.New(provider.KindCloud), "ibm/granite-3-8b-instruct")

	require.Equal(t, "llama3.2", reg.DefaultModel(provider.KindLocal))
	require.Equal(t, "ibm/granite-3-8b-instruct", reg.DefaultModel(provider.KindCloud))
}

func TestRegistry_Resolve(t *testing.T) {
	reg := provider.NewEmptyRegistry("", "", logr.Discard())
	reg.Register(providertest.New(provider.KindLocal), "")
	reg.Register(providertest.New(provider.KindCloud), "")

	for in, want := range map[string]provider.Kind{
		"local":   provider.KindLocal,
		"ollama":  provider.KindLocal,
		"Cloud":   provider.KindCloud,
		"watsonx": provider.KindCloud,
	} {
		c, err := reg.Resolve(in)
		require.NoError(t, err, in)
		require.Equal(t, want, c.Kind(), in)
	}
	_, err := reg.Resolve("openai")
	require.Error(t, err)
}

func TestRegistry_DetectWithoutProber(t *testing.T) {
	fake := providertest.New(provider.KindLocal)
	fake.Available = false
	reg := provider.NewEmptyRegistry("", "", logr.Discard())
	reg.Register(fake, "")

	statuses := reg.Detect(context.Background())
	require.Len(t, statuses, 1)
	require.False(t, statuses[0].Available)
	require.NotEmpty(t, statuses[0].Reason)
}

func TestChooseModel(t *testing.T) {
	models := []provider.ModelInfo{{Name: "gemma2:9b"}, {Name: "llama3.2:latest"}}

	require.Equal(t, "llama3.2:latest", provider.ChooseModel(models, "llama3.2"))
	require.Equal(t, "llama3.2:latest", provider.ChooseModel(models, "", "missing", "llama3.2:latest"))
	require.Equal(t, "gemma2:9b", provider.ChooseModel(models, "missing"))
	require.Equal(t, "", provider.ChooseModel(nil, "llama3.2"))
}
