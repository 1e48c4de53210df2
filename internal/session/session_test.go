// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/playground/internal/catalog"
	"github.com/jeranaias/playground/internal/prompt"
	"github.com/jeranaias/playground/internal/provider"
	"github.com/jeranaias/playground/internal/provider/providertest"
)

type memRecorder struct {
	mu    sync.Mutex
	turns []Turn
}

func (r *memRecorder) Record(ctx context.Context, sessionID string, t Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, t)
	return nil
}

func newFixture(t *testing.T) (*Session, *providertest.Fake, *catalog.Catalog) {
	t.Helper()
	fake := providertest.New(provider.KindLocal).
		SetModels(provider.ModelInfo{Name: "llama3.2:latest"}, provider.ModelInfo{Name: "qwen2.5:7b"}).
		SetChat([]string{"Hel", "lo"}, nil)
	cat := catalog.New(logr.Discard())
	_, err := cat.Refresh(context.Background(), fake)
	require.NoError(t, err)

	s := New(Options{
		Provider:  fake,
		Model:     "llama3.2:latest",
		Catalog:   cat,
		Composer:  prompt.Composer{AppendUnreferenced: true},
		Templates: prompt.NewLibrary(map[string]string{"Summarize": "Summarize the following text:"}, "", logr.Discard()),
		Log:       logr.Discard(),
	})
	return s, fake, cat
}

func TestSendMessage(t *testing.T) {
	s, fake, _ := newFixture(t)
	require.NoError(t, s.SetParameters(Parameters{Temperature: 0.2, TopP: 0.5, SystemPrompt: "be brief"}))

	var frags []string
	reply, err := s.SendMessage(context.Background(), "hi", func(f string) { frags = append(frags, f) })
	require.NoError(t, err)
	require.Equal(t, "Hello", reply.Content)
	require.Equal(t, strings.Join(frags, ""), reply.Content)
	require.False(t, reply.Failed())

	history := s.History()
	require.Len(t, history, 2)
	require.Equal(t, RoleUser, history[0].Role)
	require.Equal(t, "hi", history[0].Content)
	require.Equal(t, 1, history[0].Seq)
	require.Equal(t, RoleAssistant, history[1].Role)
	require.Equal(t, 2, history[1].Seq)
	require.Equal(t, PhaseIdle, s.Phase())
	_, pending := s.Pending()
	require.False(t, pending)

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, provider.ChatRequest{
		Model:       "llama3.2:latest",
		System:      "be brief",
		Messages:    []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		Temperature: 0.2,
		TopP:        0.5,
	}, reqs[0])
}

func TestSendMessage_SendsHistoryWithComposedPrompts(t *testing.T) {
	s, fake, _ := newFixture(t)
	require.NoError(t, s.Attach("notes.txt", "hello"))

	_, err := s.SendMessage(context.Background(), "Summarize @[notes.txt]", nil)
	require.NoError(t, err)
	_, err = s.SendMessage(context.Background(), "and again", nil)
	require.NoError(t, err)

	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	second := reqs[1].Messages
	require.Len(t, second, 3)
	require.Contains(t, second[0].Content, "hello", "history replays the composed prompt")
	require.Equal(t, "Hello", second[1].Content)
	require.Contains(t, second[2].Content, "--- Uploaded Files ---", "unreferenced attachments are appended")

	first := s.History()[0]
	require.Equal(t, "Summarize @[notes.txt]", first.Content)
	require.Equal(t, []string{"notes.txt"}, first.Attachments)
}

func TestSendMessage_ComposeFailureLeavesHistory(t *testing.T) {
	s, fake, _ := newFixture(t)

	_, err := s.SendMessage(context.Background(), "read @[missing.txt]", nil)
	require.ErrorIs(t, err, prompt.ErrUnknownFileReference)
	require.Empty(t, s.History())
	require.Empty(t, fake.Requests())
	require.Equal(t, PhaseIdle, s.Phase())
}

func TestSendMessage_Preconditions(t *testing.T) {
	s, _, _ := newFixture(t)

	_, err := s.SendMessage(context.Background(), "   ", nil)
	require.ErrorIs(t, err, ErrEmptyInput)

	s.mu.Lock()
	s.model = ""
	s.mu.Unlock()
	_, err = s.SendMessage(context.Background(), "hi", nil)
	require.ErrorIs(t, err, ErrNoModel)

	noProvider := New(Options{Log: logr.Discard()})
	_, err = noProvider.SendMessage(context.Background(), "hi", nil)
	require.ErrorIs(t, err, ErrNoProvider)

	require.Empty(t, s.History())
}

func TestSendMessage_FailureKeepsPartial(t *testing.T) {
	s, fake, _ := newFixture(t)
	fake.SetChat([]string{"par", "tial"}, provider.ErrProviderUnreachable)
	rec := &memRecorder{}
	s.recorder = rec

	reply, err := s.SendMessage(context.Background(), "hi", nil)
	require.ErrorIs(t, err, provider.ErrProviderUnreachable)
	require.Equal(t, "partial", reply.Content)
	require.True(t, reply.Partial)
	require.True(t, reply.Failed())

	history := s.History()
	require.Len(t, history, 2)
	require.Equal(t, reply, history[1])
	require.Equal(t, PhaseIdle, s.Phase())
	require.Len(t, rec.turns, 2)

	// The session stays usable.
	fake.SetChat([]string{"ok"}, nil)
	_, err = s.SendMessage(context.Background(), "retry", nil)
	require.NoError(t, err)
	require.Len(t, s.History(), 4)
}

func TestSendMessage_Canceled(t *testing.T) {
	s, fake, _ := newFixture(t)
	release := fake.GateChat()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.SendMessage(ctx, "hi", nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		p, ok := s.Pending()
		return ok && p.Content == "Hel"
	}, time.Second, 5*time.Millisecond)
	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	history := s.History()
	require.Len(t, history, 2)
	require.Equal(t, "Hel", history[1].Content)
	require.True(t, history[1].Partial)
}

func TestSendMessage_CanceledAfterLastFragment(t *testing.T) {
	s, _, _ := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reply, err := s.SendMessage(ctx, "hi", func(frag string) {
		if frag == "lo" {
			cancel()
		}
	})
	require.NoError(t, err)
	require.Equal(t, "Hello", reply.Content)
	require.False(t, reply.Partial)
	require.Equal(t, PhaseIdle, s.Phase())
}

func TestBusyWhileStreaming(t *testing.T) {
	s, fake, _ := newFixture(t)
	release := fake.GateChat()

	done := make(chan error, 1)
	go func() {
		_, err := s.SendMessage(context.Background(), "first", nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		p, ok := s.Pending()
		return ok && p.Content == "Hel"
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, PhaseStreaming, s.Phase())

	_, err := s.SendMessage(context.Background(), "second", nil)
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorIs(t, s.SwitchProvider(context.Background(), providertest.New(provider.KindCloud)), ErrBusy)
	require.ErrorIs(t, s.SetParameters(DefaultParameters()), ErrBusy)
	require.ErrorIs(t, s.Reset(), ErrBusy)
	_, err = s.Transform(context.Background(), "Summarize", "x", nil)
	require.ErrorIs(t, err, ErrBusy)

	snap := s.Snapshot()
	require.Equal(t, "streaming", snap.Phase)
	require.NotNil(t, snap.Pending)
	require.Len(t, snap.History, 1)

	release()
	require.NoError(t, <-done)
	require.Len(t, s.History(), 2)
	require.Equal(t, PhaseIdle, s.Phase())
}

func TestSwitchProvider(t *testing.T) {
	s, _, cat := newFixture(t)

	cloudA := providertest.New(provider.KindCloud).SetModels(provider.ModelInfo{Name: "ibm/granite-3-8b-instruct"})
	require.NoError(t, s.SwitchProvider(context.Background(), cloudA))
	require.Equal(t, provider.KindCloud, s.Provider().Kind())
	require.Empty(t, s.Model(), "incompatible model is cleared")
	require.True(t, cat.Loaded(provider.KindCloud), "switch loads the new catalog")

	local := providertest.New(provider.KindLocal).SetModels(provider.ModelInfo{Name: "llama3.2:latest"})
	require.NoError(t, s.SwitchProvider(context.Background(), local))
	require.NoError(t, s.SelectModel(context.Background(), "llama3.2"))

	shared := providertest.New(provider.KindCloud).SetModels(provider.ModelInfo{Name: "llama3.2:latest"})
	cat2 := catalog.New(logr.Discard())
	s.catalog = cat2
	require.NoError(t, s.SwitchProvider(context.Background(), shared))
	require.Equal(t, "llama3.2:latest", s.Model(), "compatible model is kept")
}

func TestSwitchProvider_Unreachable(t *testing.T) {
	s, fake, _ := newFixture(t)
	down := providertest.New(provider.KindCloud).SetListError(provider.ErrProviderUnreachable)

	err := s.SwitchProvider(context.Background(), down)
	require.ErrorIs(t, err, provider.ErrProviderUnreachable)
	require.Same(t, fake, s.Provider().(*providertest.Fake), "failed switch changes nothing")
	require.Equal(t, "llama3.2:latest", s.Model())
	require.ErrorIs(t, s.SwitchProvider(context.Background(), nil), ErrNoProvider)
}

func TestSelectModel(t *testing.T) {
	s, _, _ := newFixture(t)

	require.NoError(t, s.SelectModel(context.Background(), "qwen2.5:7b"))
	require.Equal(t, "qwen2.5:7b", s.Model())

	require.NoError(t, s.SelectModel(context.Background(), "llama3.2"))
	require.Equal(t, "llama3.2:latest", s.Model(), "canonical catalog name is stored")

	err := s.SelectModel(context.Background(), "gemma2:9b")
	require.ErrorIs(t, err, provider.ErrModelNotFound)
	require.Equal(t, "llama3.2:latest", s.Model())
}

func TestSelectDefaultModel(t *testing.T) {
	fake := providertest.New(provider.KindLocal).
		SetModels(provider.ModelInfo{Name: "gemma2:9b"}, provider.ModelInfo{Name: "qwen2.5:7b"})

	tests := []struct {
		name       string
		configured string
		want       string
	}{
		{"configured default installed", "qwen2.5:7b", "qwen2.5:7b"},
		{"configured default missing", "llama3.2", "gemma2:9b"},
		{"no default", "", "gemma2:9b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Options{
				Provider:     fake,
				DefaultModel: func(provider.Kind) string { return tt.configured },
				Log:          logr.Discard(),
			})
			got, err := s.SelectDefaultModel(context.Background())
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.want, s.Model())
		})
	}

	empty := New(Options{Provider: providertest.New(provider.KindLocal), Log: logr.Discard()})
	_, err := empty.SelectDefaultModel(context.Background())
	require.ErrorIs(t, err, ErrNoModel)
}

func TestSetParameters(t *testing.T) {
	s, _, _ := newFixture(t)
	require.Equal(t, DefaultParameters(), s.Parameters())

	tests := []struct {
		params  Parameters
		wantErr bool
	}{
		{Parameters{Temperature: 0, TopP: 0}, false},
		{Parameters{Temperature: 2, TopP: 1}, false},
		{Parameters{Temperature: -0.1, TopP: 0.5}, true},
		{Parameters{Temperature: 2.1, TopP: 0.5}, true},
		{Parameters{Temperature: 1, TopP: 1.5}, true},
	}
	for _, tt := range tests {
		err := s.SetParameters(tt.params)
		if tt.wantErr {
			require.ErrorIs(t, err, ErrInvalidParameter, "%+v", tt.params)
			continue
		}
		require.NoError(t, err, "%+v", tt.params)
		require.Equal(t, tt.params, s.Parameters())
	}
}

func TestAttachDetachReset(t *testing.T) {
	s, _, _ := newFixture(t)
	require.NoError(t, s.SetParameters(Parameters{Temperature: 1, TopP: 0.8, SystemPrompt: "sys"}))

	require.NoError(t, s.Attach("a.txt", "one"))
	require.NoError(t, s.Attach(" a.txt ", "two"))
	require.NoError(t, s.Attach("b.txt", "three"))
	require.ErrorIs(t, s.Attach("  ", "x"), ErrEmptyInput)

	atts := s.Attachments()
	require.Len(t, atts, 2)
	require.Equal(t, "two", atts[0].Content)

	ok, err := s.Detach("b.txt")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Detach("b.txt")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.SendMessage(context.Background(), "hi", nil)
	require.NoError(t, err)

	require.NoError(t, s.Reset())
	require.Empty(t, s.History())
	require.Empty(t, s.Attachments())
	params := s.Parameters()
	require.Empty(t, params.SystemPrompt)
	require.Equal(t, 1.0, params.Temperature, "sampling parameters survive a reset")
	require.Equal(t, "llama3.2:latest", s.Model())
}

func TestTransform(t *testing.T) {
	s, fake, _ := newFixture(t)
	fake.SetChat([]string{"Short", " version"}, nil)

	out, err := s.Transform(context.Background(), "Summarize", "a long text", nil)
	require.NoError(t, err)
	require.Equal(t, "Short version", out)
	require.Empty(t, s.History(), "transform is not part of the conversation")

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, []provider.Message{{Role: provider.RoleUser, Content: "Summarize the following text:\n\na long text"}}, reqs[0].Messages)

	_, err = s.Transform(context.Background(), "Nope", "x", nil)
	require.ErrorIs(t, err, prompt.ErrUnknownTemplate)

	_, err = s.Transform(context.Background(), "Summarize", "", nil)
	require.ErrorIs(t, err, ErrEmptyInput)
}

func TestTransform_Failure(t *testing.T) {
	s, fake, _ := newFixture(t)
	fake.SetChat([]string{"half"}, provider.ErrGeneration)

	out, err := s.Transform(context.Background(), "Summarize", "text", nil)
	require.True(t, errors.Is(err, provider.ErrGeneration))
	require.Equal(t, "half", out)
	require.Equal(t, PhaseIdle, s.Phase())
}

func TestRecorder(t *testing.T) {
	s, _, _ := newFixture(t)
	rec := &memRecorder{}
	s.recorder = rec

	_, err := s.SendMessage(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.Len(t, rec.turns, 2)
	require.Equal(t, RoleUser, rec.turns[0].Role)
	require.Equal(t, "Hello", rec.turns[1].Content)
}

func TestRecorder_SeqMonotonicAcrossReset(t *testing.T) {
	s, _, _ := newFixture(t)
	rec := &memRecorder{}
	s.recorder = rec

	_, err := s.SendMessage(context.Background(), "first", nil)
	require.NoError(t, err)
	require.NoError(t, s.Reset())
	_, err = s.SendMessage(context.Background(), "second", nil)
	require.NoError(t, err)

	require.Len(t, rec.turns, 4)
	for i, turn := range rec.turns {
		if turn.Seq != i+1 {
			t.Errorf("turn %d seq = %d, want %d", i, turn.Seq, i+1)
		}
	}
	history := s.History()
	require.Len(t, history, 2)
	require.Equal(t, 3, history[0].Seq)
	require.Equal(t, "second", history[0].Content)
}
