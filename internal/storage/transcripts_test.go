// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/playground/internal/prompt"
	"github.com/jeranaias/playground/internal/provider"
	"github.com/jeranaias/playground/internal/provider/providertest"
	"github.com/jeranaias/playground/internal/session"
)

func openTestStore(t *testing.T) *TranscriptStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func turn(id string, seq int, role session.Role, content string, at time.Time) session.Turn {
	return session.Turn{ID: id, Seq: seq, Role: role, Content: content, Model: "llama3.2", CreatedAt: at}
}

func TestRecordAndTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	user := turn("u1", 1, session.RoleUser, "summarize @[notes.txt]", now)
	user.Prompt = "summarize\n```notes.txt\nhello\n```"
	user.Attachments = []string{"notes.txt"}
	reply := turn("a1", 2, session.RoleAssistant, "Hel", now.Add(time.Second))
	reply.Err = "generation failed"
	reply.Partial = true

	require.NoError(t, s.Record(ctx, "s1", user))
	require.NoError(t, s.Record(ctx, "s1", reply))

	turns, err := s.Turns(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, turns, 2)

	if turns[0].Prompt != user.Prompt {
		t.Errorf("prompt = %q, want %q", turns[0].Prompt, user.Prompt)
	}
	require.Equal(t, []string{"notes.txt"}, turns[0].Attachments)
	if turns[0].Role != session.RoleUser || turns[1].Role != session.RoleAssistant {
		t.Errorf("roles = %s, %s", turns[0].Role, turns[1].Role)
	}
	if !turns[1].Partial || turns[1].Err != "generation failed" {
		t.Errorf("failure marker lost: %+v", turns[1])
	}
	if !turns[0].CreatedAt.Equal(time.Unix(0, now.UnixNano())) {
		t.Errorf("created_at = %v, want %v", turns[0].CreatedAt, now)
	}
}

func TestRecordIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tr := turn("u1", 1, session.RoleUser, "hi", time.Now())

	require.NoError(t, s.Record(ctx, "s1", tr))
	require.NoError(t, s.Record(ctx, "s1", tr))

	turns, err := s.Turns(ctx, "s1")
	require.NoError(t, err)
	if len(turns) != 1 {
		t.Errorf("got %d turns, want 1", len(turns))
	}
}

func TestSessionsOrderAndPreview(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, s.Record(ctx, "old", turn("o1", 1, session.RoleUser, "first question", base)))
	long := strings.Repeat("x", 100)
	require.NoError(t, s.Record(ctx, "new", turn("n1", 1, session.RoleUser, long, base.Add(time.Minute))))
	reply := turn("n2", 2, session.RoleAssistant, "answer", base.Add(2*time.Minute))
	reply.Model = "granite"
	require.NoError(t, s.Record(ctx, "new", reply))

	sums, err := s.Sessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sums, 2)

	if sums[0].ID != "new" || sums[1].ID != "old" {
		t.Fatalf("order = %s, %s; want new, old", sums[0].ID, sums[1].ID)
	}
	if sums[0].Turns != 2 {
		t.Errorf("turns = %d, want 2", sums[0].Turns)
	}
	if sums[0].Model != "granite" {
		t.Errorf("model = %q, want latest model", sums[0].Model)
	}
	if got := len([]rune(sums[0].Preview)); got != previewLength {
		t.Errorf("preview length = %d, want %d", got, previewLength)
	}
	if sums[1].Preview != "first question" {
		t.Errorf("preview = %q", sums[1].Preview)
	}

	limited, err := s.Sessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestDeleteSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, "s1", turn("u1", 1, session.RoleUser, "hi", time.Now())))

	ok, err := s.DeleteSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)

	turns, err := s.Turns(ctx, "s1")
	require.NoError(t, err)
	if len(turns) != 0 {
		t.Errorf("turns survived delete: %d", len(turns))
	}

	ok, err = s.DeleteSession(ctx, "s1")
	require.NoError(t, err)
	if ok {
		t.Error("second delete reported existing session")
	}
}

func TestStoreAsRecorder(t *testing.T) {
	var _ session.Recorder = (*TranscriptStore)(nil)
}

func TestTurnsKeepOrderAcrossReset(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	fake := providertest.New(provider.KindLocal).SetChat([]string{"ok"}, nil)
	sess := session.New(session.Options{
		Provider: fake,
		Model:    "llama3.2:latest",
		Composer: prompt.Composer{},
		Recorder: store,
		Log:      logr.Discard(),
	})

	_, err := sess.SendMessage(ctx, "first conversation", nil)
	require.NoError(t, err)
	require.NoError(t, sess.Reset())
	_, err = sess.SendMessage(ctx, "second conversation", nil)
	require.NoError(t, err)

	turns, err := store.Turns(ctx, sess.ID())
	require.NoError(t, err)
	got := make([]string, 0, len(turns))
	for _, tr := range turns {
		got = append(got, string(tr.Role)+" "+tr.Content)
	}
	require.Equal(t, []string{
		"user first conversation",
		"assistant ok",
		"user second conversation",
		"assistant ok",
	}, got)
}
