// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/playground/internal/catalog"
	"github.com/jeranaias/playground/internal/prompt"
	"github.com/jeranaias/playground/internal/provider"
	"github.com/jeranaias/playground/internal/provider/providertest"
	"github.com/jeranaias/playground/internal/session"
)

// =============================================================================
// FIXTURES
// =============================================================================

type fixture struct {
	srv   *Server
	local *providertest.Fake
	cloud *providertest.Fake
	cat   *catalog.Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local := providertest.New(provider.KindLocal).
		SetModels(provider.ModelInfo{Name: "llama3.2:latest", Installed: true}).
		SetChat([]string{"Hel", "lo"}, nil)
	cloud := providertest.New(provider.KindCloud).
		SetModels(provider.ModelInfo{Name: "ibm/granite-3-8b-instruct"})
	cloud.NoPull = true

	reg := provider.NewEmptyRegistry("", "", logr.Discard())
	reg.Register(local, "llama3.2:latest")
	reg.Register(cloud, "ibm/granite-3-8b-instruct")

	cat := catalog.New(logr.Discard())
	t.Cleanup(func() { cat.Close() })
	lib := prompt.NewLibrary(map[string]string{"Summarize": "Summarize the following text:"}, "", logr.Discard())

	srv := New(Options{
		Registry:  reg,
		Catalog:   cat,
		Templates: lib,
		Log:       logr.Discard(),
		NewSession: func(ctx context.Context) (*session.Session, error) {
			sess := session.New(session.Options{
				Provider:     local,
				Catalog:      cat,
				Composer:     prompt.Composer{AppendUnreferenced: true},
				Templates:    lib,
				Params:       session.DefaultParameters(),
				DefaultModel: reg.DefaultModel,
				Log:          logr.Discard(),
			})
			if _, err := sess.SelectDefaultModel(ctx); err != nil {
				return nil, err
			}
			return sess, nil
		},
	})
	return &fixture{srv: srv, local: local, cloud: cloud, cat: cat}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload string
	switch b := body.(type) {
	case nil:
	case string:
		payload = b
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		payload = string(data)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) createSession(t *testing.T) session.Snapshot {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	return snap
}

type sseEvent struct {
	name string
	data string
}

func parseEvents(body string) []sseEvent {
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			if v, ok := strings.CutPrefix(line, "event: "); ok {
				ev.name = v
			}
			if v, ok := strings.CutPrefix(line, "data: "); ok {
				ev.data = v
			}
		}
		if ev.name != "" {
			events = append(events, ev)
		}
	}
	return events
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}

// =============================================================================
// PROVIDERS AND MODELS
// =============================================================================

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	health := decode[HealthResponse](t, w.Body.Bytes())
	if health.Status != "ok" || health.Version != Version {
		t.Errorf("health = %+v", health)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestProviders(t *testing.T) {
	f := newFixture(t)
	f.cloud.Available = false

	w := f.do(t, http.MethodGet, "/api/providers", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[struct {
		Providers []provider.Status `json:"providers"`
	}](t, w.Body.Bytes())
	require.Len(t, resp.Providers, 2)
	if !resp.Providers[0].Available || resp.Providers[1].Available {
		t.Errorf("availability = %v, %v", resp.Providers[0].Available, resp.Providers[1].Available)
	}
}

func TestModels(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/providers/local/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ModelsResponse](t, w.Body.Bytes())
	require.Len(t, resp.Models, 1)
	require.Equal(t, "llama3.2:latest", resp.Models[0].Name)
	for _, s := range resp.Suggestions {
		if s.Name == "llama3.2:latest" {
			t.Error("installed model offered as a suggestion")
		}
	}

	f.local.SetModels(provider.ModelInfo{Name: "llama3.2:latest"}, provider.ModelInfo{Name: "qwen2.5:7b"})
	w = f.do(t, http.MethodGet, "/api/providers/local/models", nil)
	resp = decode[ModelsResponse](t, w.Body.Bytes())
	require.Len(t, resp.Models, 1, "cached catalog is served without refresh")

	w = f.do(t, http.MethodGet, "/api/providers/local/models?refresh=1", nil)
	resp = decode[ModelsResponse](t, w.Body.Bytes())
	require.Len(t, resp.Models, 2)

	w = f.do(t, http.MethodGet, "/api/providers/cloud/models", nil)
	resp = decode[ModelsResponse](t, w.Body.Bytes())
	if len(resp.Suggestions) != 0 {
		t.Errorf("cloud provider got %d pull suggestions", len(resp.Suggestions))
	}

	w = f.do(t, http.MethodGet, "/api/providers/bogus/models", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestModels_Unreachable(t *testing.T) {
	f := newFixture(t)
	f.local.SetListError(fmt.Errorf("%w: connection refused", provider.ErrProviderUnreachable))

	w := f.do(t, http.MethodGet, "/api/providers/local/models", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[ErrorBody](t, w.Body.Bytes())
	require.Contains(t, body.Error.Message, "connection refused")
}

// =============================================================================
// PULLS
// =============================================================================

func TestPull_StreamsProgress(t *testing.T) {
	f := newFixture(t)
	f.local.SetPull([]provider.PullProgress{
		{Status: "pulling manifest"},
		{Status: "downloading", Completed: 50, Total: 100},
		{Status: "verifying sha256 digest", Completed: 100, Total: 100},
		{Status: "success", Completed: 100, Total: 100, Done: true},
	}, nil)

	w := f.do(t, http.MethodPost, "/api/providers/local/pull", map[string]string{"model": "gemma2:9b"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseEvents(w.Body.String())
	require.NotEmpty(t, events)
	require.Equal(t, "started", events[0].name)
	last := events[len(events)-1]
	require.Equal(t, "done", last.name)
	snap := decode[catalog.JobSnapshot](t, []byte(last.data))
	require.Equal(t, catalog.StatusComplete, snap.Status)
	require.Equal(t, "gemma2:9b", snap.Model)

	require.True(t, f.cat.Has(provider.KindLocal, "gemma2:9b"), "catalog refreshed after pull")
}

func TestPull_Failure(t *testing.T) {
	f := newFixture(t)
	f.local.SetPull(nil, fmt.Errorf("%w: pull model manifest: file does not exist", provider.ErrModelNotFound))

	w := f.do(t, http.MethodPost, "/api/providers/local/pull", map[string]string{"model": "nosuch"})
	events := parseEvents(w.Body.String())
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, "error", last.name)
	detail := decode[ErrorDetail](t, []byte(last.data))
	require.Equal(t, http.StatusNotFound, detail.Code)
}

func TestPull_Rejected(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unsupported", "/api/providers/cloud/pull", `{"model":"ibm/granite"}`, http.StatusNotImplemented},
		{"invalid name", "/api/providers/local/pull", `{"model":"bad name!"}`, http.StatusBadRequest},
		{"already installed", "/api/providers/local/pull", `{"model":"llama3.2"}`, http.StatusConflict},
		{"bad body", "/api/providers/local/pull", `{"model":`, http.StatusBadRequest},
		{"unknown field", "/api/providers/local/pull", `{"name":"x"}`, http.StatusBadRequest},
		{"unknown provider", "/api/providers/nope/pull", `{"model":"x"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestPull_ConflictAndCancel(t *testing.T) {
	f := newFixture(t)
	release := f.local.GatePull()
	defer release()
	f.local.SetPull([]provider.PullProgress{{Status: "success", Done: true}}, nil)

	job, err := f.cat.StartPull(context.Background(), f.local, "gemma2:9b")
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/providers/local/pull", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, job.ID, decode[catalog.JobSnapshot](t, w.Body.Bytes()).ID)

	w = f.do(t, http.MethodPost, "/api/providers/local/pull", map[string]string{"model": "qwen2.5:7b"})
	require.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodDelete, "/api/providers/local/pull", nil)
	require.Equal(t, http.StatusOK, w.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, job.Wait(ctx), catalog.ErrPullCanceled)

	w = f.do(t, http.MethodGet, "/api/providers/local/pull", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// SESSIONS
// =============================================================================

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	snap := f.createSession(t)
	require.NotEmpty(t, snap.ID)
	require.Equal(t, "llama3.2:latest", snap.Model)
	require.Equal(t, provider.KindLocal, snap.Provider)
	require.Equal(t, "idle", snap.Phase)
	base := "/api/sessions/" + snap.ID

	w := f.do(t, http.MethodPost, base+"/attachments", map[string]string{"name": "notes.txt", "content": "hello"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, base+"/messages", map[string]string{"text": "summarize @[notes.txt]"})
	require.Equal(t, http.StatusOK, w.Code)
	events := parseEvents(w.Body.String())
	require.Len(t, events, 3)
	require.Equal(t, "fragment", events[0].name)
	require.JSONEq(t, `{"text":"Hel"}`, events[0].data)
	require.Equal(t, "done", events[2].name)
	turn := decode[session.Turn](t, []byte(events[2].data))
	require.Equal(t, "Hello", turn.Content)

	reqs := f.local.Requests()
	require.Len(t, reqs, 1)
	require.Contains(t, reqs[0].Messages[0].Content, "```notes.txt\nhello\n```")

	w = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap = decode[session.Snapshot](t, w.Body.Bytes())
	require.Len(t, snap.History, 2)
	require.Equal(t, []string{"notes.txt"}, snap.Attachments)

	w = f.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), snap.ID)

	w = f.do(t, http.MethodDelete, base+"/attachments/notes.txt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodDelete, base+"/attachments/notes.txt", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, base+"/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decode[session.Snapshot](t, w.Body.Bytes()).History)

	w = f.do(t, http.MethodDelete, base, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionSettings(t *testing.T) {
	f := newFixture(t)
	base := "/api/sessions/" + f.createSession(t).ID

	w := f.do(t, http.MethodPut, base+"/parameters", `{"temperature": 0.2}`)
	require.Equal(t, http.StatusOK, w.Code)
	params := decode[session.Snapshot](t, w.Body.Bytes()).Parameters
	require.Equal(t, 0.2, params.Temperature)
	require.Equal(t, 0.9, params.TopP, "omitted fields keep their values")

	w = f.do(t, http.MethodPut, base+"/parameters", `{"top_p": 1.5}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, base+"/model", map[string]string{"model": "nosuch"})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPut, base+"/provider", map[string]string{"provider": "cloud"})
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[session.Snapshot](t, w.Body.Bytes())
	require.Equal(t, provider.KindCloud, snap.Provider)
	require.Empty(t, snap.Model, "model not offered by the new provider is cleared")

	w = f.do(t, http.MethodPut, base+"/model", map[string]string{"model": ""})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ibm/granite-3-8b-instruct", decode[session.Snapshot](t, w.Body.Bytes()).Model)

	w = f.do(t, http.MethodPut, base+"/provider", map[string]string{"provider": "nope"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessage_ComposeError(t *testing.T) {
	f := newFixture(t)
	base := "/api/sessions/" + f.createSession(t).ID

	w := f.do(t, http.MethodPost, base+"/messages", map[string]string{"text": "read @[missing.txt]"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.Contains(t, decode[ErrorBody](t, w.Body.Bytes()).Error.Message, "missing.txt")
	require.Empty(t, f.local.Requests())

	w = f.do(t, http.MethodPost, base+"/messages", map[string]string{"text": "   "})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessage_FailureMidStream(t *testing.T) {
	f := newFixture(t)
	f.local.SetChat([]string{"Hel"}, fmt.Errorf("%w: model crashed", provider.ErrGeneration))
	base := "/api/sessions/" + f.createSession(t).ID

	w := f.do(t, http.MethodPost, base+"/messages", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	events := parseEvents(w.Body.String())
	require.Len(t, events, 2)
	require.Equal(t, "error", events[1].name)
	require.Equal(t, http.StatusBadGateway, decode[ErrorDetail](t, []byte(events[1].data)).Code)

	w = f.do(t, http.MethodGet, base, nil)
	snap := decode[session.Snapshot](t, w.Body.Bytes())
	require.Len(t, snap.History, 2)
	require.True(t, snap.History[1].Partial)
	require.Equal(t, "Hel", snap.History[1].Content)
}

func TestSendMessage_FailureBeforeFirstFragment(t *testing.T) {
	f := newFixture(t)
	f.local.SetChat(nil, fmt.Errorf("%w: connection refused", provider.ErrProviderUnreachable))
	base := "/api/sessions/" + f.createSession(t).ID

	w := f.do(t, http.MethodPost, base+"/messages", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSendMessage_Busy(t *testing.T) {
	f := newFixture(t)
	release := f.local.GateChat()
	defer release()
	snap := f.createSession(t)
	base := "/api/sessions/" + snap.ID

	f.srv.mu.RLock()
	sess := f.srv.sessions[snap.ID]
	f.srv.mu.RUnlock()

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		req := httptest.NewRequest(http.MethodPost, base+"/messages", strings.NewReader(`{"text":"hi"}`))
		w := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(w, req)
		done <- w
	}()

	require.Eventually(t, func() bool {
		p, ok := sess.Pending()
		return ok && p.Content == "Hel"
	}, 5*time.Second, 5*time.Millisecond)

	w := f.do(t, http.MethodPost, base+"/messages", map[string]string{"text": "again"})
	require.Equal(t, http.StatusConflict, w.Code)
	w = f.do(t, http.MethodPut, base+"/parameters", `{"temperature": 1}`)
	require.Equal(t, http.StatusConflict, w.Code)
	w = f.do(t, http.MethodDelete, base, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, base, nil)
	require.Equal(t, "streaming", decode[session.Snapshot](t, w.Body.Bytes()).Phase)

	release()
	first := <-done
	require.Equal(t, "done", parseEvents(first.Body.String())[2].name)
}

func TestTransform(t *testing.T) {
	f := newFixture(t)
	f.local.SetChat([]string{"Short."}, nil)
	base := "/api/sessions/" + f.createSession(t).ID

	w := f.do(t, http.MethodPost, base+"/transform", map[string]string{"template": "Summarize", "text": "a long text"})
	require.Equal(t, http.StatusOK, w.Code)
	events := parseEvents(w.Body.String())
	require.Equal(t, "done", events[len(events)-1].name)
	require.JSONEq(t, `{"template":"Summarize","text":"Short."}`, events[len(events)-1].data)

	reqs := f.local.Requests()
	require.Equal(t, "Summarize the following text:\n\na long text", reqs[0].Messages[0].Content)

	w = f.do(t, http.MethodGet, base, nil)
	require.Empty(t, decode[session.Snapshot](t, w.Body.Bytes()).History)

	w = f.do(t, http.MethodPost, base+"/transform", map[string]string{"template": "Nope", "text": "x"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTemplates(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/templates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[struct {
		Templates []prompt.Template `json:"templates"`
	}](t, w.Body.Bytes())
	require.Len(t, resp.Templates, 1)
	require.Equal(t, "Summarize", resp.Templates[0].Name)
}

func TestCreateSession_NoProvider(t *testing.T) {
	f := newFixture(t)
	f.srv.newSession = func(ctx context.Context) (*session.Session, error) {
		return nil, fmt.Errorf("%w: no provider is available", provider.ErrProviderUnreachable)
	}
	w := f.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// =============================================================================
// ERRORS AND MIDDLEWARE
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrBusy, http.StatusConflict},
		{fmt.Errorf("%w: x", provider.ErrPullInProgress), http.StatusConflict},
		{fmt.Errorf("%w: x", provider.ErrAlreadyInstalled), http.StatusConflict},
		{&prompt.UnknownFileReferenceError{Path: "a.txt"}, http.StatusBadRequest},
		{fmt.Errorf("%w: x", prompt.ErrUnknownTemplate), http.StatusNotFound},
		{fmt.Errorf("%w: x", provider.ErrModelNotFound), http.StatusNotFound},
		{session.ErrInvalidParameter, http.StatusBadRequest},
		{provider.ErrInvalidModelName, http.StatusBadRequest},
		{session.ErrNoModel, http.StatusBadRequest},
		{provider.ErrUnsupportedOperation, http.StatusNotImplemented},
		{provider.ErrProviderUnreachable, http.StatusServiceUnavailable},
		{provider.ErrGeneration, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("burst requests rejected")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request over burst allowed")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other client limited")
	}

	now = now.Add(time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("token not replenished")
	}

	now = now.Add(limiterIdle + time.Minute)
	rl.Allow("10.0.0.3")
	if _, ok := rl.clients["10.0.0.2"]; ok {
		t.Error("idle client not swept")
	}

	var disabled *RateLimiter
	if !disabled.Allow("x") || !NewRateLimiter(0, 0).Allow("x") {
		t.Error("disabled limiter rejected a request")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimitMiddleware(NewRateLimiter(0.001, 1), logr.Discard())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(logr.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestBodyLimit(t *testing.T) {
	f := newFixture(t)
	base := "/api/sessions/" + f.createSession(t).ID
	big := strings.Repeat("x", MaxRequestBodySize)

	w := f.do(t, http.MethodPost, base+"/attachments", map[string]string{"name": "big.txt", "content": big})
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"direct", "203.0.113.5:1234", "", "", "203.0.113.5"},
		{"untrusted forwarder ignored", "203.0.113.5:1234", "1.2.3.4", "", "203.0.113.5"},
		{"trusted forwarder", "127.0.0.1:1234", "1.2.3.4, 10.0.0.1", "", "1.2.3.4"},
		{"real ip", "10.1.1.1:80", "", "5.6.7.8", "5.6.7.8"},
		{"bad header", "127.0.0.1:1234", "not-an-ip", "", "127.0.0.1"},
		{"no port", "192.0.2.1", "", "", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := GetClientIP(r); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExport(t *testing.T) {
	f := newFixture(t)
	snap := f.createSession(t)
	base := "/api/sessions/" + snap.ID

	w := f.do(t, http.MethodGet, base+"/export", nil)
	require.Equal(t, http.StatusNotFound, w.Code, "empty conversation")

	w = f.do(t, http.MethodPost, base+"/messages", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, base+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, snap.ID+".md") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if body := w.Body.String(); !strings.Contains(body, "### You") || !strings.Contains(body, "Hello") {
		t.Errorf("body:\n%s", body)
	}

	w = f.do(t, http.MethodGet, base+"/export?format=json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var conv struct {
		Turns []session.Turn `json:"turns"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))
	require.Len(t, conv.Turns, 2)

	w = f.do(t, http.MethodGet, base+"/export?format=pdf", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
