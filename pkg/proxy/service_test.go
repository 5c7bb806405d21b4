package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/openai"
	"github.com/lkarlslund/chatbridge/pkg/upstream"
	"golang.org/x/sync/errgroup"
)

const qwenAnswerStream = `data: {"response.created":{"chat_id":"c1","response_id":"r1"}}

data: {"choices":[{"delta":{"role":"assistant","content":"2 plus 2","phase":"think"}}]}

data: {"choices":[{"delta":{"content":"4","phase":"answer"}}]}

data: {"choices":[{"delta":{"content":"","phase":"answer","status":"finished"},"finish_reason":"stop"}]}

data: [DONE]

`

// fakeQwen answers chat calls with qwenAnswerStream after rejecting the
// first reject calls with 401. Calls carrying the stale token are always
// rejected, slowly enough for concurrent callers to overlap.
type fakeQwen struct {
	srv    *httptest.Server
	reject int32
	stale  string
	calls  atomic.Int32

	mu     sync.Mutex
	tokens []string
	bodies []string
}

func newFakeQwen(t *testing.T, reject int32) *fakeQwen {
	t.Helper()
	f := &fakeQwen{reject: reject}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/chat/completions" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.tokens = append(f.tokens, r.Header.Get("Authorization"))
		f.bodies = append(f.bodies, string(body))
		f.mu.Unlock()
		if f.calls.Add(1) <= f.reject {
			http.Error(w, `{"detail":"token expired"}`, http.StatusUnauthorized)
			return
		}
		if f.stale != "" && r.Header.Get("Authorization") == "Bearer "+f.stale {
			time.Sleep(20 * time.Millisecond)
			http.Error(w, `{"detail":"token expired"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, qwenAnswerStream)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

type countingSource struct {
	calls atomic.Int32
}

func (s *countingSource) Fetch(context.Context) (credential.Credential, error) {
	n := s.calls.Add(1)
	return credential.Credential{BearerToken: "token-" + string(rune('0'+n))}, nil
}

func testConfig(baseURL string) config.ServerConfig {
	cfg := config.NewDefaultServerConfig()
	cfg.Credentials.Backend = config.CredentialBackendMemory
	cfg.Providers = []config.ProviderConfig{{
		Name:         "qwen",
		ProviderType: "qwen",
		BaseURL:      baseURL,
		Enabled:      true,
		Token:        "static-token",
	}}
	return *cfg
}

func newTestService(t *testing.T, cfg config.ServerConfig, src credential.Source) *Service {
	t.Helper()
	client, err := upstream.NewClient(upstream.ClientOptions{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	acq := credential.NewAcquirer(credential.NewStore(nil, nil))
	svc, err := NewServiceFromConfig(cfg, client, acq)
	if err != nil {
		t.Fatalf("NewServiceFromConfig: %v", err)
	}
	if src != nil {
		policy, _ := acq.Policy("qwen")
		acq.Register("qwen", src, policy)
	}
	return svc
}

func userRequest(model, text string) openai.ChatRequest {
	return openai.ChatRequest{
		Model:    model,
		Messages: []openai.ChatMessage{{Role: openai.RoleUser, Content: openai.TextContent(text)}},
	}
}

func TestChatCompletionEndToEnd(t *testing.T) {
	up := newFakeQwen(t, 0)
	svc := newTestService(t, testConfig(up.srv.URL), nil)

	res, err := svc.ChatCompletion(context.Background(), userRequest("qwen-max-thinking", "What is 2+2?"))
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if res.Provider != "qwen" || res.Completion == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	c := res.Completion
	if c.Model != "qwen-max-thinking" {
		t.Fatalf("expected requested model echoed, got %q", c.Model)
	}
	if len(c.Choices) != 1 || c.Choices[0].Message.Content != "4" {
		t.Fatalf("unexpected choices: %+v", c.Choices)
	}
	if c.Choices[0].Message.ReasoningContent != "2 plus 2" {
		t.Fatalf("unexpected reasoning: %q", c.Choices[0].Message.ReasoningContent)
	}
	if c.Choices[0].FinishReason != openai.FinishReasonStop {
		t.Fatalf("unexpected finish reason %q", c.Choices[0].FinishReason)
	}
	if !strings.HasPrefix(c.ID, "chatcmpl-") {
		t.Fatalf("unexpected id %q", c.ID)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if up.tokens[0] != "Bearer static-token" {
		t.Fatalf("expected static token upstream, got %q", up.tokens[0])
	}
	if !strings.Contains(up.bodies[0], `"qwen-max-latest"`) || !strings.Contains(up.bodies[0], `"thinking_enabled":true`) {
		t.Fatalf("unexpected upstream body: %s", up.bodies[0])
	}
}

func TestChatCompletionStreams(t *testing.T) {
	up := newFakeQwen(t, 0)
	svc := newTestService(t, testConfig(up.srv.URL), nil)

	req := userRequest("qwen-max", "hi")
	req.Stream = true
	res, err := svc.ChatCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	var frames []string
	for f := range res.Stream {
		frames = append(frames, f)
	}
	if len(frames) < 2 {
		t.Fatalf("expected several frames, got %q", frames)
	}
	if frames[len(frames)-1] != openai.DoneEvent {
		t.Fatalf("expected [DONE] last, got %q", frames[len(frames)-1])
	}
	joined := strings.Join(frames, "")
	if !strings.Contains(joined, `"content":"4"`) || !strings.Contains(joined, `"model":"qwen-max"`) {
		t.Fatalf("unexpected stream: %s", joined)
	}
}

func TestAuthFailureRefreshesCredentialOnce(t *testing.T) {
	up := newFakeQwen(t, 1)
	src := &countingSource{}
	svc := newTestService(t, testConfig(up.srv.URL), src)

	res, err := svc.ChatCompletion(context.Background(), userRequest("qwen-max", "hi"))
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if res.Completion.Choices[0].Message.Content != "4" {
		t.Fatalf("unexpected content %q", res.Completion.Choices[0].Message.Content)
	}
	if got := up.calls.Load(); got != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", got)
	}
	if got := src.calls.Load(); got != 2 {
		t.Fatalf("expected initial login plus one forced refresh, got %d", got)
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if up.tokens[0] == up.tokens[1] {
		t.Fatalf("expected retry with refreshed token, both were %q", up.tokens[0])
	}
}

func TestAuthFailureAfterRefreshIsProviderError(t *testing.T) {
	up := newFakeQwen(t, 10)
	src := &countingSource{}
	svc := newTestService(t, testConfig(up.srv.URL), src)

	_, err := svc.ChatCompletion(context.Background(), userRequest("qwen-max", "hi"))
	var provErr *upstream.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %T %v", err, err)
	}
	if got := up.calls.Load(); got != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", got)
	}
	if status, body := ErrorPayload(err); status != http.StatusUnauthorized || body.Error.Type != errTypeAuth {
		t.Fatalf("unexpected payload %d %+v", status, body)
	}
	snap, ok := svc.Health().Snapshot("qwen")
	if !ok || snap.Status != healthAuthProblem {
		t.Fatalf("expected auth problem recorded, got %+v", snap)
	}
}

func TestUpstreamServerErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	svc := newTestService(t, testConfig(srv.URL), nil)

	_, err := svc.ChatCompletion(context.Background(), userRequest("qwen-max", "hi"))
	var ue *upstream.UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected UpstreamError 500, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
	if status, _ := ErrorPayload(err); status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", status)
	}
}

func TestChatCompletionRejectsBadRequests(t *testing.T) {
	svc := newTestService(t, testConfig("http://127.0.0.1:1"), nil)
	cases := []openai.ChatRequest{
		{Model: "", Messages: userRequest("x", "hi").Messages},
		{Model: "qwen-max"},
		userRequest("mystery-model", "hi"),
	}
	for _, req := range cases {
		_, err := svc.ChatCompletion(context.Background(), req)
		if status, _ := ErrorPayload(err); status != http.StatusBadRequest {
			t.Fatalf("request %+v: expected 400, got %d (%v)", req, status, err)
		}
	}
}

func TestConcurrentCompletionsShareOneLogin(t *testing.T) {
	up := newFakeQwen(t, 0)
	src := &countingSource{}
	svc := newTestService(t, testConfig(up.srv.URL), src)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			res, err := svc.ChatCompletion(context.Background(), userRequest("qwen-max", "hi"))
			if err != nil {
				return err
			}
			if res.Completion.Choices[0].Message.Content != "4" {
				return errors.New("unexpected content " + res.Completion.Choices[0].Message.Content)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent completions: %v", err)
	}
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("expected one login for all requests, got %d", got)
	}
	if got := up.calls.Load(); got != 8 {
		t.Fatalf("expected 8 upstream calls, got %d", got)
	}
}

func TestConcurrentAuthFailuresShareOneRefresh(t *testing.T) {
	up := newFakeQwen(t, 0)
	up.stale = "token-1"
	src := &countingSource{}
	svc := newTestService(t, testConfig(up.srv.URL), src)

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			res, err := svc.ChatCompletion(context.Background(), userRequest("qwen-max", "hi"))
			if err != nil {
				return err
			}
			if res.Completion.Choices[0].Message.Content != "4" {
				return errors.New("unexpected content " + res.Completion.Choices[0].Message.Content)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent completions: %v", err)
	}
	if got := src.calls.Load(); got != 2 {
		t.Fatalf("expected initial login plus one shared refresh, got %d logins", got)
	}
}

func TestModelsListsEveryProvider(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Providers = append(cfg.Providers, config.ProviderConfig{Name: "k2", ProviderType: "k2think", Enabled: true})
	svc := newTestService(t, cfg, nil)

	models := svc.Models()
	ids := map[string]string{}
	for _, m := range models {
		ids[m.ID] = m.OwnedBy
	}
	if ids["qwen-max-thinking"] != "qwen" {
		t.Fatalf("expected qwen-max-thinking owned by qwen, got %v", ids)
	}
	if ids["MBZUAI-IFM/K2-Think"] != "k2" {
		t.Fatalf("expected K2 model owned by k2, got %v", ids)
	}
}

func TestReloadSwapsRegistry(t *testing.T) {
	svc := newTestService(t, testConfig("http://127.0.0.1:1"), nil)
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Providers[0].Enabled = false
	cfg.Providers = append(cfg.Providers, config.ProviderConfig{Name: "grok", ProviderType: "grok", Enabled: true})
	if err := svc.Reload(cfg); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := svc.Registry().Get("qwen"); ok {
		t.Fatal("disabled provider still registered")
	}
	if _, ok := svc.Registry().Get("grok"); !ok {
		t.Fatal("new provider missing")
	}
}
