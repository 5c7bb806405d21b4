package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/model"
	"github.com/lkarlslund/chatbridge/pkg/openai"
	"github.com/lkarlslund/chatbridge/pkg/stream"
	"github.com/tidwall/gjson"
)

func chatRequest(modelName string, msgs ...openai.ChatMessage) openai.ChatRequest {
	if len(msgs) == 0 {
		msgs = []openai.ChatMessage{{Role: openai.RoleUser, Content: openai.TextContent("2+2?")}}
	}
	return openai.ChatRequest{Model: modelName, Messages: msgs}
}

func input(p Provider, modelName string, cred credential.Credential) BuildInput {
	req := chatRequest(modelName)
	return BuildInput{Chat: req, Parsed: p.ParseModel(modelName), Credential: cred}
}

func mustProvider(t *testing.T, f Factory, s Settings) Provider {
	t.Helper()
	if s.Name == "" {
		s.Name = "test"
	}
	p, err := f(s, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	return p
}

func transcodeAll(t *testing.T, p Provider, in BuildInput, body string) (content string, reasoning string, finish string) {
	t.Helper()
	opts := p.StreamOptions(in)
	opts.Model = in.Chat.Model
	c := stream.Once([]byte(body), opts)
	return c.Choices[0].Message.Content, c.Choices[0].Message.ReasoningContent, c.Choices[0].FinishReason
}

func TestZAIBuildRequest(t *testing.T) {
	p := mustProvider(t, NewZAI, Settings{ModelMap: map[string]string{"glm-4.5": "0727-360B-API"}})
	temp := 0.2
	in := input(p, "glm-4.5-thinking-search", credential.Credential{BearerToken: "tok"})
	in.Chat.Temperature = &temp
	req, err := p.BuildRequest(in)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if req.URL != "https://chat.z.ai/api/chat/completions" {
		t.Fatalf("URL = %q", req.URL)
	}
	body := gjson.ParseBytes(req.Body)
	if body.Get("model").String() != "0727-360B-API" || !body.Get("stream").Bool() {
		t.Fatalf("unexpected body: %s", req.Body)
	}
	if !body.Get("features.enable_thinking").Bool() || !body.Get("features.web_search").Bool() {
		t.Fatalf("features not set: %s", body.Get("features").Raw)
	}
	if body.Get("params.temperature").Float() != 0.2 {
		t.Fatalf("temperature not forwarded: %s", body.Get("params").Raw)
	}
	chatID := body.Get("chat_id").String()
	if chatID == "" || body.Get("id").String() == "" || body.Get("id").String() == chatID {
		t.Fatalf("expected distinct generated ids: %s", req.Body)
	}
	if req.Header.Get("Authorization") != "Bearer tok" || req.Header.Get("X-FE-Version") != zaiDefaultFEVersion {
		t.Fatalf("unexpected headers: %v", req.Header)
	}
	if !strings.HasSuffix(req.Header.Get("Referer"), "/c/"+chatID) || !strings.Contains(req.Header.Get("User-Agent"), "Mozilla") {
		t.Fatalf("unexpected headers: %v", req.Header)
	}

	again, _ := p.BuildRequest(in)
	if gjson.GetBytes(again.Body, "chat_id").String() == chatID {
		t.Fatal("chat id reused across calls")
	}
}

func TestZAIUsesCapturedFEVersion(t *testing.T) {
	p := mustProvider(t, NewZAI, Settings{})
	req, err := p.BuildRequest(input(p, "glm-4.6", credential.Credential{BearerToken: "t", Extra: map[string]string{extraFEVersion: "prod-fe-9.9.9"}}))
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if req.Header.Get("X-FE-Version") != "prod-fe-9.9.9" {
		t.Fatalf("X-FE-Version = %q", req.Header.Get("X-FE-Version"))
	}
}

func TestZAIUnsupportedChatType(t *testing.T) {
	p := mustProvider(t, NewZAI, Settings{})
	_, err := p.BuildRequest(input(p, "glm-4.6-video", credential.Credential{BearerToken: "t"}))
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestZAIExtractPhases(t *testing.T) {
	p := mustProvider(t, NewZAI, Settings{})
	in := input(p, "glm-4.6-thinking", credential.Credential{})
	body := strings.Join([]string{
		`data: {"type":"chat:completion","data":{"phase":"thinking","delta_content":"<details type=\"reasoning\"><summary>Thinking…</summary>\n> let me add"}}`,
		`data: {"type":"chat:completion","data":{"phase":"answer","edit_content":"<details>x</details>\nThe","delta_content":""}}`,
		`data: {"type":"chat:completion","data":{"phase":"answer","delta_content":" answer is 4"}}`,
		`data: {"type":"chat:completion","data":{"phase":"done","done":true,"usage":{"prompt_tokens":5,"completion_tokens":3}}}`,
		`data: {"type":"chat:completion","data":{"phase":"answer","delta_content":"after done"}}`,
	}, "\n")
	content, reasoning, finish := transcodeAll(t, p, in, body)
	if content != "The answer is 4" {
		t.Fatalf("content = %q", content)
	}
	if !strings.Contains(reasoning, "let me add") || strings.Contains(reasoning, "<summary>") {
		t.Fatalf("reasoning = %q", reasoning)
	}
	if finish != "stop" {
		t.Fatalf("finish = %q", finish)
	}
}

func TestZAIGuestLoginAndFEDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auths/":
			http.SetCookie(w, &http.Cookie{Name: "token", Value: "guest-token"})
			_, _ = w.Write([]byte(`{"token":"guest-token","role":"guest"}`))
		case "/":
			_, _ = w.Write([]byte(`<html><head><script src="/_app/prod-fe-1.2.3/start.js"></script></head></html>`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	p := &ZAI{base: newBase(Settings{Name: "zai", BaseURL: srv.URL}, newTestClient(t), zaiDefaultURL)}
	cred, err := p.Login(context.Background())
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if cred.BearerToken != "guest-token" || cred.Cookies["token"] != "guest-token" || cred.Extra[extraFEVersion] != "prod-fe-1.2.3" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestParseFEVersionFallsBackToRawText(t *testing.T) {
	v, err := parseFEVersion([]byte(`<html><body><script>window.v="prod-fe-1.0.99"</script></body></html>`))
	if err != nil || v != "prod-fe-1.0.99" {
		t.Fatalf("parseFEVersion = %q, %v", v, err)
	}
	if _, err := parseFEVersion([]byte(`<html></html>`)); err == nil {
		t.Fatal("expected not found")
	}
}

func TestQwenRequiresSessionForImage(t *testing.T) {
	p := mustProvider(t, NewQwen, Settings{})
	for _, name := range []string{"qwen-max-image", "qwen-max-image_edit", "qwen-max-video"} {
		_, err := p.BuildRequest(input(p, name, credential.Credential{BearerToken: "t"}))
		if !errors.Is(err, ErrSessionRequired) {
			t.Fatalf("%s: expected ErrSessionRequired, got %v", name, err)
		}
	}
	in := input(p, "qwen-max-image", credential.Credential{BearerToken: "t"})
	in.ChatID = "chat-123"
	req, err := p.BuildRequest(in)
	if err != nil {
		t.Fatalf("BuildRequest with chat id: %v", err)
	}
	if !strings.HasSuffix(req.URL, "chat_id=chat-123") {
		t.Fatalf("URL = %q", req.URL)
	}
	if gjson.GetBytes(req.Body, "messages.0.chat_type").String() != "t2i" {
		t.Fatalf("chat_type missing: %s", req.Body)
	}
}

func TestQwenBuildRequestFeatureConfig(t *testing.T) {
	p := mustProvider(t, NewQwen, Settings{ThinkingBudget: 100000, Defaults: map[string]string{"bx-umidtoken": "umid-default"}})
	msgs := []openai.ChatMessage{{Role: openai.RoleUser, Content: openai.Content{Parts: []openai.ContentPart{
		{Type: openai.PartText, Text: "what is "},
		{Type: openai.PartImageURL, ImageURL: &openai.ImageURL{URL: "https://img/1.png"}},
		{Type: openai.PartText, Text: "this"},
	}}}}
	in := BuildInput{Chat: chatRequest("qwen-max-thinking", msgs...), Parsed: model.Parse("qwen-max-thinking"), Credential: credential.Credential{BearerToken: "t", Extra: map[string]string{"bx-ua": "captured-ua"}}}
	req, err := p.BuildRequest(in)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	body := gjson.ParseBytes(req.Body)
	fc := body.Get("messages.0.feature_config")
	if !fc.Get("thinking_enabled").Bool() || fc.Get("output_schema").String() != "phase" || fc.Get("thinking_budget").Int() != qwenMaxThinkingBudget {
		t.Fatalf("feature_config = %s", fc.Raw)
	}
	if body.Get("messages.0.content").String() != "what is this" {
		t.Fatalf("content = %q", body.Get("messages.0.content").String())
	}
	if body.Get("messages.0.files.0.url").String() != "https://img/1.png" {
		t.Fatalf("files = %s", body.Get("messages.0.files").Raw)
	}
	if req.Header.Get("bx-ua") != "captured-ua" || req.Header.Get("bx-umidtoken") != "umid-default" || req.Header.Get("bx-v") != qwenDefaultBxV {
		t.Fatalf("dynamic headers: %v", req.Header)
	}
	if req.Header.Get("x-request-id") == "" {
		t.Fatal("missing request id")
	}
}

func TestQwenThinkingBudgetOmittedWithoutThinking(t *testing.T) {
	p := mustProvider(t, NewQwen, Settings{ThinkingBudget: 2048})
	req, err := p.BuildRequest(input(p, "qwen-max", credential.Credential{BearerToken: "t"}))
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if gjson.GetBytes(req.Body, "messages.0.feature_config.thinking_budget").Exists() {
		t.Fatalf("unexpected budget: %s", req.Body)
	}
}

func TestQwenCreateSession(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/chats/new" || r.Header.Get("Authorization") != "Bearer t" {
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"chat-xyz"}}`))
	}))
	defer srv.Close()
	p := &Qwen{base: newBase(Settings{Name: "qwen", BaseURL: srv.URL}, newTestClient(t), qwenDefaultURL)}
	in := input(p, "qwen-max-image", credential.Credential{BearerToken: "t"})
	id, err := p.CreateSession(context.Background(), in)
	if err != nil || id != "chat-xyz" {
		t.Fatalf("CreateSession = %q, %v", id, err)
	}
	if got["chat_type"] != "t2i" || got["title"] == nil || got["timestamp"] == nil {
		t.Fatalf("unexpected payload: %v", got)
	}
	models, _ := got["models"].([]any)
	if len(models) != 1 || models[0] != "qwen-max" {
		t.Fatalf("models = %v", got["models"])
	}
}

func TestQwenCreateSessionFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer missing-id":
			_, _ = w.Write([]byte(`{"success":true,"data":{}}`))
		case "Bearer expired":
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()
	p := &Qwen{base: newBase(Settings{Name: "qwen", BaseURL: srv.URL}, newTestClient(t), qwenDefaultURL)}

	var se *SessionError
	if _, err := p.CreateSession(context.Background(), input(p, "qwen-max-video", credential.Credential{BearerToken: "missing-id"})); !errors.As(err, &se) {
		t.Fatalf("expected SessionError for missing id, got %v", err)
	}
	if _, err := p.CreateSession(context.Background(), input(p, "qwen-max-video", credential.Credential{BearerToken: "other"})); !errors.As(err, &se) {
		t.Fatalf("expected SessionError for 500, got %v", err)
	}
	if _, err := p.CreateSession(context.Background(), input(p, "qwen-max-video", credential.Credential{BearerToken: "expired"})); !IsAuthFailure(err) {
		t.Fatalf("expected auth failure to pass through, got %v", err)
	}
}

func TestQwenExtractImagesAndThinking(t *testing.T) {
	p := mustProvider(t, NewQwen, Settings{})
	in := input(p, "qwen-max-image", credential.Credential{})
	in.ChatID = "c"
	body := strings.Join([]string{
		`data: {"response.created":{"chat_id":"c","response_id":"r"}}`,
		`data: {"choices":[{"delta":{"role":"assistant","content":"planning","phase":"think"}}]}`,
		`data: {"choices":[{"delta":{"content":"https://cdn.qwen/img.png","phase":"image_gen"}}]}`,
		`data: {"choices":[{"delta":{"content":"https://cdn.qwen/img.png","phase":"image_gen"}}]}`,
		`data: {"choices":[{"delta":{"content":"","phase":"image_gen","status":"finished"}}]}`,
	}, "\n")
	content, reasoning, _ := transcodeAll(t, p, in, body)
	if content != "![image](https://cdn.qwen/img.png)\n" {
		t.Fatalf("content = %q", content)
	}
	if reasoning != "planning" {
		t.Fatalf("reasoning = %q", reasoning)
	}
}

func TestQwenLoginHashesPassword(t *testing.T) {
	var sent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		sent = gjson.GetBytes(b, "password").String()
		_, _ = w.Write([]byte(`{"token":"qt"}`))
	}))
	defer srv.Close()
	p := &Qwen{base: newBase(Settings{Name: "qwen", BaseURL: srv.URL, Email: "a@b.c", Password: "secret"}, newTestClient(t), qwenDefaultURL)}
	cred, err := p.Login(context.Background())
	if err != nil || cred.BearerToken != "qt" {
		t.Fatalf("Login = %+v, %v", cred, err)
	}
	// sha256("secret")
	if sent != "2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b" {
		t.Fatalf("password not hashed: %q", sent)
	}
}

func TestK2ThinkSplitsThinkTags(t *testing.T) {
	p := mustProvider(t, NewK2Think, Settings{})
	in := input(p, "MBZUAI-IFM/K2-Think", credential.Credential{})
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"<think>step one"}}]}`,
		`data: {"choices":[{"delta":{"content":" step two</think><answer>4"}}]}`,
		`data: {"choices":[{"delta":{"content":"</answer>"}}]}`,
		`data: [DONE]`,
	}, "\n")
	content, reasoning, _ := transcodeAll(t, p, in, body)
	if content != "4" || reasoning != "step one step two" {
		t.Fatalf("content=%q reasoning=%q", content, reasoning)
	}
}

func TestK2ThinkTagsSplitAcrossChunks(t *testing.T) {
	p := mustProvider(t, NewK2Think, Settings{})
	in := input(p, "MBZUAI-IFM/K2-Think", credential.Credential{})
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"<thi"}}]}`,
		`data: {"choices":[{"delta":{"content":"nk>secret plan</th"}}]}`,
		`data: {"choices":[{"delta":{"content":"ink><ans"}}]}`,
		`data: {"choices":[{"delta":{"content":"wer>4</answer"}}]}`,
		`data: {"choices":[{"delta":{"content":"> and a < sign"}}]}`,
		`data: [DONE]`,
	}, "\n")
	content, reasoning, _ := transcodeAll(t, p, in, body)
	if content != "4 and a < sign" || reasoning != "secret plan" {
		t.Fatalf("content=%q reasoning=%q", content, reasoning)
	}
}

func TestK2ThinkBuildRequest(t *testing.T) {
	p := mustProvider(t, NewK2Think, Settings{})
	req, err := p.BuildRequest(input(p, "MBZUAI-IFM/K2-Think-search", credential.Credential{BearerToken: "k"}))
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	body := gjson.ParseBytes(req.Body)
	if body.Get("model").String() != "MBZUAI-IFM/K2-Think" || !body.Get("features.web_search").Bool() {
		t.Fatalf("unexpected body: %s", req.Body)
	}
	if _, err := p.BuildRequest(input(p, "MBZUAI-IFM/K2-Think-image", credential.Credential{})); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestGrokBuildRequestFlattensConversation(t *testing.T) {
	p := mustProvider(t, NewGrok, Settings{})
	msgs := []openai.ChatMessage{
		{Role: openai.RoleSystem, Content: openai.TextContent("be brief")},
		{Role: openai.RoleUser, Content: openai.TextContent("hi")},
	}
	in := BuildInput{Chat: chatRequest("grok-4-thinking", msgs...), Parsed: model.Parse("grok-4-thinking"), Credential: credential.Credential{Cookies: map[string]string{"sso": "s", "sso-rw": "s"}}}
	req, err := p.BuildRequest(in)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	body := gjson.ParseBytes(req.Body)
	if body.Get("message").String() != "system: be brief\n\nuser: hi" {
		t.Fatalf("message = %q", body.Get("message").String())
	}
	if !body.Get("isReasoning").Bool() || !body.Get("disableSearch").Bool() || body.Get("modelName").String() != "grok-4" {
		t.Fatalf("unexpected body: %s", req.Body)
	}
	if req.Header.Get("Cookie") != "sso=s; sso-rw=s" || req.Header.Get("x-statsig-id") != grokDefaultStatsig {
		t.Fatalf("unexpected headers: %v", req.Header)
	}
}

func TestGrokExtractNDJSON(t *testing.T) {
	p := mustProvider(t, NewGrok, Settings{})
	in := input(p, "grok-4-image", credential.Credential{})
	body := strings.Join([]string{
		`{"result":{"response":{"token":"hmm","isThinking":true}}}`,
		`{"result":{"response":{"token":"Here you go","isThinking":false}}}`,
		`{"result":{"response":{"modelResponse":{"generatedImageUrls":["users/u/generated/a.jpg","users/u/generated/a.jpg"]}}}}`,
		`{"result":{"response":{"finalMetadata":{}}}}`,
	}, "\n")
	content, reasoning, _ := transcodeAll(t, p, in, body)
	if content != "Here you go![image](https://assets.grok.com/users/u/generated/a.jpg)\n" {
		t.Fatalf("content = %q", content)
	}
	if reasoning != "hmm" {
		t.Fatalf("reasoning = %q", reasoning)
	}
}

func TestLongCatNeedsConversation(t *testing.T) {
	p := mustProvider(t, NewLongCat, Settings{})
	in := input(p, "LongCat-Flash-Chat-thinking", credential.Credential{Cookies: map[string]string{"passport_token_key": "pk"}})
	if _, err := p.BuildRequest(in); !errors.Is(err, ErrSessionRequired) {
		t.Fatalf("expected ErrSessionRequired, got %v", err)
	}
	in.ChatID = "conv-1"
	req, err := p.BuildRequest(in)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	body := gjson.ParseBytes(req.Body)
	if body.Get("conversationId").String() != "conv-1" || body.Get("reasonEnabled").Int() != 1 || body.Get("searchEnabled").Int() != 0 {
		t.Fatalf("unexpected body: %s", req.Body)
	}
	if req.Header.Get("Cookie") != "passport_token_key=pk" {
		t.Fatalf("cookie = %q", req.Header.Get("Cookie"))
	}
}

func TestLongCatSessionAndExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"data":{"conversationId":"conv-9"}}`))
	}))
	defer srv.Close()
	p := &LongCat{base: newBase(Settings{Name: "longcat", BaseURL: srv.URL}, newTestClient(t), longcatDefaultURL)}
	in := input(p, "LongCat-Flash-Chat", credential.Credential{})
	id, err := p.CreateSession(context.Background(), in)
	if err != nil || id != "conv-9" {
		t.Fatalf("CreateSession = %q, %v", id, err)
	}
	in.ChatID = id
	body := `data: {"choices":[{"delta":{"content":"hel"}}]}` + "\n" +
		`data: {"choices":[{"delta":{"content":"lo"}}],"lastOne":true}` + "\n" +
		`data: {"choices":[{"delta":{"content":"extra"}}]}` + "\n"
	content, _, _ := transcodeAll(t, p, in, body)
	if content != "hello" {
		t.Fatalf("content = %q", content)
	}
}

func TestUpstreamStreamErrorFinishesWithError(t *testing.T) {
	p := mustProvider(t, NewZAI, Settings{})
	in := input(p, "glm-4.6", credential.Credential{})
	_, _, finish := transcodeAll(t, p, in, `data: {"type":"chat:completion","data":{"error":{"detail":"quota","code":429}}}`+"\n")
	if finish != "error" {
		t.Fatalf("finish = %q", finish)
	}
}

func TestModelsExpandSuffixes(t *testing.T) {
	p := mustProvider(t, NewQwen, Settings{Models: []string{"qwen-max"}, Suffixes: []string{"thinking", "image"}})
	got := p.Models()
	if len(got) != 3 || got[1] != "qwen-max-thinking" || got[2] != "qwen-max-image" {
		t.Fatalf("Models = %v", got)
	}
}
