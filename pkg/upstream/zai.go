package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/model"
	"github.com/lkarlslund/chatbridge/pkg/openai"
	"github.com/lkarlslund/chatbridge/pkg/stream"
	"github.com/tidwall/gjson"
)

const (
	zaiDefaultURL       = "https://chat.z.ai"
	zaiDefaultFEVersion = "prod-fe-1.0.70"
	extraFEVersion      = "fe_version"
)

var feVersionPattern = regexp.MustCompile(`prod-fe-\d+\.\d+\.\d+`)

type ZAI struct {
	base
}

func NewZAI(s Settings, c *Client) (Provider, error) {
	b := newBase(s, c, zaiDefaultURL)
	b.defaultValue(extraFEVersion, zaiDefaultFEVersion)
	return &ZAI{base: b}, nil
}

func (p *ZAI) Type() string { return "zai" }

type zaiMessage struct {
	Role    string         `json:"role"`
	Content openai.Content `json:"content"`
}

type zaiModelItem struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnedBy string `json:"owned_by"`
}

type zaiBody struct {
	Stream          bool              `json:"stream"`
	Model           string            `json:"model"`
	Messages        []zaiMessage      `json:"messages"`
	Params          map[string]any    `json:"params"`
	Features        map[string]any    `json:"features"`
	BackgroundTasks map[string]bool   `json:"background_tasks"`
	ChatID          string            `json:"chat_id"`
	ID              string            `json:"id"`
	MCPServers      []string          `json:"mcp_servers,omitempty"`
	ModelItem       zaiModelItem      `json:"model_item"`
	Variables       map[string]string `json:"variables"`
}

func (p *ZAI) BuildRequest(in BuildInput) (*Request, error) {
	switch in.Parsed.ChatType {
	case model.ChatTypeImageEdit, model.ChatTypeVideo:
		return nil, fmt.Errorf("%s: %s: %w", p.Name(), in.Parsed.ChatType, ErrUnsupported)
	}
	chatID := in.ChatID
	if chatID == "" {
		chatID = uuid.NewString()
	}
	upstreamModel := p.upstreamModel(in.Parsed.BaseModel)
	msgs := make([]zaiMessage, 0, len(in.Chat.Messages))
	for _, m := range in.Chat.Messages {
		c := m.Content
		if c.IsMultipart() && len(c.ImageURLs()) == 0 {
			c = openai.TextContent(c.FlatText())
		}
		msgs = append(msgs, zaiMessage{Role: m.Role, Content: c})
	}
	search := in.Parsed.Search || in.Parsed.DeepResearch
	body := zaiBody{
		Stream:   true,
		Model:    upstreamModel,
		Messages: msgs,
		Params:   map[string]any{},
		Features: map[string]any{
			"enable_thinking":  in.Parsed.Thinking,
			"web_search":       search,
			"auto_web_search":  search,
			"image_generation": in.Parsed.Image,
			"preview_mode":     false,
			"flags":            []string{},
		},
		BackgroundTasks: map[string]bool{"title_generation": false, "tags_generation": false},
		ChatID:          chatID,
		ID:              uuid.NewString(),
		ModelItem:       zaiModelItem{ID: upstreamModel, Name: in.Parsed.BaseModel, OwnedBy: "openai"},
		Variables: map[string]string{
			"{{USER_NAME}}":        "User",
			"{{USER_LOCATION}}":    "Unknown",
			"{{CURRENT_DATETIME}}": p.now().Format("2006-01-02 15:04:05"),
		},
	}
	if search {
		body.MCPServers = []string{"deep-web-search"}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if raw, err = applySampling(raw, "params.", in.Chat); err != nil {
		return nil, err
	}
	h := p.browserHeaders(in.Credential, p.url("/c/"+chatID))
	h.Set("X-FE-Version", p.dynamic(in.Credential, extraFEVersion))
	return &Request{Method: http.MethodPost, URL: p.url("/api/chat/completions"), Header: h, Body: raw}, nil
}

func (p *ZAI) StreamOptions(in BuildInput) stream.Options {
	return stream.Options{ChatID: in.ChatID, Extract: p.extract}
}

var (
	zaiSummary = regexp.MustCompile(`(?s)<summary>.*?</summary>`)
	zaiDetails = regexp.MustCompile(`<details[^>]*>`)
)

// cleanThinking strips the HTML wrapper the web UI uses for reasoning.
func cleanThinking(s string) string {
	s = zaiSummary.ReplaceAllString(s, "")
	s = zaiDetails.ReplaceAllString(s, "")
	for _, tag := range []string{"</details>", "</thinking>", "<Full>", "</Full>"} {
		s = strings.ReplaceAll(s, tag, "")
	}
	s = strings.TrimPrefix(s, "> ")
	return strings.ReplaceAll(s, "\n> ", "\n")
}

func (p *ZAI) extract(ev gjson.Result, acc *stream.Accumulator) (stream.Delta, bool) {
	if errMsg := firstString(ev, "error.detail", "error.message", "data.error.detail", "data.data.error.detail"); errMsg != "" {
		log.Warn("upstream stream error", "provider", p.Name(), "error", errMsg)
		return stream.Delta{FinishReason: openai.FinishReasonError, Done: true}, true
	}
	data := ev.Get("data")
	if !data.Exists() {
		return stream.DefaultExtractor(ev, acc)
	}
	var d stream.Delta
	phase := data.Get("phase").String()
	delta := data.Get("delta_content").String()
	switch phase {
	case "thinking":
		d.Reasoning = cleanThinking(delta)
	default:
		d.Content = delta
	}
	// The first answer event may carry the answer start in edit_content
	// after the closed reasoning block.
	if phase == "answer" && acc.Scratch["zai_answer_started"] == "" {
		acc.Scratch["zai_answer_started"] = "1"
		if edit := data.Get("edit_content").String(); edit != "" && d.Content == "" {
			if i := strings.LastIndex(edit, "</details>"); i >= 0 {
				d.Content = strings.TrimLeft(edit[i+len("</details>"):], "\n")
			}
		}
	}
	d.Usage = stream.UsageFrom(data)
	if data.Get("done").Bool() || phase == "done" {
		d.Done = true
	}
	return d, true
}

func firstString(ev gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := ev.Get(p); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// Login signs in with email/password, falling back to a guest token.
func (p *ZAI) Login(ctx context.Context) (credential.Credential, error) {
	var cred credential.Credential
	var err error
	if p.s.Email != "" && p.s.Password != "" {
		cred, err = p.signin(ctx)
		if err != nil && !p.s.Guest {
			return credential.Credential{}, err
		}
	}
	if cred.BearerToken == "" {
		if cred, err = p.guest(ctx); err != nil {
			return credential.Credential{}, err
		}
	}
	cred.Extra = map[string]string{}
	if v, err := p.discoverFEVersion(ctx); err == nil {
		cred.Extra[extraFEVersion] = v
	} else {
		log.Debug("front-end version discovery failed", "provider", p.Name(), "err", err)
	}
	return cred, nil
}

func (p *ZAI) signin(ctx context.Context) (credential.Credential, error) {
	payload, _ := json.Marshal(map[string]string{"email": p.s.Email, "password": p.s.Password})
	return p.tokenCall(ctx, http.MethodPost, "/api/v1/auths/signin", payload)
}

func (p *ZAI) guest(ctx context.Context) (credential.Credential, error) {
	return p.tokenCall(ctx, http.MethodGet, "/api/v1/auths/", nil)
}

func (p *ZAI) tokenCall(ctx context.Context, method, path string, payload []byte) (credential.Credential, error) {
	h := p.browserHeaders(credential.Credential{}, "")
	h.Set("Accept", "*/*")
	h.Set("X-FE-Version", p.s.Defaults[extraFEVersion])
	resp, err := p.client.Do(ctx, p.Name(), &Request{Method: method, URL: p.url(path), Header: h, Body: payload}, p.s.AuthTimeout)
	if err != nil {
		return credential.Credential{}, err
	}
	cookies := cookiesFrom(resp)
	b, err := ReadAll(p.Name(), resp)
	if err != nil {
		return credential.Credential{}, err
	}
	token := gjson.GetBytes(b, "token").String()
	if token == "" {
		return credential.Credential{}, errors.New("login response carried no token")
	}
	return credential.Credential{BearerToken: token, Cookies: cookies}, nil
}

// discoverFEVersion scrapes the web app for the current front-end build id.
func (p *ZAI) discoverFEVersion(ctx context.Context) (string, error) {
	h := p.browserHeaders(credential.Credential{}, "")
	h.Set("Accept", "text/html,application/xhtml+xml")
	h.Del("Content-Type")
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	resp, err := p.client.Do(ctx, p.Name(), &Request{Method: http.MethodGet, URL: p.url("/"), Header: h}, p.s.AuthTimeout)
	if err != nil {
		return "", err
	}
	page, err := ReadAll(p.Name(), resp)
	if err != nil {
		return "", err
	}
	return parseFEVersion(page)
}

func parseFEVersion(page []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", err
	}
	found := ""
	doc.Find("script[src], link[href], meta[content]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, attr := range []string{"src", "href", "content"} {
			if v, ok := s.Attr(attr); ok {
				if m := feVersionPattern.FindString(v); m != "" {
					found = m
					return false
				}
			}
		}
		return true
	})
	if found == "" {
		found = string(feVersionPattern.Find(page))
	}
	if found == "" {
		return "", errors.New("front-end version not found")
	}
	return found, nil
}
