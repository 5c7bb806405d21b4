package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/model"
	"github.com/lkarlslund/chatbridge/pkg/openai"
	"github.com/lkarlslund/chatbridge/pkg/stream"
	"github.com/tidwall/gjson"
)

const (
	qwenDefaultURL        = "https://chat.qwen.ai"
	qwenMaxThinkingBudget = 38912
	qwenDefaultBxV        = "2.5.31"
)

type Qwen struct {
	base
}

func NewQwen(s Settings, c *Client) (Provider, error) {
	b := newBase(s, c, qwenDefaultURL)
	b.defaultValue("bx-v", qwenDefaultBxV)
	return &Qwen{base: b}, nil
}

func (p *Qwen) Type() string { return "qwen" }

type qwenFeatureConfig struct {
	ThinkingEnabled bool   `json:"thinking_enabled"`
	OutputSchema    string `json:"output_schema"`
	ThinkingBudget  int    `json:"thinking_budget,omitempty"`
}

type qwenFile struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	ID   string `json:"id"`
}

type qwenMessage struct {
	FID           string            `json:"fid"`
	ParentID      *string           `json:"parentId"`
	ChildrenIDs   []string          `json:"childrenIds"`
	Role          string            `json:"role"`
	Content       string            `json:"content"`
	UserAction    string            `json:"user_action"`
	Files         []qwenFile        `json:"files"`
	Timestamp     int64             `json:"timestamp"`
	Models        []string          `json:"models"`
	ChatType      string            `json:"chat_type"`
	FeatureConfig qwenFeatureConfig `json:"feature_config"`
	SubChatType   string            `json:"sub_chat_type"`
}

type qwenBody struct {
	Stream            bool          `json:"stream"`
	IncrementalOutput bool          `json:"incremental_output"`
	ChatID            string        `json:"chat_id"`
	ChatMode          string        `json:"chat_mode"`
	Model             string        `json:"model"`
	ParentID          *string       `json:"parent_id"`
	Messages          []qwenMessage `json:"messages"`
	Timestamp         int64         `json:"timestamp"`
	Size              string        `json:"size,omitempty"`
}

func (p *Qwen) BuildRequest(in BuildInput) (*Request, error) {
	if in.Parsed.NeedsSession() && in.ChatID == "" {
		return nil, ErrSessionRequired
	}
	chatID := in.ChatID
	if chatID == "" {
		chatID = uuid.NewString()
	}
	upstreamModel := p.upstreamModel(in.Parsed.BaseModel)
	chatType := string(in.Parsed.ChatType)
	ts := p.now().Unix()

	fc := qwenFeatureConfig{ThinkingEnabled: in.Parsed.Thinking, OutputSchema: "phase"}
	if in.Parsed.Thinking && p.s.ThinkingBudget > 0 {
		fc.ThinkingBudget = clamp(p.s.ThinkingBudget, qwenMaxThinkingBudget)
	}

	msgs := make([]qwenMessage, 0, len(in.Chat.Messages))
	for _, m := range in.Chat.Messages {
		var files []qwenFile
		for _, u := range m.Content.ImageURLs() {
			files = append(files, qwenFile{Type: "image", URL: u, ID: uuid.NewString()})
		}
		if files == nil {
			files = []qwenFile{}
		}
		msgs = append(msgs, qwenMessage{
			FID:           uuid.NewString(),
			ChildrenIDs:   []string{},
			Role:          m.Role,
			Content:       m.Content.FlatText(),
			UserAction:    "chat",
			Files:         files,
			Timestamp:     ts,
			Models:        []string{upstreamModel},
			ChatType:      chatType,
			FeatureConfig: fc,
			SubChatType:   chatType,
		})
	}
	body := qwenBody{
		Stream:            true,
		IncrementalOutput: true,
		ChatID:            chatID,
		ChatMode:          "normal",
		Model:             upstreamModel,
		Messages:          msgs,
		Timestamp:         ts,
	}
	if in.Parsed.ChatType == model.ChatTypeImage || in.Parsed.ChatType == model.ChatTypeVideo {
		body.Size = "16:9"
		if in.Parsed.ChatType == model.ChatTypeImage {
			body.Size = "1:1"
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if raw, err = applySampling(raw, "", in.Chat); err != nil {
		return nil, err
	}
	return &Request{
		Method: http.MethodPost,
		URL:    p.url("/api/v2/chat/completions?chat_id=" + url.QueryEscape(chatID)),
		Header: p.headers(in.Credential, p.url("/c/"+chatID)),
		Body:   raw,
	}, nil
}

func (p *Qwen) headers(c credential.Credential, referer string) http.Header {
	h := p.browserHeaders(c, referer)
	h.Set("source", "web")
	h.Set("x-request-id", uuid.NewString())
	for _, k := range []string{"bx-ua", "bx-umidtoken", "bx-v"} {
		if v := p.dynamic(c, k); v != "" {
			h.Set(k, v)
		}
	}
	return h
}

// CreateSession allocates the chat that image, edit and video requests are
// attached to.
func (p *Qwen) CreateSession(ctx context.Context, in BuildInput) (string, error) {
	upstreamModel := p.upstreamModel(in.Parsed.BaseModel)
	payload, _ := json.Marshal(map[string]any{
		"title":     "New Chat",
		"models":    []string{upstreamModel},
		"chat_mode": "normal",
		"chat_type": string(in.Parsed.ChatType),
		"timestamp": p.now().UnixMilli(),
	})
	req := &Request{Method: http.MethodPost, URL: p.url("/api/v2/chats/new"), Header: p.headers(in.Credential, ""), Body: payload}
	resp, err := p.client.Do(ctx, p.Name(), req, p.s.AuthTimeout)
	if err != nil {
		if IsAuthFailure(err) {
			return "", err
		}
		return "", &SessionError{Provider: p.Name(), Err: err}
	}
	b, err := ReadAll(p.Name(), resp)
	if err != nil {
		return "", &SessionError{Provider: p.Name(), Err: err}
	}
	id := gjson.GetBytes(b, "data.id").String()
	if id == "" {
		id = gjson.GetBytes(b, "id").String()
	}
	if id == "" {
		return "", &SessionError{Provider: p.Name(), Err: fmt.Errorf("no chat id in response: %s", truncateBody(b))}
	}
	log.Debug("created upstream chat", "provider", p.Name(), "chat_id", id, "chat_type", in.Parsed.ChatType)
	return id, nil
}

func (p *Qwen) StreamOptions(in BuildInput) stream.Options {
	return stream.Options{
		ChatID:    in.ChatID,
		Extract:   p.extract,
		ImageMode: in.Parsed.ChatType == model.ChatTypeImage || in.Parsed.ChatType == model.ChatTypeImageEdit,
	}
}

func (p *Qwen) extract(ev gjson.Result, acc *stream.Accumulator) (stream.Delta, bool) {
	if created := ev.Get("response\\.created"); created.Exists() {
		acc.Scratch["response_id"] = created.Get("response_id").String()
		return stream.Delta{}, false
	}
	if msg := firstString(ev, "error.message", "data.details", "error.details"); msg != "" || ev.Get("success").Type == gjson.False {
		log.Warn("upstream stream error", "provider", p.Name(), "error", msg)
		return stream.Delta{FinishReason: openai.FinishReasonError, Done: true}, true
	}
	delta := ev.Get("choices.0.delta")
	if !delta.Exists() {
		return stream.DefaultExtractor(ev, acc)
	}
	var d stream.Delta
	content := delta.Get("content").String()
	switch delta.Get("phase").String() {
	case "think":
		d.Reasoning = content
	case "image_gen":
		if strings.TrimSpace(content) != "" {
			d.ImageURLs = []string{strings.TrimSpace(content)}
		}
	case "video_gen":
		if u := strings.TrimSpace(content); stream.LooksLikeImageURL(u) && acc.MarkImage(u) {
			d.Content = "[video](" + u + ")\n"
		}
	default:
		d.Content = content
	}
	if fr := ev.Get("choices.0.finish_reason"); fr.Type == gjson.String {
		d.FinishReason = fr.String()
	}
	d.Usage = stream.UsageFrom(ev.Get("usage"))
	return d, true
}

// Login signs in with the SHA-256 of the password, as the web client does.
func (p *Qwen) Login(ctx context.Context) (credential.Credential, error) {
	if p.s.Email == "" || p.s.Password == "" {
		return credential.Credential{}, errors.New("qwen login needs email and password")
	}
	sum := sha256.Sum256([]byte(p.s.Password))
	payload, _ := json.Marshal(map[string]string{"email": p.s.Email, "password": hex.EncodeToString(sum[:])})
	req := &Request{Method: http.MethodPost, URL: p.url("/api/v1/auths/signin"), Header: p.headers(credential.Credential{}, ""), Body: payload}
	resp, err := p.client.Do(ctx, p.Name(), req, p.s.AuthTimeout)
	if err != nil {
		return credential.Credential{}, err
	}
	cookies := cookiesFrom(resp)
	b, err := ReadAll(p.Name(), resp)
	if err != nil {
		return credential.Credential{}, err
	}
	token := gjson.GetBytes(b, "token").String()
	if token == "" && cookies != nil {
		token = cookies["token"]
	}
	if token == "" {
		return credential.Credential{}, errors.New("login response carried no token")
	}
	return credential.Credential{BearerToken: token, Cookies: cookies}, nil
}
