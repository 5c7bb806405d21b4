package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/model"
	"github.com/lkarlslund/chatbridge/pkg/openai"
	"github.com/lkarlslund/chatbridge/pkg/stream"
	"github.com/tidwall/gjson"
)

const longcatDefaultURL = "https://longcat.chat"

// LongCat needs a conversation for every exchange, including plain text.
type LongCat struct {
	base
}

func NewLongCat(s Settings, c *Client) (Provider, error) {
	b := newBase(s, c, longcatDefaultURL)
	b.defaultValue("m-appkey", "fe_com.sankuai.friday.fe.longcat")
	return &LongCat{base: b}, nil
}

func (p *LongCat) Type() string { return "longcat" }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (p *LongCat) headers(c credential.Credential, referer string) http.Header {
	h := p.browserHeaders(c, referer)
	h.Set("x-client-language", "en")
	h.Set("m-appkey", p.dynamic(c, "m-appkey"))
	return h
}

func (p *LongCat) BuildRequest(in BuildInput) (*Request, error) {
	switch in.Parsed.ChatType {
	case model.ChatTypeText, model.ChatTypeSearch, model.ChatTypeDeepResearch:
	default:
		return nil, fmt.Errorf("%s: %s: %w", p.Name(), in.Parsed.ChatType, ErrUnsupported)
	}
	if in.ChatID == "" {
		return nil, ErrSessionRequired
	}
	body := map[string]any{
		"conversationId":  in.ChatID,
		"content":         flattenConversation(in.Chat.Messages),
		"reasonEnabled":   boolInt(in.Parsed.Thinking),
		"searchEnabled":   boolInt(in.Parsed.Search || in.Parsed.DeepResearch),
		"parentMessageId": 0,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Request{
		Method: http.MethodPost,
		URL:    p.url("/api/v1/chat-completion"),
		Header: p.headers(in.Credential, p.url("/c/"+in.ChatID)),
		Body:   raw,
	}, nil
}

func (p *LongCat) CreateSession(ctx context.Context, in BuildInput) (string, error) {
	payload, _ := json.Marshal(map[string]string{"model": p.upstreamModel(in.Parsed.BaseModel), "agentId": ""})
	req := &Request{Method: http.MethodPost, URL: p.url("/api/v1/session-create"), Header: p.headers(in.Credential, ""), Body: payload}
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
	id := gjson.GetBytes(b, "data.conversationId").String()
	if id == "" {
		return "", &SessionError{Provider: p.Name(), Err: fmt.Errorf("no conversation id in response: %s", truncateBody(b))}
	}
	return id, nil
}

func (p *LongCat) StreamOptions(in BuildInput) stream.Options {
	return stream.Options{ChatID: in.ChatID, Extract: p.extract}
}

func (p *LongCat) extract(ev gjson.Result, acc *stream.Accumulator) (stream.Delta, bool) {
	if msg := firstString(ev, "error.message", "message"); msg != "" && ev.Get("code").Int() != 0 {
		log.Warn("upstream stream error", "provider", p.Name(), "error", msg)
		return stream.Delta{FinishReason: openai.FinishReasonError, Done: true}, true
	}
	d, ok := stream.DefaultExtractor(ev, acc)
	if !ok {
		return d, ok
	}
	if r := ev.Get("choices.0.delta.reasoningContent"); r.Type == gjson.String {
		d.Reasoning = r.String()
	}
	if ev.Get("lastOne").Bool() || ev.Get("event.type").String() == "finish" {
		d.Done = true
	}
	return d, true
}
