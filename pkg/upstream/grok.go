package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lkarlslund/chatbridge/pkg/model"
	"github.com/lkarlslund/chatbridge/pkg/openai"
	"github.com/lkarlslund/chatbridge/pkg/stream"
	"github.com/tidwall/gjson"
)

const (
	grokDefaultURL     = "https://grok.com"
	grokAssetsURL      = "https://assets.grok.com/"
	grokDefaultStatsig = "ZTpUeXBlRXJyb3I6IENhbm5vdCByZWFkIHByb3BlcnRpZXMgb2YgdW5kZWZpbmVkIChyZWFkaW5nICdjaGlsZE5vZGVzJyk="
)

// Grok authenticates with the sso cookies of a browser session; there is no
// HTTP login, so credentials come from config or the login command.
type Grok struct {
	base
}

func NewGrok(s Settings, c *Client) (Provider, error) {
	b := newBase(s, c, grokDefaultURL)
	b.defaultValue("x-statsig-id", grokDefaultStatsig)
	return &Grok{base: b}, nil
}

func (p *Grok) Type() string { return "grok" }

func (p *Grok) BuildRequest(in BuildInput) (*Request, error) {
	switch in.Parsed.ChatType {
	case model.ChatTypeImageEdit, model.ChatTypeVideo:
		return nil, fmt.Errorf("%s: %s: %w", p.Name(), in.Parsed.ChatType, ErrUnsupported)
	}
	message := flattenConversation(in.Chat.Messages)
	if urls := allImageURLs(in.Chat.Messages); len(urls) > 0 {
		message += "\n\n" + strings.Join(urls, "\n")
	}
	deepsearch := ""
	if in.Parsed.DeepResearch {
		deepsearch = "default"
	}
	body := map[string]any{
		"temporary":                 true,
		"modelName":                 p.upstreamModel(in.Parsed.BaseModel),
		"message":                   message,
		"fileAttachments":           []string{},
		"imageAttachments":          []string{},
		"disableSearch":             !(in.Parsed.Search || in.Parsed.DeepResearch),
		"enableImageGeneration":     in.Parsed.Image,
		"returnImageBytes":          false,
		"returnRawGrokInXaiRequest": false,
		"enableImageStreaming":      true,
		"imageGenerationCount":      2,
		"forceConcise":              false,
		"toolOverrides":             map[string]any{},
		"enableSideBySide":          true,
		"sendFinalMetadata":         true,
		"isReasoning":               in.Parsed.Thinking,
		"webpageUrls":               []string{},
		"disableTextFollowUps":      true,
		"deepsearchPreset":          deepsearch,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	h := p.browserHeaders(in.Credential, p.url("/"))
	h.Set("x-statsig-id", p.dynamic(in.Credential, "x-statsig-id"))
	h.Set("x-xai-request-id", uuid.NewString())
	h.Set("Accept", "*/*")
	return &Request{Method: http.MethodPost, URL: p.url("/rest/app-chat/conversations/new"), Header: h, Body: raw}, nil
}

func (p *Grok) StreamOptions(in BuildInput) stream.Options {
	return stream.Options{ChatID: in.ChatID, Extract: p.extract}
}

func (p *Grok) extract(ev gjson.Result, acc *stream.Accumulator) (stream.Delta, bool) {
	if msg := firstString(ev, "error.message"); msg != "" {
		log.Warn("upstream stream error", "provider", p.Name(), "error", msg)
		return stream.Delta{FinishReason: openai.FinishReasonError, Done: true}, true
	}
	resp := ev.Get("result.response")
	if !resp.Exists() {
		return stream.DefaultExtractor(ev, acc)
	}
	var d stream.Delta
	if tok := resp.Get("token"); tok.Type == gjson.String {
		if resp.Get("isThinking").Bool() {
			d.Reasoning = tok.String()
		} else {
			d.Content = tok.String()
		}
	}
	resp.Get("modelResponse.generatedImageUrls").ForEach(func(_, v gjson.Result) bool {
		d.ImageURLs = append(d.ImageURLs, grokAssetURL(v.String()))
		return true
	})
	if resp.Get("finalMetadata").Exists() {
		d.Done = true
	}
	return d, true
}

func grokAssetURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return grokAssetsURL + strings.TrimLeft(u, "/")
}
