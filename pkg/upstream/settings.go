package upstream

import (
	"net/http"
	"strings"
	"time"

	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/model"
	"github.com/lkarlslund/chatbridge/pkg/openai"
	"github.com/tidwall/sjson"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36 Edg/139.0.0.0"

// Settings is the resolved configuration of one upstream provider.
type Settings struct {
	Name          string
	Type          string
	BaseURL       string
	Email         string
	Password      string
	Guest         bool
	Models        []string
	Suffixes      []string
	ModelPrefixes []string
	ModelMap      map[string]string
	// Defaults lists last-known-good values for dynamic headers the login
	// flow normally captures (bx-ua, x-statsig-id, ...).
	Defaults       map[string]string
	Headers        map[string]string
	ThinkingBudget int
	ChatTimeout    time.Duration
	AuthTimeout    time.Duration
}

// base carries what every provider implementation shares.
type base struct {
	s      Settings
	client *Client
	now    func() time.Time
}

func newBase(s Settings, client *Client, defaultURL string) base {
	s.BaseURL = strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if s.BaseURL == "" {
		s.BaseURL = defaultURL
	}
	if s.ChatTimeout <= 0 {
		s.ChatTimeout = 120 * time.Second
	}
	if s.AuthTimeout <= 0 {
		s.AuthTimeout = 30 * time.Second
	}
	defaults := make(map[string]string, len(s.Defaults))
	for k, v := range s.Defaults {
		defaults[k] = v
	}
	s.Defaults = defaults
	return base{s: s, client: client, now: time.Now}
}

func (b *base) defaultValue(key, value string) {
	if strings.TrimSpace(b.s.Defaults[key]) == "" {
		b.s.Defaults[key] = value
	}
}

func (b base) Name() string                        { return b.s.Name }
func (b base) ParseModel(name string) model.Parsed { return model.Parse(name) }
func (b base) Settings() Settings                  { return b.s }

func (b base) Models() []string {
	var out []string
	for _, m := range b.s.Models {
		out = append(out, model.Expand(m, b.s.Suffixes...)...)
	}
	return out
}

func (b base) url(path string) string {
	return b.s.BaseURL + path
}

// upstreamModel maps a client-facing base model to the upstream id.
func (b base) upstreamModel(baseModel string) string {
	if v, ok := b.s.ModelMap[strings.ToLower(baseModel)]; ok && v != "" {
		return v
	}
	return baseModel
}

// dynamic returns a captured header value, then the configured default.
func (b base) dynamic(c credential.Credential, key string) string {
	return c.ExtraOr(key, b.s.Defaults[key])
}

func (b base) userAgent(c credential.Credential) string {
	if ua := c.ExtraOr("user_agent", ""); ua != "" {
		return ua
	}
	if ua := strings.TrimSpace(b.s.Headers["User-Agent"]); ua != "" {
		return ua
	}
	return defaultUserAgent
}

// browserHeaders is the header set a desktop browser sends to the web app.
func (b base) browserHeaders(c credential.Credential, referer string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", b.userAgent(c))
	h.Set("Accept", "application/json, text/event-stream")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Content-Type", "application/json")
	h.Set("Origin", b.s.BaseURL)
	if referer == "" {
		referer = b.s.BaseURL + "/"
	}
	h.Set("Referer", referer)
	h.Set("sec-ch-ua", `"Not;A=Brand";v="99", "Microsoft Edge";v="139", "Chromium";v="139"`)
	h.Set("sec-ch-ua-mobile", "?0")
	h.Set("sec-ch-ua-platform", `"Windows"`)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	if c.BearerToken != "" {
		h.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if cookie := c.CookieHeader(); cookie != "" {
		h.Set("Cookie", cookie)
	}
	for k, v := range b.s.Headers {
		if strings.EqualFold(k, "User-Agent") {
			continue
		}
		h.Set(k, v)
	}
	return h
}

// flattenConversation renders a multi-turn chat as one prompt for backends
// that accept a single text field.
func flattenConversation(msgs []openai.ChatMessage) string {
	if len(msgs) == 1 {
		return msgs[0].Content.FlatText()
	}
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content.FlatText())
	}
	return b.String()
}

func allImageURLs(msgs []openai.ChatMessage) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.Content.ImageURLs()...)
	}
	return out
}

func cookiesFrom(resp *http.Response) map[string]string {
	out := map[string]string{}
	for _, c := range resp.Cookies() {
		if c.Value != "" {
			out[c.Name] = c.Value
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func clamp(v, limit int) int {
	if v > limit {
		return limit
	}
	return v
}

// applySampling copies optional sampling fields into body under prefix.
func applySampling(body []byte, prefix string, r openai.ChatRequest) ([]byte, error) {
	var err error
	if r.Temperature != nil {
		if body, err = sjson.SetBytes(body, prefix+"temperature", *r.Temperature); err != nil {
			return nil, err
		}
	}
	if r.TopP != nil {
		if body, err = sjson.SetBytes(body, prefix+"top_p", *r.TopP); err != nil {
			return nil, err
		}
	}
	if r.MaxTokens != nil {
		if body, err = sjson.SetBytes(body, prefix+"max_tokens", *r.MaxTokens); err != nil {
			return nil, err
		}
	}
	return body, nil
}
