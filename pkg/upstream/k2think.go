package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/model"
	"github.com/lkarlslund/chatbridge/pkg/stream"
	"github.com/tidwall/gjson"
)

const k2DefaultURL = "https://www.k2think.ai"

type K2Think struct {
	base
}

func NewK2Think(s Settings, c *Client) (Provider, error) {
	return &K2Think{base: newBase(s, c, k2DefaultURL)}, nil
}

func (p *K2Think) Type() string { return "k2think" }

type k2Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p *K2Think) BuildRequest(in BuildInput) (*Request, error) {
	switch in.Parsed.ChatType {
	case model.ChatTypeText, model.ChatTypeSearch:
	default:
		return nil, fmt.Errorf("%s: %s: %w", p.Name(), in.Parsed.ChatType, ErrUnsupported)
	}
	chatID := in.ChatID
	if chatID == "" {
		chatID = uuid.NewString()
	}
	upstreamModel := p.upstreamModel(in.Parsed.BaseModel)
	msgs := make([]k2Message, 0, len(in.Chat.Messages))
	for _, m := range in.Chat.Messages {
		msgs = append(msgs, k2Message{Role: m.Role, Content: m.Content.FlatText()})
	}
	body := map[string]any{
		"stream":   true,
		"model":    upstreamModel,
		"messages": msgs,
		"params":   map[string]any{},
		"chat_id":  chatID,
		"id":       uuid.NewString(),
		"features": map[string]bool{
			"image_generation": false,
			"code_interpreter": false,
			"web_search":       in.Parsed.Search,
		},
		"model_item":       map[string]string{"id": upstreamModel, "object": "model", "owned_by": "MBZUAI"},
		"background_tasks": map[string]bool{"title_generation": false, "tags_generation": false},
		"variables": map[string]string{
			"{{USER_NAME}}":        "User",
			"{{CURRENT_DATETIME}}": p.now().Format("2006-01-02 15:04:05"),
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if raw, err = applySampling(raw, "params.", in.Chat); err != nil {
		return nil, err
	}
	return &Request{
		Method: http.MethodPost,
		URL:    p.url("/api/chat/completions"),
		Header: p.browserHeaders(in.Credential, p.url("/c/"+chatID)),
		Body:   raw,
	}, nil
}

func (p *K2Think) StreamOptions(in BuildInput) stream.Options {
	return stream.Options{ChatID: in.ChatID, Extract: p.extract}
}

const (
	k2ThinkOpen    = "<think>"
	k2ThinkClose   = "</think>"
	k2AnswerOpen   = "<answer>"
	k2AnswerClose  = "</answer>"
	scratchK2Think = "k2_think"
	scratchK2Carry = "k2_carry"
)

// extract splits the inline <think>...</think> block into reasoning. A tag
// cut off at the end of a chunk is held back and completed by the next one.
func (p *K2Think) extract(ev gjson.Result, acc *stream.Accumulator) (stream.Delta, bool) {
	d, ok := stream.DefaultExtractor(ev, acc)
	if !ok {
		return d, ok
	}
	text := acc.Scratch[scratchK2Carry] + d.Content
	delete(acc.Scratch, scratchK2Carry)
	if text == "" {
		return d, true
	}
	final := d.Done || d.FinishReason != ""
	var content, reasoning strings.Builder
	inThink := acc.Scratch[scratchK2Think] == "1"
	for text != "" {
		tag, out, partial := k2ThinkOpen, &content, []string{k2ThinkOpen, k2AnswerOpen, k2AnswerClose}
		if inThink {
			tag, out, partial = k2ThinkClose, &reasoning, []string{k2ThinkClose}
		}
		i := strings.Index(text, tag)
		if i < 0 {
			keep := 0
			if !final {
				keep = partialTagSuffix(text, partial...)
			}
			out.WriteString(text[:len(text)-keep])
			if keep > 0 {
				acc.Scratch[scratchK2Carry] = text[len(text)-keep:]
			}
			break
		}
		out.WriteString(text[:i])
		text = text[i+len(tag):]
		inThink = !inThink
	}
	if inThink {
		acc.Scratch[scratchK2Think] = "1"
	} else {
		delete(acc.Scratch, scratchK2Think)
	}
	d.Content = strings.ReplaceAll(strings.ReplaceAll(content.String(), k2AnswerOpen, ""), k2AnswerClose, "")
	d.Reasoning += reasoning.String()
	return d, true
}

// partialTagSuffix returns the length of the longest proper prefix of any tag
// that text ends with.
func partialTagSuffix(text string, tags ...string) int {
	best := 0
	for _, tag := range tags {
		for k := len(tag) - 1; k > best; k-- {
			if strings.HasSuffix(text, tag[:k]) {
				best = k
				break
			}
		}
	}
	return best
}

func (p *K2Think) Login(ctx context.Context) (credential.Credential, error) {
	if p.s.Email == "" || p.s.Password == "" {
		return credential.Credential{}, errors.New("k2think login needs email and password")
	}
	payload, _ := json.Marshal(map[string]string{"email": p.s.Email, "password": p.s.Password})
	req := &Request{Method: http.MethodPost, URL: p.url("/api/v1/auths/signin"), Header: p.browserHeaders(credential.Credential{}, ""), Body: payload}
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
	if token == "" {
		return credential.Credential{}, errors.New("login response carried no token")
	}
	return credential.Credential{BearerToken: token, Cookies: cookies}, nil
}
