// Package openai holds the subset of the OpenAI chat-completions wire format
// served to clients.
package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"

	FinishReasonStop  = "stop"
	FinishReasonError = "error"

	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	PartText     = "text"
	PartImageURL = "image_url"
)

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// Content is either a plain string or an ordered list of parts.
type Content struct {
	Text  string
	Parts []ContentPart
}

func TextContent(s string) Content { return Content{Text: s} }

func (c Content) IsMultipart() bool { return c.Parts != nil }

func (c *Content) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = Content{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Content{Text: s}
		return nil
	}
	if b[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		parts := make([]ContentPart, 0, len(raw))
		for _, r := range raw {
			part, err := decodePart(r)
			if err != nil {
				return err
			}
			parts = append(parts, part)
		}
		*c = Content{Parts: parts}
		return nil
	}
	return fmt.Errorf("message content must be a string or an array, got %s", string(b[:1]))
}

// decodePart accepts both {"image_url":{"url":...}} and the flat
// {"image_url":"..."} / {"url":"..."} shapes some clients send.
func decodePart(r json.RawMessage) (ContentPart, error) {
	var probe struct {
		Type     string          `json:"type"`
		Text     string          `json:"text"`
		URL      string          `json:"url"`
		ImageURL json.RawMessage `json:"image_url"`
	}
	if err := json.Unmarshal(r, &probe); err != nil {
		return ContentPart{}, err
	}
	part := ContentPart{Type: probe.Type, Text: probe.Text}
	url := probe.URL
	if len(probe.ImageURL) > 0 {
		var nested ImageURL
		if err := json.Unmarshal(probe.ImageURL, &nested); err == nil {
			url = nested.URL
			part.ImageURL = &nested
		} else {
			var flat string
			if err := json.Unmarshal(probe.ImageURL, &flat); err == nil {
				url = flat
			}
		}
	}
	if part.Type == "" && url != "" {
		part.Type = PartImageURL
	}
	if part.Type == PartImageURL && part.ImageURL == nil {
		part.ImageURL = &ImageURL{URL: url}
	}
	return part, nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// FlatText concatenates text parts in order.
func (c Content) FlatText() string {
	if c.Parts == nil {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ImageURLs returns the image parts' URLs in order.
func (c Content) ImageURLs() []string {
	var out []string
	for _, p := range c.Parts {
		if p.Type == PartImageURL && p.ImageURL != nil && p.ImageURL.URL != "" {
			out = append(out, p.ImageURL.URL)
		}
	}
	return out
}

type ChatMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
}

// LastUserText is the flattened text of the last user message.
func (r ChatRequest) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content.FlatText()
		}
	}
	return ""
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ResponseMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Delta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
