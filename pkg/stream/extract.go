// Package stream converts upstream chat streams into OpenAI chat.completion
// chunks and completions.
package stream

import (
	"bytes"
	"strings"

	"github.com/lkarlslund/chatbridge/pkg/openai"
	"github.com/tidwall/gjson"
)

// Delta is what one upstream event contributes to the response.
type Delta struct {
	Content      string
	Reasoning    string
	ImageURLs    []string
	FinishReason string
	Done         bool
	Usage        *openai.Usage
}

func (d Delta) empty() bool {
	return d.Content == "" && d.Reasoning == "" && len(d.ImageURLs) == 0
}

// Extractor decodes one already-validated JSON event. Returning false skips
// the event.
type Extractor func(event gjson.Result, acc *Accumulator) (Delta, bool)

// contentPaths is the lookup order used when a provider's envelope is not
// known precisely. Several shapes coexist across upstream versions.
var contentPaths = []string{
	"choices.0.delta.content",
	"choices.0.message.content",
	"content",
	"text",
}

// FirstContent returns the first string content found in contentPaths order.
func FirstContent(event gjson.Result) (string, bool) {
	for _, p := range contentPaths {
		if v := event.Get(p); v.Exists() && v.Type == gjson.String {
			return v.String(), true
		}
	}
	return "", false
}

// DefaultExtractor handles OpenAI-like envelopes.
func DefaultExtractor(event gjson.Result, _ *Accumulator) (Delta, bool) {
	if !event.IsObject() {
		return Delta{}, false
	}
	var d Delta
	d.Content, _ = FirstContent(event)
	for _, p := range []string{"choices.0.delta.reasoning_content", "choices.0.message.reasoning_content", "reasoning_content"} {
		if v := event.Get(p); v.Type == gjson.String {
			d.Reasoning = v.String()
			break
		}
	}
	if fr := event.Get("choices.0.finish_reason"); fr.Type == gjson.String {
		d.FinishReason = fr.String()
	}
	d.Usage = UsageFrom(event)
	return d, true
}

func stripDataPrefix(line []byte) []byte {
	line = bytes.TrimSpace(line)
	if bytes.HasPrefix(line, []byte("data:")) {
		line = bytes.TrimSpace(line[len("data:"):])
	}
	return line
}

// lineKind classifies one raw upstream line.
type lineKind int

const (
	lineSkip lineKind = iota
	lineDone
	lineEvent
)

func classify(raw []byte) (lineKind, gjson.Result) {
	line := stripDataPrefix(raw)
	if len(line) == 0 {
		return lineSkip, gjson.Result{}
	}
	if bytes.Equal(line, []byte("[DONE]")) {
		return lineDone, gjson.Result{}
	}
	// SSE comments, event:/id: fields and heartbeats
	if line[0] != '{' && line[0] != '[' {
		return lineSkip, gjson.Result{}
	}
	if !gjson.ValidBytes(line) {
		return lineSkip, gjson.Result{}
	}
	return lineEvent, gjson.ParseBytes(line)
}

// LooksLikeImageURL is used by image-mode streams that send URLs as text.
func LooksLikeImageURL(s string) bool {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return false
	}
	return !strings.ContainsAny(s, " \n\t")
}

func markdownImage(url string) string {
	return "![image](" + url + ")\n"
}
