package stream

import (
	"strings"

	"github.com/lkarlslund/chatbridge/pkg/openai"
)

// Accumulator is the per-response state of one transcoding run.
type Accumulator struct {
	ChatID        string
	FullContent   strings.Builder
	Reasoning     strings.Builder
	SentImageURLs map[string]struct{}
	FinishReason  string
	Usage         *openai.Usage
	// Scratch lets provider extractors keep small bits of envelope state.
	Scratch map[string]string
}

func NewAccumulator(chatID string) *Accumulator {
	return &Accumulator{
		ChatID:        chatID,
		SentImageURLs: map[string]struct{}{},
		Scratch:       map[string]string{},
	}
}

// MarkImage records url and reports whether it had not been seen before.
func (a *Accumulator) MarkImage(url string) bool {
	url = strings.TrimSpace(url)
	if url == "" {
		return false
	}
	if _, ok := a.SentImageURLs[url]; ok {
		return false
	}
	a.SentImageURLs[url] = struct{}{}
	return true
}

// apply folds d into the accumulator and returns the text to emit.
func (a *Accumulator) apply(d Delta, imageMode bool) (content string, reasoning string) {
	var b strings.Builder
	text := d.Content
	if imageMode && LooksLikeImageURL(text) {
		d.ImageURLs = append([]string{strings.TrimSpace(text)}, d.ImageURLs...)
		text = ""
	}
	b.WriteString(text)
	for _, u := range d.ImageURLs {
		if a.MarkImage(u) {
			b.WriteString(markdownImage(u))
		}
	}
	content = b.String()
	a.FullContent.WriteString(content)
	a.Reasoning.WriteString(d.Reasoning)
	if d.FinishReason != "" {
		a.FinishReason = d.FinishReason
	}
	if d.Usage != nil {
		a.Usage = d.Usage
	}
	return content, d.Reasoning
}
