package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lkarlslund/chatbridge/pkg/openai"
	"github.com/tidwall/gjson"
)

const (
	maxLineSize   = 50 * 1024 * 1024
	defaultBuffer = 16
)

type Options struct {
	// ID is the completion id; generated when empty.
	ID string
	// Model is echoed to the client as-is.
	Model   string
	ChatID  string
	Created int64
	Extract Extractor
	// ImageMode treats bare URL content as generated images.
	ImageMode bool
	Buffer    int
}

func (o Options) withDefaults() Options {
	if o.ID == "" {
		o.ID = NewCompletionID()
	}
	if o.Created == 0 {
		o.Created = time.Now().Unix()
	}
	if o.Extract == nil {
		o.Extract = DefaultExtractor
	}
	if o.Buffer <= 0 {
		o.Buffer = defaultBuffer
	}
	return o
}

func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Transcode reads upstream events from body and returns OpenAI SSE frames.
// The channel always ends with a finish chunk and the [DONE] frame unless ctx
// is cancelled first, in which case body is closed and the producer exits.
func Transcode(ctx context.Context, body io.ReadCloser, opts Options) <-chan string {
	opts = opts.withDefaults()
	out := make(chan string, opts.Buffer)
	go func() {
		defer close(out)
		// Unblocks a pending Read when the client goes away.
		stop := context.AfterFunc(ctx, func() { _ = body.Close() })
		defer stop()
		defer body.Close()

		t := &transcoder{ctx: ctx, out: out, opts: opts, acc: NewAccumulator(opts.ChatID)}
		t.run(body)
	}()
	return out
}

type transcoder struct {
	ctx     context.Context
	out     chan<- string
	opts    Options
	acc     *Accumulator
	sentAny bool
}

func (t *transcoder) run(body io.Reader) {
	finish := openai.FinishReasonStop
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

loop:
	for sc.Scan() {
		kind, event := classify(sc.Bytes())
		switch kind {
		case lineSkip:
			continue
		case lineDone:
			break loop
		}
		d, ok := t.opts.Extract(event, t.acc)
		if !ok {
			continue
		}
		content, reasoning := t.acc.apply(d, t.opts.ImageMode)
		if content != "" || reasoning != "" {
			if !t.emit(openai.Delta{Content: content, ReasoningContent: reasoning}, nil) {
				return
			}
		}
		if d.Done {
			break loop
		}
	}
	if err := sc.Err(); err != nil {
		if t.ctx.Err() != nil {
			return
		}
		log.Warn("upstream stream failed", "chat_id", t.opts.ChatID, "model", t.opts.Model, "err", err)
		finish = openai.FinishReasonError
	} else if t.ctx.Err() != nil {
		return
	}
	if finish != openai.FinishReasonError && t.acc.FinishReason != "" {
		finish = t.acc.FinishReason
	}
	if !t.emit(openai.Delta{}, openai.StringPtr(finish)) {
		return
	}
	t.send(openai.DoneEvent)
}

func (t *transcoder) emit(delta openai.Delta, finish *string) bool {
	if !t.sentAny {
		delta.Role = openai.RoleAssistant
		t.sentAny = true
	}
	chunk := openai.ChatCompletionChunk{
		ID:      t.opts.ID,
		Object:  openai.ObjectChatCompletionChunk,
		Created: t.opts.Created,
		Model:   t.opts.Model,
		Choices: []openai.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
	if finish != nil {
		chunk.Usage = t.acc.Usage
	}
	frame, err := openai.SSE(chunk)
	if err != nil {
		log.Error("encode chunk", "err", err)
		return false
	}
	return t.send(frame)
}

func (t *transcoder) send(frame string) bool {
	select {
	case t.out <- frame:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// Once assembles a chat.completion from a complete upstream body. A single
// JSON document, a buffered SSE/NDJSON stream and plain text are accepted.
func Once(body []byte, opts Options) openai.ChatCompletion {
	opts = opts.withDefaults()
	acc := NewAccumulator(opts.ChatID)

	trimmed := strings.TrimSpace(string(body))
	switch {
	case trimmed != "" && gjson.Valid(trimmed) && gjson.Parse(trimmed).IsObject():
		if d, ok := opts.Extract(gjson.Parse(trimmed), acc); ok {
			acc.apply(d, opts.ImageMode)
		}
	case !collectLines(body, opts, acc):
		acc.FullContent.WriteString(string(body))
	}
	return Completion(acc, opts)
}

// collectLines reports whether body was shaped like an event stream: any
// JSON event line or a [DONE] terminator, even when nothing was extracted.
func collectLines(body []byte, opts Options, acc *Accumulator) bool {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	recognized := false
	for sc.Scan() {
		kind, event := classify(sc.Bytes())
		if kind == lineDone {
			recognized = true
			break
		}
		if kind != lineEvent {
			continue
		}
		recognized = true
		d, ok := opts.Extract(event, acc)
		if !ok {
			continue
		}
		acc.apply(d, opts.ImageMode)
		if d.Done {
			break
		}
	}
	return recognized
}

// Collect drains a streaming upstream body into one completion.
func Collect(ctx context.Context, body io.ReadCloser, opts Options) (openai.ChatCompletion, error) {
	opts = opts.withDefaults()
	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()
	defer body.Close()
	b, err := io.ReadAll(body)
	if err != nil {
		if ctx.Err() != nil {
			return openai.ChatCompletion{}, ctx.Err()
		}
		return openai.ChatCompletion{}, fmt.Errorf("read upstream body: %w", err)
	}
	return Once(b, opts), nil
}

func Completion(acc *Accumulator, opts Options) openai.ChatCompletion {
	usage := openai.Usage{}
	if acc.Usage != nil {
		usage = *acc.Usage
	}
	finish := openai.FinishReasonStop
	if acc.FinishReason != "" {
		finish = acc.FinishReason
	}
	return openai.ChatCompletion{
		ID:      opts.ID,
		Object:  openai.ObjectChatCompletion,
		Created: opts.Created,
		Model:   opts.Model,
		Choices: []openai.Choice{{
			Index: 0,
			Message: openai.ResponseMessage{
				Role:             openai.RoleAssistant,
				Content:          acc.FullContent.String(),
				ReasoningContent: acc.Reasoning.String(),
			},
			FinishReason: finish,
		}},
		Usage: usage,
	}
}
