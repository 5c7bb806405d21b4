package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/chatbridge/pkg/config"
	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/model"
	"github.com/lkarlslund/chatbridge/pkg/openai"
	"github.com/lkarlslund/chatbridge/pkg/stream"
	"github.com/lkarlslund/chatbridge/pkg/upstream"
)

// ErrInvalidRequest marks a chat request that cannot be served as sent.
var ErrInvalidRequest = errors.New("invalid request")

// Result is either a finished completion or a stream of SSE frames.
type Result struct {
	Provider   string
	Completion *openai.ChatCompletion
	Stream     <-chan string
}

// Service turns OpenAI chat requests into upstream web-chat exchanges.
type Service struct {
	client   *upstream.Client
	acquirer *credential.Acquirer
	health   *ProviderHealthChecker
	stats    *StatsStore
	registry atomic.Pointer[upstream.Registry]
	now      func() time.Time
}

func NewService(client *upstream.Client, acquirer *credential.Acquirer, registry *upstream.Registry) *Service {
	s := &Service{client: client, acquirer: acquirer, stats: NewStatsStore(0), now: time.Now}
	s.registry.Store(registry)
	s.health = NewProviderHealthChecker(s, providerHealthCheckInterval)
	return s
}

// NewServiceFromConfig wires a service for every enabled provider in cfg.
func NewServiceFromConfig(cfg config.ServerConfig, client *upstream.Client, acquirer *credential.Acquirer) (*Service, error) {
	reg, err := BuildRegistry(cfg, client, acquirer)
	if err != nil {
		return nil, err
	}
	return NewService(client, acquirer, reg), nil
}

func (s *Service) Registry() *upstream.Registry       { return s.registry.Load() }
func (s *Service) Acquirer() *credential.Acquirer     { return s.acquirer }
func (s *Service) Health() *ProviderHealthChecker     { return s.health }
func (s *Service) Stats() *StatsStore                 { return s.stats }
func (s *Service) SetRegistry(reg *upstream.Registry) { s.registry.Store(reg) }

// Reload rebuilds the registry from cfg. Cached credentials survive.
func (s *Service) Reload(cfg config.ServerConfig) error {
	reg, err := BuildRegistry(cfg, s.client, s.acquirer)
	if err != nil {
		return err
	}
	s.registry.Store(reg)
	return nil
}

func validateChatRequest(req openai.ChatRequest) error {
	if strings.TrimSpace(req.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	return nil
}

// ChatCompletion serves one request. Steps run in order: resolve and parse
// the model, acquire a credential, bootstrap a session when the chat type
// needs one, build, send, then transcode. The response always echoes
// req.Model.
func (s *Service) ChatCompletion(ctx context.Context, req openai.ChatRequest) (Result, error) {
	if err := validateChatRequest(req); err != nil {
		return Result{}, err
	}
	p, modelName, err := s.registry.Load().Resolve(req.Model)
	if err != nil {
		return Result{}, err
	}
	parsed := p.ParseModel(modelName)
	started := s.now()

	evt := UsageEvent{Provider: p.Name(), Model: req.Model, ChatType: string(parsed.ChatType), Stream: req.Stream}
	resp, in, err := s.exchange(ctx, p, req, parsed)
	if err != nil {
		evt.Latency = s.now().Sub(started)
		_, evt.ErrorType = classify(err)
		s.stats.Add(evt)
		s.health.RecordProxyResult(p.Name(), evt.Latency, statusOf(err), err)
		log.Warn("chat completion failed", "provider", p.Name(), "model", req.Model, "err", err)
		return Result{Provider: p.Name()}, err
	}
	s.health.RecordProxyResult(p.Name(), s.now().Sub(started), resp.StatusCode, nil)

	opts := p.StreamOptions(in)
	opts.ID = stream.NewCompletionID()
	opts.Model = req.Model
	opts.Created = s.now().Unix()
	if opts.ChatID == "" {
		opts.ChatID = in.ChatID
	}
	log.Debug("chat completion started", "provider", p.Name(), "model", req.Model, "chat_type", parsed.ChatType, "stream", req.Stream, "chat_id", in.ChatID)

	if req.Stream {
		evt.Latency = s.now().Sub(started)
		s.stats.Add(evt)
		return Result{Provider: p.Name(), Stream: stream.Transcode(ctx, resp.Body, opts)}, nil
	}
	completion, err := stream.Collect(ctx, resp.Body, opts)
	evt.Latency = s.now().Sub(started)
	if err != nil {
		err = &upstream.NetworkError{Provider: p.Name(), Op: "read", Err: err}
		_, evt.ErrorType = classify(err)
		s.stats.Add(evt)
		return Result{Provider: p.Name()}, err
	}
	evt.PromptTokens = completion.Usage.PromptTokens
	evt.CompletionTokens = completion.Usage.CompletionTokens
	s.stats.Add(evt)
	return Result{Provider: p.Name(), Completion: &completion}, nil
}

// exchange runs one attempt and, when the upstream rejects the credential,
// exactly one more with a forcibly refreshed credential. A failure of the
// second attempt is terminal.
func (s *Service) exchange(ctx context.Context, p upstream.Provider, req openai.ChatRequest, parsed model.Parsed) (*http.Response, upstream.BuildInput, error) {
	resp, in, err := s.attempt(ctx, p, req, parsed, nil)
	if err == nil || !upstream.IsAuthFailure(err) {
		return resp, in, err
	}
	log.Info("upstream rejected credential, refreshing once", "provider", p.Name(), "err", err)
	rejected := in.Credential
	resp, in, err = s.attempt(ctx, p, req, parsed, &rejected)
	if err != nil {
		return nil, in, &upstream.ProviderError{Provider: p.Name(), Err: err}
	}
	return resp, in, nil
}

// attempt sends one request. A non-nil rejected credential is replaced first.
func (s *Service) attempt(ctx context.Context, p upstream.Provider, req openai.ChatRequest, parsed model.Parsed, rejected *credential.Credential) (*http.Response, upstream.BuildInput, error) {
	in := upstream.BuildInput{Chat: req, Parsed: parsed}
	var cred credential.Credential
	var err error
	if rejected != nil {
		cred, err = s.acquirer.Refresh(ctx, p.Name(), *rejected)
	} else {
		cred, err = s.acquirer.Acquire(ctx, p.Name(), false)
	}
	if err != nil {
		return nil, in, err
	}
	in.Credential = cred

	r, err := p.BuildRequest(in)
	if errors.Is(err, upstream.ErrSessionRequired) {
		creator, ok := p.(upstream.SessionCreator)
		if !ok {
			return nil, in, fmt.Errorf("%s: %s: %w", p.Name(), parsed.ChatType, upstream.ErrUnsupported)
		}
		chatID, serr := creator.CreateSession(ctx, in)
		if serr != nil {
			return nil, in, serr
		}
		in.ChatID = chatID
		r, err = p.BuildRequest(in)
	}
	if err != nil {
		return nil, in, err
	}
	resp, err := s.client.Do(ctx, p.Name(), r, p.Settings().ChatTimeout)
	if err != nil {
		return nil, in, err
	}
	return resp, in, nil
}

// Models lists every client-facing model id across providers.
func (s *Service) Models() []openai.Model {
	var out []openai.Model
	seen := map[string]struct{}{}
	created := s.now().Unix()
	for _, p := range s.registry.Load().List() {
		for _, id := range p.Models() {
			if _, dup := seen[id]; dup {
				id = p.Name() + "/" + id
			}
			seen[id] = struct{}{}
			out = append(out, openai.Model{ID: id, Object: "model", Created: created, OwnedBy: p.Name()})
		}
	}
	return out
}

func statusOf(err error) int {
	var ue *upstream.UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	status, _ := ErrorPayload(err)
	return status
}
