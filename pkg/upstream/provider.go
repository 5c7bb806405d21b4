package upstream

import (
	"context"
	"net/http"

	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/model"
	"github.com/lkarlslund/chatbridge/pkg/openai"
	"github.com/lkarlslund/chatbridge/pkg/stream"
)

// Request is a fully built upstream call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type BuildInput struct {
	Chat       openai.ChatRequest
	Parsed     model.Parsed
	Credential credential.Credential
	// ChatID is set once a session has been bootstrapped.
	ChatID string
}

// Provider adapts one upstream web-chat backend.
type Provider interface {
	Name() string
	Type() string
	ParseModel(name string) model.Parsed
	BuildRequest(in BuildInput) (*Request, error)
	StreamOptions(in BuildInput) stream.Options
	Models() []string
	Settings() Settings
}

// SessionCreator is implemented by providers that need a chat resource
// created before image, edit or video generation.
type SessionCreator interface {
	CreateSession(ctx context.Context, in BuildInput) (string, error)
}

// LoginSource is implemented by providers with an HTTP login flow.
type LoginSource interface {
	Login(ctx context.Context) (credential.Credential, error)
}
