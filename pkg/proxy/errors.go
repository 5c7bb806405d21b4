package proxy

import (
	"context"
	"errors"
	"net/http"

	"github.com/lkarlslund/chatbridge/pkg/credential"
	"github.com/lkarlslund/chatbridge/pkg/openai"
	"github.com/lkarlslund/chatbridge/pkg/upstream"
)

const (
	errTypeAuth           = "authentication_error"
	errTypeNetwork        = "network_error"
	errTypeUpstream       = "upstream_error"
	errTypeInvalidRequest = "invalid_request_error"
	errTypeSession        = "session_error"
	errTypeInternal       = "internal_error"
)

// ErrorPayload maps err onto an HTTP status and an OpenAI error body.
func ErrorPayload(err error) (int, openai.ErrorResponse) {
	status, typ := classify(err)
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return status, openai.ErrorResponse{Error: openai.ErrorBody{Message: msg, Type: typ}}
}

func classify(err error) (int, string) {
	var (
		providerErr *upstream.ProviderError
		authErr     *credential.AuthError
		netErr      *upstream.NetworkError
		upErr       *upstream.UpstreamError
		sessErr     *upstream.SessionError
	)
	switch {
	case err == nil:
		return http.StatusInternalServerError, errTypeInternal
	case errors.As(err, &providerErr), errors.As(err, &authErr):
		return http.StatusUnauthorized, errTypeAuth
	case errors.As(err, &sessErr):
		return http.StatusInternalServerError, errTypeSession
	case errors.As(err, &netErr):
		if netErr.Timeout {
			return http.StatusGatewayTimeout, errTypeNetwork
		}
		return http.StatusBadGateway, errTypeNetwork
	case errors.As(err, &upErr):
		return http.StatusBadGateway, errTypeUpstream
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, upstream.ErrUnsupported), errors.Is(err, upstream.ErrUnknownModel):
		return http.StatusBadRequest, errTypeInvalidRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errTypeNetwork
	default:
		return http.StatusInternalServerError, errTypeInternal
	}
}
