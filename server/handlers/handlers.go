// Package handlers implements the gateway endpoints: the streaming chat
// passthrough, the non-streaming completion and the health probe.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/neuralconstruct/construct/errors"
	"github.com/neuralconstruct/construct/relay"
	"github.com/neuralconstruct/construct/server/middleware"
	"github.com/neuralconstruct/construct/server/validation"
	"go.uber.org/zap"
)

// Upstream is the part of relay.Client the gateway uses.
type Upstream interface {
	Forward(ctx context.Context, req relay.Request) (*http.Response, error)
	Complete(ctx context.Context, req relay.Request) (*relay.Completion, error)
}

var _ Upstream = (*relay.Client)(nil)

// Options configures the chat handlers.
type Options struct {
	Upstream  Upstream
	Validator *validation.Validator
	Logger    *zap.Logger
	// CredentialHeader is read when no auth middleware stored a credential.
	CredentialHeader string
}

func (o Options) withDefaults() Options {
	if o.Validator == nil {
		o.Validator = validation.NewValidator(nil, 0)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.CredentialHeader == "" {
		o.CredentialHeader = "X-API-Key"
	}
	return o
}

// prepare runs the checks shared by both chat endpoints: a credential and a
// well-formed body. It writes the error response itself and returns ok=false.
func prepare(w http.ResponseWriter, r *http.Request, o Options) (relay.Request, string, bool) {
	requestID := middleware.GetRequestID(r.Context())

	credential := middleware.GetCredential(r.Context())
	if credential == "" {
		credential = middleware.ExtractCredential(r, o.CredentialHeader)
	}
	if credential == "" {
		errors.WriteError(w, errors.NewAuthError(requestID, "Missing API key", nil))
		return relay.Request{}, requestID, false
	}

	body, cerr := o.Validator.Decode(w, r, requestID)
	if cerr != nil {
		errors.LogError(o.Logger, cerr, requestID)
		errors.WriteError(w, cerr)
		return relay.Request{}, requestID, false
	}
	return body.Relay(credential), requestID, true
}

// writeRelayError answers with the status matching a relay failure. A caller
// that went away gets nothing written.
func writeRelayError(w http.ResponseWriter, logger *zap.Logger, requestID string, err error) {
	cerr := errors.FromRelay(requestID, err)
	errors.LogError(logger, cerr, requestID)
	if cerr.Type == errors.CancelledError {
		return
	}
	errors.WriteError(w, cerr)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to encode response", zap.Error(err))
	}
}
