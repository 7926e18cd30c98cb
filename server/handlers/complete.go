package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// CompleteResponse is the body of a successful /chat/complete call.
type CompleteResponse struct {
	Content string `json:"content"`
}

// CompleteHandler runs one non-streaming completion.
type CompleteHandler struct {
	opts Options
}

// NewCompleteHandler creates the /chat/complete handler.
func NewCompleteHandler(opts Options) *CompleteHandler {
	return &CompleteHandler{opts: opts.withDefaults()}
}

func (h *CompleteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, requestID, ok := prepare(w, r, h.opts)
	if !ok {
		return
	}
	log := h.opts.Logger.With(
		zap.String("request_id", requestID),
		zap.String("model", req.Model),
	)

	start := time.Now()
	completion, err := h.opts.Upstream.Complete(r.Context(), req)
	if err != nil {
		writeRelayError(w, log, requestID, err)
		return
	}

	log.Debug("completion relayed",
		zap.Int("chars", len(completion.Content)),
		zap.Duration("duration", time.Since(start)),
	)
	writeJSON(w, log, CompleteResponse{Content: completion.Content})
}
