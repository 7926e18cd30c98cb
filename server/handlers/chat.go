package handlers

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const copyBufferSize = 32 << 10

var doneMarker = []byte("data: [DONE]")

// ChatHandler relays an upstream event stream to the caller byte for byte.
// When the upstream ends without the [DONE] marker one is appended, so the
// caller always sees an explicit end of stream.
type ChatHandler struct {
	opts Options
}

// NewChatHandler creates the /chat handler.
func NewChatHandler(opts Options) *ChatHandler {
	return &ChatHandler{opts: opts.withDefaults()}
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, requestID, ok := prepare(w, r, h.opts)
	if !ok {
		return
	}
	log := h.opts.Logger.With(
		zap.String("request_id", requestID),
		zap.String("model", req.Model),
	)

	// The request context carries the gateway deadline and is cancelled
	// when the caller disconnects; both abort the upstream call.
	resp, err := h.opts.Upstream.Forward(r.Context(), req)
	if err != nil {
		writeRelayError(w, log, requestID, err)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	start := time.Now()
	sent, sawDone, err := relayStream(w, rc, resp.Body)

	switch {
	case err == nil && !sawDone:
		if _, werr := w.Write([]byte("data: [DONE]\n\n")); werr == nil {
			rc.Flush()
		}
	case err != nil && r.Context().Err() != nil:
		log.Debug("stream aborted",
			zap.Int64("bytes", sent),
			zap.NamedError("cause", context.Cause(r.Context())),
		)
		return
	case err != nil:
		log.Warn("stream relay failed", zap.Int64("bytes", sent), zap.Error(err))
		return
	}

	log.Debug("stream relayed",
		zap.Int64("bytes", sent),
		zap.Bool("upstream_done", sawDone),
		zap.Duration("duration", time.Since(start)),
	)
}

// relayStream copies src to w, flushing after every read. It reports the
// byte count and whether the [DONE] marker went through, even when the
// marker was split across reads.
func relayStream(w io.Writer, rc *http.ResponseController, src io.Reader) (int64, bool, error) {
	buf := make([]byte, copyBufferSize)
	var (
		sent    int64
		tracker doneTracker
	)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			tracker.observe(chunk)
			wn, werr := w.Write(chunk)
			sent += int64(wn)
			if werr != nil {
				return sent, tracker.seen, werr
			}
			if ferr := rc.Flush(); ferr != nil && !stderrors.Is(ferr, http.ErrNotSupported) {
				return sent, tracker.seen, ferr
			}
		}
		if rerr == io.EOF {
			return sent, tracker.seen, nil
		}
		if rerr != nil {
			return sent, tracker.seen, rerr
		}
	}
}

// doneTracker finds the [DONE] marker in a byte stream delivered in pieces.
type doneTracker struct {
	tail []byte
	seen bool
}

func (d *doneTracker) observe(chunk []byte) {
	if d.seen {
		return
	}
	window := append(d.tail, chunk...)
	if bytes.Contains(window, doneMarker) {
		d.seen = true
		d.tail = nil
		return
	}
	keep := len(doneMarker) - 1
	if len(window) > keep {
		window = window[len(window)-keep:]
	}
	d.tail = append(d.tail[:0:0], window...)
}
