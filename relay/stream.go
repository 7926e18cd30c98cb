package relay

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync"
)

const (
	initialLineBuffer = 64 << 10
	maxLineSize       = 1 << 20
)

// Stream is a lazy, finite, non-restartable sequence of text chunks from one
// streaming call. Each chunk is yielded once, in upstream order. The sequence
// ends on the `[DONE]` marker, on connection close, or on error.
//
// Typical use:
//
//	defer s.Close()
//	for s.Next() {
//		fmt.Print(s.Chunk())
//	}
//	if err := s.Err(); err != nil { ... }
//	full := s.Text()
//
// A Stream is not safe for concurrent use; cancel the call's context to abort
// a Next that is blocked on the network.
type Stream struct {
	model   string
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  func()
	fail    func(error) error
	onClose func(error)

	pending []string
	chunk   string
	text    strings.Builder
	err     error
	done    bool

	closeOnce sync.Once
	closeErr  error
}

// NewStream decodes an event-stream body. The body is closed exactly once,
// when the stream ends or Close is called.
func NewStream(body io.ReadCloser, model string) *Stream {
	s := &Stream{model: model, body: body}
	if body != nil {
		s.scanner = bufio.NewScanner(body)
		s.scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineSize)
	}
	return s
}

// newStaticStream yields content as a single chunk. It backs upstreams that
// ignore stream=true and answer with a plain JSON completion.
func newStaticStream(content, model string) *Stream {
	s := &Stream{model: model}
	if content != "" {
		s.pending = []string{content}
	}
	return s
}

// Model returns the model that is producing the stream.
func (s *Stream) Model() string {
	return s.model
}

// Next advances to the next chunk. It returns false when the stream is
// exhausted or failed; check Err to tell the two apart. Reaching the end
// releases the underlying connection.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	if len(s.pending) > 0 {
		s.setChunk(s.pending[0])
		s.pending = s.pending[1:]
		return true
	}
	if s.scanner == nil {
		s.finish(nil)
		return false
	}

	for s.scanner.Scan() {
		ev := parseLine(s.scanner.Text())
		switch ev.kind {
		case eventDone:
			s.finish(nil)
			return false
		case eventError:
			s.finish(NewError(classify(ev.status, ev.message), ev.status, s.model, ev.message, nil))
			return false
		case eventDelta:
			if ev.delta == "" {
				continue
			}
			s.setChunk(ev.delta)
			return true
		}
	}

	// Connection closed without [DONE]: a normal end unless the read failed.
	err := s.scanner.Err()
	switch {
	case err == nil:
	case errors.Is(err, bufio.ErrTooLong):
		err = NewError(KindProtocol, 0, s.model, "event line exceeds decoder limit", err)
	case s.fail != nil:
		err = s.fail(err)
	default:
		err = NewError(KindUpstream, 0, s.model, "stream read failed", err)
	}
	s.finish(err)
	return false
}

// Chunk returns the chunk produced by the last successful Next.
func (s *Stream) Chunk() string {
	return s.chunk
}

// Text returns everything yielded so far. After a normal end it is the full
// completion text.
func (s *Stream) Text() string {
	return s.text.String()
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the connection. It is idempotent and safe to defer even
// after the stream ended on its own.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.done = true
		if s.body != nil {
			s.closeErr = s.body.Close()
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.onClose != nil {
			s.onClose(s.err)
		}
	})
	return s.closeErr
}

// Drain consumes the rest of the stream and returns the accumulated text.
func (s *Stream) Drain() (string, error) {
	defer s.Close()
	for s.Next() {
	}
	return s.Text(), s.Err()
}

func (s *Stream) setChunk(chunk string) {
	s.chunk = chunk
	s.text.WriteString(chunk)
}

func (s *Stream) finish(err error) {
	s.chunk = ""
	s.err = err
	s.Close()
}
