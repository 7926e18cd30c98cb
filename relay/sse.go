package relay

import (
	"encoding/json"
	"strings"
)

// doneMarker terminates an upstream event stream.
const doneMarker = "[DONE]"

type eventKind int

const (
	eventSkip eventKind = iota
	eventDelta
	eventDone
	eventError
)

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error json.RawMessage `json:"error"`
}

// sseEvent is one decoded `data:` line.
type sseEvent struct {
	kind    eventKind
	delta   string
	message string
	status  int
}

// parseLine decodes one line of an event stream. Anything that is not a
// structurally valid `data:` line (comments, event names, blank separators,
// JSON cut in half by a chunk boundary) is skipped.
func parseLine(line string) sseEvent {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, "data:") {
		return sseEvent{kind: eventSkip}
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "" {
		return sseEvent{kind: eventSkip}
	}
	if data == doneMarker {
		return sseEvent{kind: eventDone}
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return sseEvent{kind: eventSkip}
	}
	if len(chunk.Error) > 0 && string(chunk.Error) != "null" {
		msg, status := errorField(chunk.Error)
		if msg == "" {
			msg = "upstream reported an error mid-stream"
		}
		return sseEvent{kind: eventError, message: msg, status: status}
	}
	if len(chunk.Choices) == 0 {
		return sseEvent{kind: eventSkip}
	}
	delta := chunk.Choices[0].Delta.Content
	if delta == "" {
		// Some providers send the final text as a message on the last event.
		delta = chunk.Choices[0].Message.Content
	}
	return sseEvent{kind: eventDelta, delta: delta}
}

// errorField reads an upstream `error` value, which is either a bare string
// or an object with a message and an optional numeric code.
func errorField(raw json.RawMessage) (string, int) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, 0
	}
	var obj struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", 0
	}
	status := 0
	if code, ok := obj.Code.(float64); ok && code >= 100 && code < 600 {
		status = int(code)
	}
	return obj.Message, status
}

// errorMessage extracts a message from an upstream error body. It accepts
// {"error":{"message":..}}, {"error":".."} and {"message":".."}; anything else
// yields "".
func errorMessage(raw []byte) string {
	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if len(body.Error) > 0 {
		if msg, _ := errorField(body.Error); msg != "" {
			return msg
		}
	}
	return body.Message
}
