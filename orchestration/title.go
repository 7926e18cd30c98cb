package orchestration

import (
	"context"
	"strings"

	"github.com/neuralconstruct/construct/relay"
)

const maxTitleInput = 500

// TitleRequest describes the first message of a conversation.
type TitleRequest struct {
	Credential string
	Model      string
	Message    string
}

// Title asks the model for a 3-5 word conversation title. It returns "" on
// any failure; titling never fails a turn.
func Title(ctx context.Context, invoker relay.Invoker, req TitleRequest) string {
	if invoker == nil || req.Credential == "" || strings.TrimSpace(req.Message) == "" {
		return ""
	}

	msg := req.Message
	if r := []rune(msg); len(r) > maxTitleInput {
		msg = string(r[:maxTitleInput])
	}

	res, err := invoker.Complete(ctx, relay.Request{
		Credential: req.Credential,
		Model:      req.Model,
		Messages:   []relay.Message{relay.User(titleInstruction + `"` + msg + `"`)},
	})
	if err != nil {
		return ""
	}
	title := strings.TrimSpace(res.Content)
	title = strings.Trim(title, "\"'`")
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	return title
}
