package fallback

import (
	"errors"
	"fmt"
	"strings"

	"github.com/neuralconstruct/construct/relay"
)

// ExhaustedError records a chain in which every candidate was rate limited.
// It has no Unwrap so errors.Is(err, relay.ErrRateLimited) stays false.
type ExhaustedError struct {
	Requested string
	Tried     []string
	// Last is the failure of the final attempt.
	Last error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fallback exhausted for %s after %s: %v", e.Requested, strings.Join(e.Tried, ", "), e.Last)
}

// LastStatus returns the HTTP status of the final attempt, zero if none.
func (e *ExhaustedError) LastStatus() int {
	var relayErr *relay.Error
	if errors.As(e.Last, &relayErr) {
		return relayErr.Status
	}
	return 0
}
