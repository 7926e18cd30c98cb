package orchestration

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMode is returned for a mode id that is not registered.
	ErrUnknownMode = errors.New("unknown reasoning mode")
	// ErrEmptyInput is returned for a turn without user text.
	ErrEmptyInput = errors.New("turn input is empty")

	errTurnCancelled   = errors.New("turn cancelled")
	errBranchCancelled = errors.New("branch cancelled")
)

// SynthesisError reports a failed synthesis call. The branch outputs that
// fed it remain available to the caller.
type SynthesisError struct {
	Branches []Output
	Err      error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis failed: %v", e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}
