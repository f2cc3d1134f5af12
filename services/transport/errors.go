package transport

import (
	"context"
	"errors"
	"fmt"

	"lexsync/services/artifact"
)

// Error is a remote store failure that survived the retry budget, or a
// permanent failure that was not retried.
type Error struct {
	Op       string
	Key      string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	noun := "attempts"
	if e.Attempts == 1 {
		noun = "attempt"
	}
	return fmt.Sprintf("%s %s failed after %d %s: %v", e.Op, e.Key, e.Attempts, noun, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// VerificationError reports a digest mismatch between what the remote
// declared and what was actually transferred.
type VerificationError struct {
	Key      string
	Expected artifact.Digest
	Actual   artifact.Digest
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for %s: expected sha256 %s, got %s", e.Key, e.Expected, e.Actual)
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	var verr *VerificationError
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExists), errors.Is(err, ErrPermanent):
		return true
	case errors.Is(err, artifact.ErrLocalUnreadable):
		return true
	case errors.Is(err, context.Canceled):
		return true
	case errors.As(err, &verr):
		return true
	default:
		return false
	}
}
