package synctool

import (
	"errors"

	"lexsync/services/artifact"
	"lexsync/services/lock"
	"lexsync/services/synctool/internal/config"
	"lexsync/services/transport"
)

// Exit codes follow sysexits(3) where one fits so automation can tell
// "retry later" apart from "something is broken".
const (
	ExitOK           = 0
	ExitError        = 1
	ExitUsage        = 2
	ExitVerification = 65 // EX_DATAERR
	ExitCorruptLocal = 66 // EX_NOINPUT
	ExitTransport    = 69 // EX_UNAVAILABLE
	ExitContention   = 75 // EX_TEMPFAIL
)

// UsageError wraps bad flags or arguments.
type UsageError struct{ Err error }

func (e *UsageError) Error() string { return e.Err.Error() }
func (e *UsageError) Unwrap() error { return e.Err }

// ExitCode maps err to a process exit status. Verification and local
// corruption are checked first: both can arrive wrapped in a transport error.
func ExitCode(err error) int {
	var (
		usage      *UsageError
		verr       *transport.VerificationError
		corrupt    *artifact.CorruptLocalError
		contention *lock.ContentionError
		terr       *transport.Error
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &usage), errors.Is(err, config.ErrInvalid):
		return ExitUsage
	case errors.As(err, &verr):
		return ExitVerification
	case errors.As(err, &corrupt), errors.Is(err, artifact.ErrLocalUnreadable):
		return ExitCorruptLocal
	case errors.As(err, &contention), errors.Is(err, lock.ErrLockLost):
		return ExitContention
	case errors.As(err, &terr):
		return ExitTransport
	default:
		return ExitError
	}
}
