package lock

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotHeld is returned by Release and Renew when this manager holds no token.
	ErrNotHeld = errors.New("lock not held")
	// ErrLockLost means the sentinel was deleted or replaced while we held it.
	ErrLockLost = errors.New("lock lost to another holder")
)

// ContentionError reports that a valid token held by someone else outlasted
// the acquisition timeout.
type ContentionError struct {
	Key    string
	Holder Token
	Age    time.Duration
	Waited time.Duration
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("lock %s held by %s (acquired %s ago, ttl %s); gave up after %s",
		e.Key, e.Holder.Holder, e.Age.Round(time.Second), e.Holder.TTL, e.Waited.Round(time.Millisecond))
}
