package artifact

import (
	"errors"
	"fmt"
)

// ErrLocalUnreadable is matched by every CorruptLocalError.
var ErrLocalUnreadable = errors.New("local artifact unreadable")

// CorruptLocalError reports that the local artifact could not be read or hashed.
// It is always fatal for the operation; the remedy is a fresh download.
type CorruptLocalError struct {
	Path string
	Err  error
}

func (e *CorruptLocalError) Error() string {
	return fmt.Sprintf("local artifact %s unreadable: %v", e.Path, e.Err)
}

func (e *CorruptLocalError) Unwrap() []error {
	return []error{ErrLocalUnreadable, e.Err}
}
