package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrDrop signals that a task or record should be discarded without being treated as a failure.
	ErrDrop = errors.New("dropped")
	// ErrUnknownCallback is returned when a callback key has no registered handler.
	ErrUnknownCallback = errors.New("unknown callback")
	// ErrClosed is returned by queues that no longer accept work.
	ErrClosed = errors.New("queue closed")
)

// DropError carries the reason a hook dropped an item.
type DropError struct {
	Reason string
}

func (e *DropError) Error() string {
	return fmt.Sprintf("dropped: %s", e.Reason)
}

// Unwrap lets errors.Is match ErrDrop.
func (e *DropError) Unwrap() error {
	return ErrDrop
}

// Drop builds a drop signal with a reason.
func Drop(reason string) error {
	return &DropError{Reason: reason}
}

// IsDrop reports whether err is a drop signal.
func IsDrop(err error) bool {
	return errors.Is(err, ErrDrop)
}
