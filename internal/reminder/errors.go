package reminder

import (
	"errors"
	"fmt"
	"time"

	"remindbot/internal/storage"
	"remindbot/internal/timeparse"
)

// ParseError is returned by the time parser for text outside the grammar.
type ParseError = timeparse.ParseError

var (
	ErrNotFound          = storage.ErrNotFound
	ErrPastTime          = errors.New("scheduled time is not in the future")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAmbiguousID       = errors.New("id prefix matches more than one reminder")
	ErrInvalidReminder   = errors.New("reminder needs an owner and content")
)

// PastTimeError rejects a reminder whose time is not strictly after now.
type PastTimeError struct {
	At  time.Time
	Now time.Time
}

func (e *PastTimeError) Error() string {
	return fmt.Sprintf("scheduled time %s is not after now (%s)", e.At.Format(time.RFC3339), e.Now.Format(time.RFC3339))
}

func (e *PastTimeError) Is(target error) bool { return target == ErrPastTime }

// StoreWriteError marks a persistence failure; the caller may resubmit.
type StoreWriteError struct {
	Op  string
	Err error
}

func (e *StoreWriteError) Error() string { return "store " + e.Op + ": " + e.Err.Error() }
func (e *StoreWriteError) Unwrap() error { return e.Err }

// DeliveryError is a failed or timed-out send. It is recorded on the row via
// MarkFailed and never retried automatically.
type DeliveryError struct {
	ID    string
	Owner string
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver reminder %s to %s: %v", e.ID, e.Owner, e.Err)
}
func (e *DeliveryError) Unwrap() error { return e.Err }

func wrapStore(op string, err error) error {
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return &StoreWriteError{Op: op, Err: err}
}
