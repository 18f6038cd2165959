package encoder

import (
	"errors"
	"fmt"
)

var (
	// ErrRestartBudget is logged when the encoder failed more often than the
	// restart budget allows within its window.
	ErrRestartBudget = errors.New("encoder: restart budget exhausted")
	// ErrWriteTimeout marks a process killed because a stdin write stalled.
	ErrWriteTimeout = errors.New("encoder: write timed out")
	// ErrConnectionLost marks a process killed because it reported losing
	// its outbound connection.
	ErrConnectionLost = errors.New("encoder: outbound connection lost")
	// ErrStopped is returned by Write after Stop has been called.
	ErrStopped = errors.New("encoder: process stopped")
)

// ExitError describes how an encoder process ended.
type ExitError struct {
	ID   string
	Code int
	// Reason is the failure that caused the supervisor or a watchdog to
	// kill the process, if any.
	Reason error
	// Tail is the last line the process wrote to stderr.
	Tail string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("encoder %s exited with code %d", e.ID, e.Code)
	if e.Reason != nil {
		msg += ": " + e.Reason.Error()
	}
	if e.Tail != "" {
		msg += " (" + e.Tail + ")"
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Reason
}
