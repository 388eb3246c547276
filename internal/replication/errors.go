package replication

import (
	"errors"
	"fmt"
	"strings"
)

// RecoverableError marks a failure the task runner should retry with
// backoff: network timeouts, transient SSH failures, generic I/O
// errors. See TerminalError for the other kind.
type RecoverableError struct{ Err error }

func (e *RecoverableError) Error() string { return e.Err.Error() }
func (e *RecoverableError) Unwrap() error { return e.Err }

// TerminalError marks a failure that fails the whole task: auth,
// host key, config parse, type mismatch, encryption mismatch,
// REQUIRE-readonly violation, disallowed from-scratch replication.
type TerminalError struct{ Err error }

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Recoverable wraps err as a RecoverableError, normalizing the
// "[Errno None] " prefix some transports leave on wrapped OSErrors.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &RecoverableError{Err: stripErrnoPrefix(err)}
}

// Recoverablef is Recoverable for a formatted message.
func Recoverablef(format string, args ...any) error {
	return Recoverable(fmt.Errorf(format, args...))
}

// Terminal wraps err as a TerminalError.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: stripErrnoPrefix(err)}
}

// Terminalf is Terminal for a formatted message.
func Terminalf(format string, args ...any) error {
	return Terminal(fmt.Errorf(format, args...))
}

// IsRecoverable reports whether err (or something it wraps) is a
// RecoverableError.
func IsRecoverable(err error) bool {
	var r *RecoverableError
	return errors.As(err, &r)
}

// IsTerminal reports whether err (or something it wraps) is a
// TerminalError.
func IsTerminal(err error) bool {
	var t *TerminalError
	return errors.As(err, &t)
}

// NoIncrementalBaseError is the terminal error raised when a
// destination has snapshots, no common base was found, and the task
// does not allow replicating from scratch.
type NoIncrementalBaseError struct {
	Dataset string
}

func (e *NoIncrementalBaseError) Error() string {
	return fmt.Sprintf(
		"no incremental base for %q and replication from scratch is not allowed",
		e.Dataset)
}

const errnoPrefix = "[Errno None] "

func stripErrnoPrefix(err error) error {
	msg := err.Error()
	if trimmed, ok := strings.CutPrefix(msg, errnoPrefix); ok {
		return errors.New(trimmed)
	}
	return err
}
