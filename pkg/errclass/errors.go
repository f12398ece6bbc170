// Package errclass defines the stable, machine-readable error classes that
// runguard reports. Callers match them with errors.Is.
package errclass

import (
	"errors"
	"fmt"
)

// GuardError is a stable, machine-readable error class.
type GuardError struct {
	Code    string
	Message string
	Err     error
}

func (e *GuardError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if msg == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *GuardError) Is(target error) bool {
	t, ok := target.(*GuardError)
	return ok && e.Code == t.Code
}

// Unwrap returns the underlying cause, if any.
func (e *GuardError) Unwrap() error {
	return e.Err
}

// WithMessage returns a new GuardError with the same Code but a specific message.
func (e *GuardError) WithMessage(msg string) *GuardError {
	return &GuardError{Code: e.Code, Message: msg}
}

// WithMessagef returns a new GuardError with a formatted message.
func (e *GuardError) WithMessagef(format string, args ...any) *GuardError {
	return &GuardError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new GuardError with the same Code carrying cause.
func (e *GuardError) Wrap(cause error, format string, args ...any) *GuardError {
	return &GuardError{Code: e.Code, Message: fmt.Sprintf(format, args...), Err: cause}
}

var (
	// ErrLockDirSetup: the lock directory cannot be created. Fatal, pre-flight.
	ErrLockDirSetup = &GuardError{Code: "E_LOCK_DIR_SETUP"}
	// ErrLockPresent: a live lease already exists. Expected denial.
	ErrLockPresent = &GuardError{Code: "E_LOCK_PRESENT"}
	// ErrLockWrite: the filesystem refused the acquisition write. Fatal.
	ErrLockWrite = &GuardError{Code: "E_LOCK_WRITE"}

	ErrNameInvalid      = &GuardError{Code: "E_NAME_INVALID"}
	ErrConfigInvalid    = &GuardError{Code: "E_CONFIG_INVALID"}
	ErrAuditChainBroken = &GuardError{Code: "E_AUDIT_CHAIN_BROKEN"}
)

// IsFatal reports whether err belongs to a class that must terminate the
// invocation abnormally (setup or write failures).
func IsFatal(err error) bool {
	return errors.Is(err, ErrLockDirSetup) || errors.Is(err, ErrLockWrite)
}

// CodeOf returns the code of the first GuardError in err's chain, or
// "E_UNKNOWN" when there is none.
func CodeOf(err error) string {
	var ge *GuardError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return "E_UNKNOWN"
}
