package provider

import (
	"errors"
	"fmt"
)

// ErrFolderNotFound is returned by ResolveFolder when the primary name and
// every alias have been tried without a match.
var ErrFolderNotFound = errors.New("folder not found")

// TransientError marks a recoverable failure (network timeout, provider
// throttling). Retry eligible; never advances cursors past the failed unit.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError marks an expired or revoked credential. The caller must attempt
// one credential refresh before any retry; a failed refresh escalates to
// terminal.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TerminalError marks a permanent failure (account revoked, folder gone
// with no alias). It surfaces to the account state machine as Error.
type TerminalError struct {
	Op  string
	Err error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal: %s: %v", e.Op, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or its chain) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuth reports whether err (or its chain) is an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTerminal reports whether err (or its chain) is a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// Transient wraps err as a TransientError.
func Transient(op string, err error) error { return &TransientError{Op: op, Err: err} }

// Auth wraps err as an AuthError.
func Auth(op string, err error) error { return &AuthError{Op: op, Err: err} }

// Terminal wraps err as a TerminalError.
func Terminal(op string, err error) error { return &TerminalError{Op: op, Err: err} }
