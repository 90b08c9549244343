package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to the user.
var (
	ErrAuth       = errors.New("authentication failed")
	ErrProvision  = errors.New("smart account provisioning failed")
	ErrBuild      = errors.New("operation could not be built")
	ErrSponsor    = errors.New("sponsorship failed")
	ErrSubmission = errors.New("submission failed")
	ErrTimeout    = errors.New("confirmation timed out")
	ErrConfig     = errors.New("invalid configuration")
)

var (
	ErrLoginCancelled    = errors.New("login cancelled by user")
	ErrBusy              = errors.New("another action is in progress")
	ErrNoSession         = errors.New("not connected")
	ErrInvalidState      = errors.New("action not allowed in current state")
	ErrInvalidTransition = errors.New("invalid operation status transition")
	ErrAlreadySubmitted  = errors.New("operation already submitted")
)

var kinds = []error{ErrAuth, ErrProvision, ErrBuild, ErrSponsor, ErrSubmission, ErrTimeout, ErrConfig}

// StageError is a failure at one boundary call. It matches both its kind
// and its cause with errors.Is.
type StageError struct {
	Kind error
	Op   string
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Wrap tags err with kind. Errors already carrying a kind keep it.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != nil {
		return err
	}
	return &StageError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the error kind of err, or nil.
func KindOf(err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// UserMessage renders err for a notification.
func UserMessage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return fmt.Sprintf("%s: %v", capitalize(se.Kind.Error()), se.Err)
	}
	return capitalize(err.Error())
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if c := s[0]; c >= 'a' && c <= 'z' {
		return string(c-'a'+'A') + s[1:]
	}
	return s
}
