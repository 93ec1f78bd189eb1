package domain

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindTimeout
	KindExternalAPI
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindExternalAPI:
		return "external_api"
	default:
		return "internal"
	}
}

// Error carries a Kind so callers can branch with errors.Is against the
// sentinel values below.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrExternalAPI = &Error{Kind: KindExternalAPI}
	ErrInternal    = &Error{Kind: KindInternal}
)

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func Timeoutf(format string, args ...any) error {
	return &Error{Kind: KindTimeout, Msg: fmt.Sprintf(format, args...)}
}

func Internalf(format string, args ...any) error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...)}
}

// ExternalAPI wraps a collaborator failure.
func ExternalAPI(msg string, err error) error {
	return &Error{Kind: KindExternalAPI, Msg: msg, Err: err}
}

// Internal wraps a backend failure.
func Internal(msg string, err error) error {
	return &Error{Kind: KindInternal, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain. Errors that
// carry no kind are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
