package connector

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies connector failures independently of the backend that
// produced them.
type Kind string

const (
	KindAuthenticationRequired Kind = "AuthenticationRequired"
	KindAuthorizationExpired   Kind = "AuthorizationExpired"
	KindNotFound               Kind = "NotFound"
	KindUpstream               Kind = "UpstreamProtocolError"
	KindValidation             Kind = "ValidationError"
	KindTimeout                Kind = "Timeout"
)

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrAuthenticationRequired = &Error{Kind: KindAuthenticationRequired}
	ErrAuthorizationExpired   = &Error{Kind: KindAuthorizationExpired}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrUpstream               = &Error{Kind: KindUpstream}
	ErrValidation             = &Error{Kind: KindValidation}
	ErrTimeout                = &Error{Kind: KindTimeout}
)

// Error carries the kind of a failure plus enough context (operation, path,
// backend) to be logged where it surfaces.
type Error struct {
	Kind    Kind
	Op      string
	Backend string
	Path    string
	// Status is the upstream status code (HTTP status or FTP reply code), 0 if none.
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Backend != "" {
		b.WriteString(e.Backend)
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.Path != "" {
			fmt.Fprintf(&b, " %q", e.Path)
		}
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (%d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Errorf builds an *Error of the given kind with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and context to err. A nil err stays nil.
func Wrap(kind Kind, backend, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Backend: backend, Op: op, Path: path, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUpstream when err carries no classification.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUpstream
}

// IsAuthError reports whether err should force the session to re-authenticate.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthenticationRequired) || errors.Is(err, ErrAuthorizationExpired)
}
