package hue

import (
	"errors"
	"fmt"
)

// ErrKind classifies bridge API failures. Transient kinds (Timeout,
// ServiceUnavailable) may be retried; the rest are surfaced as-is.
type ErrKind int

const (
	BadRequest ErrKind = iota
	Unauthorized
	NotFound
	Timeout
	ServiceUnavailable
	ServerError
)

func (k ErrKind) String() string {
	switch k {
	case BadRequest:
		return "bad request"
	case Unauthorized:
		return "unauthorized"
	case NotFound:
		return "not found"
	case Timeout:
		return "timeout"
	case ServiceUnavailable:
		return "service unavailable"
	case ServerError:
		return "server error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

type Error struct {
	Kind    ErrKind
	Message string
	// Attempts is the number of requests made before giving up. Only set
	// when the retry path was exhausted.
	Attempts int
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// KindOf extracts the error kind, defaulting to ServerError for errors
// that did not originate in this package.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ServerError
}

// IsTransient reports whether the failure is worth retrying.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == Timeout || k == ServiceUnavailable
}

// ErrLinkButtonNotPressed is returned by CreateUser while the bridge is
// waiting for its physical pairing button (application error type 101).
// The caller can retry the same request after prompting the user.
var ErrLinkButtonNotPressed = errors.New("link button not pressed")

// APIError is an application-level error embedded in a CLIP v2 response
// body, possibly alongside an HTTP 2xx status.
type APIError struct {
	Description string `json:"description"`
}

func (e APIError) Error() string {
	return e.Description
}
