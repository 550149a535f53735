package directory

import (
	"errors"
	"fmt"
	"time"
)

// Kind discriminates directory failures. Callers branch on Kind (or on the
// sentinels with errors.Is), never on error text.
type Kind string

const (
	KindNotFound  Kind = "not_found"
	KindTransient Kind = "transient"
)

var (
	// ErrNotFound means the identity is no longer resolvable: deactivated,
	// blocked, or hidden. It may be permanent or not.
	ErrNotFound = errors.New("directory: identity not found")
	// ErrTransient covers network failures, timeouts and throttling.
	ErrTransient = errors.New("directory: transient failure")
)

// Error is the error type returned by Client implementations.
type Error struct {
	Kind     Kind
	Identity int64
	Err      error
	// RetryAfter is the throttling hint of the directory, if any.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("directory: %s (identity=%d)", e.Kind, e.Identity)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" retry_after=%s", e.RetryAfter)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTransient:
		return e.Kind == KindTransient
	}
	return false
}

func NotFound(id int64, err error) error {
	return &Error{Kind: KindNotFound, Identity: id, Err: err}
}

func Transient(id int64, err error, retryAfter time.Duration) error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Error{Kind: KindTransient, Identity: id, Err: err, RetryAfter: retryAfter}
}

// KindOf maps any error to a directory Kind. Errors that did not come from a
// directory client are treated as transient so a caller never mutates state on
// an unknown failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindTransient
}
