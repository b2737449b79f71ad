// Package xrpcerr holds the client-facing error taxonomy shared by the write path,
// the blob store and the moderation service.
//
// None of these errors are retried by the core. Callers match them with errors.Is
// against the sentinels, or errors.As against *Error for the message and status.
package xrpcerr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindAlreadyExists
	KindResolutionMismatch
	KindMalformedCursor
	KindBlobNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "InvalidRequest"
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindResolutionMismatch:
		return "ResolutionMismatch"
	case KindMalformedCursor:
		return "MalformedCursor"
	case KindBlobNotFound:
		return "BlobNotFound"
	default:
		return "Unknown"
	}
}

type Error struct {
	Kind    Kind
	Message string

	// ReportID is set on resolution mismatches.
	ReportID uint64

	Err error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindNotFound, KindBlobNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrAlreadyExists      = &Error{Kind: KindAlreadyExists}
	ErrResolutionMismatch = &Error{Kind: KindResolutionMismatch}
	ErrMalformedCursor    = &Error{Kind: KindMalformedCursor}
	ErrBlobNotFound       = &Error{Kind: KindBlobNotFound}
)

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// ValidationWrap marks err (typically from a schema validator) as a client error.
func ValidationWrap(err error, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func AlreadyExists(format string, args ...any) *Error {
	return &Error{Kind: KindAlreadyExists, Message: fmt.Sprintf(format, args...)}
}

func ResolutionMismatch(reportID uint64) *Error {
	return &Error{
		Kind:     KindResolutionMismatch,
		Message:  fmt.Sprintf("Report %d cannot be resolved by action", reportID),
		ReportID: reportID,
	}
}

func MalformedCursor(cursor string) *Error {
	return &Error{Kind: KindMalformedCursor, Message: fmt.Sprintf("Malformed cursor: %q", cursor)}
}

func BlobNotFound(key string) *Error {
	return &Error{Kind: KindBlobNotFound, Message: fmt.Sprintf("Cannot find blob: %s", key)}
}

// StatusCode returns the status for err, or 500 for anything outside the taxonomy.
func StatusCode(err error) int {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.StatusCode()
	}
	return http.StatusInternalServerError
}
