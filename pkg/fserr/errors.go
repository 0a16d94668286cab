// Package fserr defines the typed error set shared by every component that
// touches the filesystem or the drive registry. Errors are classified once,
// at the syscall or lookup boundary, and travel typed from there.
package fserr

import (
	"errors"
	"fmt"
	"net/http"
)

// Codes carried by errors that the front-end renders specifically. All other
// failures surface as a generic message.
const (
	CodeMaintenance   = "MAINTENANCE"
	CodeQuotaExceeded = "NOT_ENOUGH_FUNDS"
)

type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindAlreadyExists
	KindIsDirectoryConflict
	KindBadRequest
	KindQuotaExceeded
	KindMaintenance
)

// Error is the provider-wide error type. Path, when set, is always a
// caller-facing virtual path; physical paths must never leak through here.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Path    string
	wrapped error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Message, e.Path)
	case e.Message != "":
		return e.Message
	default:
		return e.kindString()
	}
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

func (e *Error) kindString() string {
	switch e.Kind {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindIsDirectoryConflict:
		return "directory conflict"
	case KindBadRequest:
		return "bad request"
	case KindQuotaExceeded:
		return "quota exceeded"
	case KindMaintenance:
		return "maintenance"
	default:
		return "internal error"
	}
}

// HTTPStatus maps the error onto the status code the webapi layer responds
// with. Quota errors are payment-required class, maintenance is bad-gateway
// class so callers know to retry later.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindIsDirectoryConflict:
		return http.StatusConflict
	case KindBadRequest:
		return http.StatusBadRequest
	case KindQuotaExceeded:
		return http.StatusPaymentRequired
	case KindMaintenance:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func NotFound(virtualPath string) *Error {
	if virtualPath == "" {
		virtualPath = "unknown"
	}
	return &Error{Kind: KindNotFound, Message: "no such file", Path: virtualPath}
}

func AlreadyExists(virtualPath string) *Error {
	return &Error{Kind: KindAlreadyExists, Message: "file already exists", Path: virtualPath}
}

func IsDirectoryConflict() *Error {
	return &Error{Kind: KindIsDirectoryConflict, Message: "operation does not apply to this file type"}
}

func BadRequest(msg string) *Error {
	return &Error{Kind: KindBadRequest, Message: msg}
}

func QuotaExceeded() *Error {
	return &Error{
		Kind:    KindQuotaExceeded,
		Code:    CodeQuotaExceeded,
		Message: "quota exceeded for this drive, payment required",
	}
}

func Maintenance() *Error {
	return &Error{
		Kind:    KindMaintenance,
		Code:    CodeMaintenance,
		Message: "this drive is currently in maintenance mode, try again later",
	}
}

func Internal(msg string) *Error {
	return &Error{Kind: KindInternal, Message: msg}
}

func Internalf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// Is lets errors.Is match on kind: errors.Is(err, fserr.NotFound("")) holds
// for any not-found error regardless of path.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

func IsNotFound(err error) bool      { return IsKind(err, KindNotFound) }
func IsAlreadyExists(err error) bool { return IsKind(err, KindAlreadyExists) }
func IsBadRequest(err error) bool    { return IsKind(err, KindBadRequest) }
