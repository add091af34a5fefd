package sawerni

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies an API failure for the caller's retry/UX decision.
type ErrorKind string

const (
	// ErrValidation is a locally-rejected request (empty send, too many
	// or too large attachments). Never reaches the network.
	ErrValidation ErrorKind = "validation"
	// ErrAuth is a 401 that survived the transport's token refresh.
	ErrAuth ErrorKind = "auth"
	// ErrPermission is a 403.
	ErrPermission ErrorKind = "permission"
	// ErrNotFound is a 404, e.g. a conversation deleted concurrently.
	ErrNotFound ErrorKind = "not_found"
	// ErrServer is a 5xx; transient, retry is user-initiated.
	ErrServer ErrorKind = "server"
	// ErrTransport is a network-level failure; treated like ErrServer.
	ErrTransport ErrorKind = "transport"
)

// APIError is the typed error returned by every Client call and surfaced
// through the Syncer. Failures roll back engine state before this is
// returned, so an APIError never implies a corrupted view.
type APIError struct {
	Kind    ErrorKind
	Status  int
	Code    string
	Message string
	cause   error
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *APIError) Unwrap() error { return e.cause }

// Is lets errors.Is match on a bare kind sentinel, e.g.
// errors.Is(err, &APIError{Kind: ErrNotFound}).
func (e *APIError) Is(target error) bool {
	var t *APIError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Status == 0 || t.Status == e.Status)
}

// ErrorKindOf extracts the kind from an error chain, or "" if the error
// is not an APIError.
func ErrorKindOf(err error) ErrorKind {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

func validationError(msg string) *APIError {
	return &APIError{Kind: ErrValidation, Message: msg}
}

func transportError(err error) *APIError {
	return &APIError{Kind: ErrTransport, Message: err.Error(), cause: err}
}

// statusError maps an HTTP status to the error taxonomy. code/message come
// from the response body when the server supplied them.
func statusError(status int, code, message string) *APIError {
	if message == "" {
		message = http.StatusText(status)
	}
	kind := ErrServer
	switch {
	case status == http.StatusUnauthorized:
		kind = ErrAuth
	case status == http.StatusForbidden:
		kind = ErrPermission
	case status == http.StatusNotFound:
		kind = ErrNotFound
	case status >= 400 && status < 500:
		kind = ErrValidation
	}
	return &APIError{Kind: kind, Status: status, Code: code, Message: message}
}
