package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/gema-chat/internal/backend"
)

// ErrorKind classifies a remote failure.
type ErrorKind string

const (
	KindTransient     ErrorKind = "transient"
	KindAuth          ErrorKind = "auth"
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindNotConfigured ErrorKind = "not_configured"
)

// NotConfiguredMessage is surfaced once when no backend connection exists.
const NotConfiguredMessage = "Chat backend is not configured. Set CHAT_DATABASE_URL and restart."

// RemoteError is returned by every gateway operation that fails.
type RemoteError struct {
	Op      string
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a RemoteError wrapped in err, or "" when err is nil
// or not a RemoteError.
func KindOf(err error) ErrorKind {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Kind
	}
	return ""
}

// IsNotConfigured reports whether err stems from an absent backend.
func IsNotConfigured(err error) bool {
	return KindOf(err) == KindNotConfigured || errors.Is(err, backend.ErrNotConfigured)
}

func notConfigured(op string) *RemoteError {
	return &RemoteError{Op: op, Kind: KindNotConfigured, Message: NotConfiguredMessage, Err: backend.ErrNotConfigured}
}

func validationError(op string, err error) *RemoteError {
	return &RemoteError{Op: op, Kind: KindValidation, Status: http.StatusBadRequest, Message: describeValidation(err), Err: err}
}

// classify maps the final error of an operation onto the taxonomy. For auth
// operations every 4xx is an auth failure.
func classify(op string, authOp bool, err error) *RemoteError {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote
	}

	out := &RemoteError{Op: op, Kind: KindTransient, Message: err.Error(), Err: err}

	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) {
		out.Status = statusErr.Status
		out.Message = statusErr.Message
	}

	switch {
	case errors.Is(err, backend.ErrNotConfigured):
		return notConfigured(op)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		out.Message = fmt.Sprintf("%s was interrupted", strings.ReplaceAll(op, "_", " "))
	case authOp && out.Status >= 400 && out.Status < 500:
		out.Kind = KindAuth
	case out.Status == http.StatusUnauthorized, out.Status == http.StatusForbidden:
		out.Kind = KindAuth
	case out.Status == http.StatusNotFound:
		out.Kind = KindNotFound
	case out.Status >= 400 && out.Status < 500:
		out.Kind = KindValidation
	}
	return out
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s is invalid (%s)", strings.ToLower(fieldErr.Field()), fieldErr.Tag()))
	}
	return strings.Join(parts, "; ")
}
