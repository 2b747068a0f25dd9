package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Kind classifies a failure so that handlers can decide what to show and whether to report it.
type Kind string

const (
	// EnvironmentError means the host lacks a capability the flow depends on, such as per-tab storage.
	EnvironmentError Kind = "environment"
	// InvalidRedirectShapeError means the identity provider returned a payload missing required fields.
	InvalidRedirectShapeError Kind = "invalid_redirect_shape"
	// AuthResolutionError means the identity provider rejected or failed the redirect.
	AuthResolutionError Kind = "auth_resolution"
	// CalendarExchangeError means the backend refused the calendar authorization code.
	CalendarExchangeError Kind = "calendar_exchange"
	NetworkError          Kind = "network"
	GeneralError          Kind = "general"
)

// Error is a classified failure. Message is safe to show to the user.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	default:
		return e.Message + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works
// as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// NewError returns an *Error of the given kind.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies err as kind. If err is already an *Error it is returned unchanged so the
// original classification survives.
func WrapError(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

var networkHints = []string{
	"network",
	"timeout",
	"connection refused",
	"connection reset",
	"no such host",
	"failed to fetch",
	"502",
	"503",
	"504",
}

// KindOf returns the kind of err. Errors that were never classified are inspected: transport level
// failures are NetworkError, everything else is GeneralError.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NetworkError
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return NetworkError
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range networkHints {
		if strings.Contains(msg, hint) {
			return NetworkError
		}
	}
	return GeneralError
}

// Expected reports whether errors of kind k are part of normal operation. Expected errors are logged
// but not sent to crash reporting.
func Expected(k Kind) bool {
	switch k {
	case NetworkError, InvalidRedirectShapeError, CalendarExchangeError:
		return true
	default:
		return false
	}
}

// UserMessage returns the text shown in an error banner for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case EnvironmentError:
		return "Your browser does not support the storage this sign-in needs. Please try another browser."
	case InvalidRedirectShapeError:
		return "Sign-in returned incomplete account details. Please try again."
	case AuthResolutionError:
		return "We could not complete sign-in. Please try again."
	case NetworkError:
		return "Network error. Check your connection and try again."
	case CalendarExchangeError:
		var e *Error
		if errors.As(err, &e) && e.Message != "" {
			return e.Message
		}
		return "Could not connect your calendar."
	default:
		return "Something went wrong. Please try again."
	}
}
