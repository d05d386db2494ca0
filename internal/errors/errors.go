package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types for the session layer
var (
	// Session errors
	ErrNoSession         = errors.New("no active session")
	ErrPartialSession    = errors.New("session must carry access token, refresh token and user")
	ErrSessionSuperseded = errors.New("session superseded")

	// Token errors
	ErrNoRefreshToken      = errors.New("no refresh token")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrInvalidToken        = errors.New("invalid token")

	// Refresh coordination errors
	ErrRefreshTimeout   = errors.New("refresh did not complete in time")
	ErrRefreshCancelled = errors.New("refresh cancelled")

	// Request taxonomy
	ErrTransport      = errors.New("transport error")
	ErrAuthentication = errors.New("authentication failed")
	ErrAuthorization  = errors.New("not authorized")
	ErrValidation     = errors.New("request rejected")
	ErrServer         = errors.New("server error")

	// General errors
	ErrInvalidRequest = errors.New("invalid request")
)

// Kind classifies a failed outbound request.
type Kind string

const (
	KindTransport      Kind = "transport"      // No response reached the client
	KindAuthentication Kind = "authentication" // 401, credentials rejected
	KindAuthorization  Kind = "authorization"  // 403, valid session without rights
	KindValidation     Kind = "validation"     // Other 4xx
	KindServer         Kind = "server"         // 5xx
)

// RequestError is the single terminal error surfaced to callers above the gateway.
type RequestError struct {
	Kind    Kind
	Status  int    // Zero for transport failures
	Message string // Server supplied message, if any
	Err     error
}

func (e *RequestError) Error() string {
	detail := e.Message
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	switch {
	case e.Status == 0:
		return fmt.Sprintf("%s: %s", e.Kind, detail)
	case detail != "":
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, detail)
	default:
		return fmt.Sprintf("%s (%d)", e.Kind, e.Status)
	}
}

// Unwrap returns the wrapped cause, falling back to the sentinel for the kind.
func (e *RequestError) Unwrap() []error {
	errs := []error{kindSentinel(e.Kind)}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func kindSentinel(k Kind) error {
	switch k {
	case KindTransport:
		return ErrTransport
	case KindAuthentication:
		return ErrAuthentication
	case KindAuthorization:
		return ErrAuthorization
	case KindValidation:
		return ErrValidation
	default:
		return ErrServer
	}
}

// KindForStatus maps an HTTP status onto the taxonomy. ok is false for non-error statuses.
func KindForStatus(status int) (kind Kind, ok bool) {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthentication, true
	case status == http.StatusForbidden:
		return KindAuthorization, true
	case status >= 400 && status < 500:
		return KindValidation, true
	case status >= 500:
		return KindServer, true
	}
	return "", false
}

// FromStatus builds a RequestError for an error status. Non-error statuses return nil.
func FromStatus(status int, message string) error {
	kind, ok := KindForStatus(status)
	if !ok {
		return nil
	}
	return &RequestError{Kind: kind, Status: status, Message: message}
}

// Transport wraps a failure where no response reached the client.
func Transport(err error) error {
	if err == nil {
		return nil
	}
	return &RequestError{Kind: KindTransport, Err: err}
}

// IsAuthentication reports whether err is a 401-class failure.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// IsAuthorization reports whether err is a 403-class failure.
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrAuthorization)
}

// IsTransport reports whether err means no response was received.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsValidation reports whether err is a 4xx failure other than 401 and 403.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsServer reports whether err is a 5xx failure.
func IsServer(err error) bool {
	return errors.Is(err, ErrServer)
}

// StatusOf returns the HTTP status carried by err, or zero.
func StatusOf(err error) int {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Status
	}
	return 0
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
