package cloud

import (
	"errors"
	"fmt"
)

// Sentinel errors for cloud operations.
var (
	// ErrRateLimited is returned when the backend refuses a request because
	// it was repeated too soon (SMS code requests).
	ErrRateLimited = errors.New("cloud: rate limited")

	// ErrMalformedResponse is returned when a response body cannot be decoded.
	ErrMalformedResponse = errors.New("cloud: malformed response")

	// ErrMalformedShadow is returned when a shadow document carries no version.
	ErrMalformedShadow = errors.New("cloud: malformed shadow document")

	// ErrRejected is returned when the backend answers with a non-zero code
	// that is neither an auth nor a rate-limit failure.
	ErrRejected = errors.New("cloud: request rejected")
)

// AuthError means the backend rejected the credentials or the access token.
type AuthError struct {
	Op      string
	Status  int
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("cloud: %s: authentication failed (status %d, code %d): %s", e.Op, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("cloud: %s: authentication failed (status %d, code %d)", e.Op, e.Status, e.Code)
}

// TransientNetworkError wraps a failure that may succeed when retried.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("cloud: %s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// IsAuth reports whether err is, or wraps, an *AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is, or wraps, a *TransientNetworkError.
func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}
