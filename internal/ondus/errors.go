package ondus

import (
	"context"
	"errors"
	"fmt"
)

// AuthErrorKind classifies fatal authentication failures.
type AuthErrorKind int

const (
	// AuthUnauthenticated means the interactive login flow itself failed
	// (form parsing, rejected password, broken redirect).
	AuthUnauthenticated AuthErrorKind = iota
	// AuthExpired means both the access and refresh windows have lapsed;
	// a full re-login with primary credentials is required.
	AuthExpired
	// AuthRefreshRejected means the refresh endpoint answered but did not
	// issue a new token (e.g. revoked refresh token).
	AuthRefreshRejected
)

func (k AuthErrorKind) String() string {
	switch k {
	case AuthUnauthenticated:
		return "unauthenticated"
	case AuthExpired:
		return "expired"
	case AuthRefreshRejected:
		return "refresh_rejected"
	default:
		return "unknown"
	}
}

// AuthError is the only error that crosses component boundaries as a hard
// failure. Everything else (network, 5xx, malformed payloads) is absorbed at
// the wire boundary and converted to empty results.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("auth %s", e.Kind)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is an AuthError of the given kind.
func IsAuthError(err error, kind AuthErrorKind) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == kind
}

// isTransient reports whether an error is worth retrying with backoff.
// Transport-level failures are transient; cancellation and auth failures
// are not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ae *AuthError
	return !errors.As(err, &ae)
}
