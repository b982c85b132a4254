// Package credential acquires the short-lived tokens that authorise a
// realtime session.
//
// A connect attempt fetches exactly one token. Failures are reported as
// [*Error] so callers can tell a rejected or missing key apart from transport
// failures; nothing here retries on its own.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMissingKey is wrapped by [*Error] when no API key is configured.
var ErrMissingKey = errors.New("api key is not configured")

// Token is an ephemeral client secret.
type Token struct {
	Value string

	// ExpiresAt is zero when the issuer did not report an expiry.
	ExpiresAt time.Time
}

// Expired reports whether the token has passed its expiry at now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Provider yields a fresh token per call.
type Provider interface {
	Token(ctx context.Context) (Token, error)
}

// ProviderFunc adapts a function to [Provider].
type ProviderFunc func(ctx context.Context) (Token, error)

// Token calls f.
func (f ProviderFunc) Token(ctx context.Context) (Token, error) { return f(ctx) }

// Error reports a failed credential acquisition. It is fatal to the connect
// attempt and recoverable by retrying.
type Error struct {
	// Op names the failing step ("mint", "fetch", "decode").
	Op string

	// Status is the HTTP status of the issuer's reply, or 0.
	Status int

	Err error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("credential: %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("credential: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Static returns the same token on every call. An empty value yields an
// [*Error] wrapping [ErrMissingKey].
type Static string

// Token implements [Provider].
func (s Static) Token(context.Context) (Token, error) {
	if s == "" {
		return Token{}, &Error{Op: "static", Err: ErrMissingKey}
	}
	return Token{Value: string(s)}, nil
}

var (
	_ Provider = Static("")
	_ Provider = ProviderFunc(nil)
)
