// Package autherr classifies sign-in failures into a closed set of kinds.
package autherr

import (
	"errors"
	"fmt"

	"github.com/louisbranch/authflow/internal/services/authflow/backend"
)

// Kind is a closed set of failure categories.
type Kind int

const (
	UnknownException Kind = iota
	NetworkException
	InvalidCredentials
	UserNotFound
	WeakPassword
	EmailAlreadyInUse
	TooManyRequests
	MfaRequired
	AccountLinkingRequired
	AuthCancelled

	// Email-link conditions. Classify never produces these; the email-link
	// handler reports them through dedicated states.
	InvalidLink
	WrongDevice
	DifferentAnonymousUser
)

var kindNames = map[Kind]string{
	UnknownException:       "UnknownException",
	NetworkException:       "NetworkException",
	InvalidCredentials:     "InvalidCredentials",
	UserNotFound:           "UserNotFound",
	WeakPassword:           "WeakPassword",
	EmailAlreadyInUse:      "EmailAlreadyInUse",
	TooManyRequests:        "TooManyRequests",
	MfaRequired:            "MfaRequired",
	AccountLinkingRequired: "AccountLinkingRequired",
	AuthCancelled:          "AuthCancelled",
	InvalidLink:            "InvalidLink",
	WrongDevice:            "WrongDevice",
	DifferentAnonymousUser: "DifferentAnonymousUser",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Recoverable reports the default recoverability of k. Only rate limiting
// requires the caller to wait instead of retrying.
func (k Kind) Recoverable() bool {
	return k != TooManyRequests
}

// AuthError is a classified sign-in failure.
type AuthError struct {
	Kind        Kind
	Message     string
	Cause       error
	Recoverable bool
	// Email is the address involved in an account collision.
	Email string
	// Reason explains a WeakPassword failure.
	Reason string
}

// New creates an AuthError with the kind's default recoverability.
func New(kind Kind, message string) *AuthError {
	return &AuthError{Kind: kind, Message: message, Recoverable: kind.Recoverable()}
}

// Wrap creates an AuthError carrying cause.
func Wrap(kind Kind, message string, cause error) *AuthError {
	e := New(kind, message)
	e.Cause = cause
	return e
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// Unwrap returns the underlying cause.
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Is matches AuthErrors by kind.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

// Challenge returns the multi-factor challenge carried by the cause, if any.
func (e *AuthError) Challenge() *backend.MultiFactorChallenge {
	var failure *backend.Failure
	if errors.As(e.Cause, &failure) {
		return failure.Challenge
	}
	return nil
}

// Credential returns the collided credential carried by the cause, if any.
func (e *AuthError) Credential() *backend.Credential {
	var failure *backend.Failure
	if errors.As(e.Cause, &failure) {
		return failure.Credential
	}
	return nil
}

// As returns the AuthError in err's chain.
func As(err error) (*AuthError, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}
