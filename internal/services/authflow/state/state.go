// Package state defines the authentication states a sign-in flow moves
// through.
//
// State is a closed sum type: every variant is declared here and reports its
// Kind. Consumers switch on the concrete type and fall back to a panic-free
// default; TestEveryKindHasVariant keeps the Kind list and the variants in
// step.
package state

import (
	"fmt"

	"github.com/louisbranch/authflow/internal/services/authflow/autherr"
	"github.com/louisbranch/authflow/internal/services/authflow/backend"
	"github.com/louisbranch/authflow/internal/services/authflow/user"
)

// Kind names a State variant.
type Kind int

const (
	KindIdle Kind = iota
	KindLoading
	KindSuccess
	KindError
	KindCancelled
	KindRequiresMfa
	KindRequiresEmailVerification
	KindRequiresProfileCompletion
	KindRequiresSignIn
	KindMergeConflict
	KindInvalidLink
	KindWrongDevice
	KindDifferentAnonymousUser
	KindPromptForEmail
	KindCrossDeviceConfirm

	kindCount
)

var kindNames = [...]string{
	KindIdle:                      "idle",
	KindLoading:                   "loading",
	KindSuccess:                   "success",
	KindError:                     "error",
	KindCancelled:                 "cancelled",
	KindRequiresMfa:               "requires_mfa",
	KindRequiresEmailVerification: "requires_email_verification",
	KindRequiresProfileCompletion: "requires_profile_completion",
	KindRequiresSignIn:            "requires_sign_in",
	KindMergeConflict:             "merge_conflict",
	KindInvalidLink:               "invalid_link",
	KindWrongDevice:               "wrong_device",
	KindDifferentAnonymousUser:    "different_anonymous_user",
	KindPromptForEmail:            "prompt_for_email",
	KindCrossDeviceConfirm:        "cross_device_confirm",
}

func (k Kind) String() string {
	if k >= 0 && k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// State is one authentication state.
type State interface {
	Kind() Kind
	state()
}

// Idle is the state before any attempt and after an abandoned attempt.
type Idle struct{}

// Loading marks an attempt in flight.
type Loading struct {
	Message string
}

// Success ends an attempt with a signed-in user.
type Success struct {
	User       user.User
	ProviderID string
	IsNewUser  bool
}

// Error reports a classified failure. It is terminal only when the error is
// not recoverable.
type Error struct {
	Err *autherr.AuthError
}

// Cancelled ends an attempt at the caller's request.
type Cancelled struct{}

// RequiresMfa waits for a second-factor code.
type RequiresMfa struct {
	Challenge backend.MultiFactorChallenge
}

// RequiresEmailVerification waits for the user to verify Email.
type RequiresEmailVerification struct {
	User  user.User
	Email string
}

// RequiresProfileCompletion waits for the listed profile fields.
type RequiresProfileCompletion struct {
	User          user.User
	MissingFields []string
}

// RequiresSignIn asks the user to sign in with ProviderID, usually to an
// existing account that a pending credential will be linked to.
type RequiresSignIn struct {
	ProviderID string
	Email      string
}

// MergeConflict carries the credential to re-apply once the user signs in to
// the account that already owns it.
type MergeConflict struct {
	PendingCredential backend.Credential
	Email             string
}

// InvalidLink reports a malformed, expired or already used sign-in link.
type InvalidLink struct{}

// WrongDevice reports a same-device link opened on another device.
type WrongDevice struct{}

// DifferentAnonymousUser reports a link issued to a different anonymous
// session than the current one.
type DifferentAnonymousUser struct{}

// PromptForEmail asks for the address the link was sent to.
type PromptForEmail struct{}

// CrossDeviceConfirm asks whether to keep linking ProviderID or just sign in
// with the link.
type CrossDeviceConfirm struct {
	Email      string
	ProviderID string
}

func (Idle) Kind() Kind                      { return KindIdle }
func (Loading) Kind() Kind                   { return KindLoading }
func (Success) Kind() Kind                   { return KindSuccess }
func (Error) Kind() Kind                     { return KindError }
func (Cancelled) Kind() Kind                 { return KindCancelled }
func (RequiresMfa) Kind() Kind               { return KindRequiresMfa }
func (RequiresEmailVerification) Kind() Kind { return KindRequiresEmailVerification }
func (RequiresProfileCompletion) Kind() Kind { return KindRequiresProfileCompletion }
func (RequiresSignIn) Kind() Kind            { return KindRequiresSignIn }
func (MergeConflict) Kind() Kind             { return KindMergeConflict }
func (InvalidLink) Kind() Kind               { return KindInvalidLink }
func (WrongDevice) Kind() Kind               { return KindWrongDevice }
func (DifferentAnonymousUser) Kind() Kind    { return KindDifferentAnonymousUser }
func (PromptForEmail) Kind() Kind            { return KindPromptForEmail }
func (CrossDeviceConfirm) Kind() Kind        { return KindCrossDeviceConfirm }

func (Idle) state()                      {}
func (Loading) state()                   {}
func (Success) state()                   {}
func (Error) state()                     {}
func (Cancelled) state()                 {}
func (RequiresMfa) state()               {}
func (RequiresEmailVerification) state() {}
func (RequiresProfileCompletion) state() {}
func (RequiresSignIn) state()            {}
func (MergeConflict) state()             {}
func (InvalidLink) state()               {}
func (WrongDevice) state()               {}
func (DifferentAnonymousUser) state()    {}
func (PromptForEmail) state()            {}
func (CrossDeviceConfirm) state()        {}

// Recoverable reports whether the flow may continue after e.
func (e Error) Recoverable() bool {
	return e.Err == nil || e.Err.Recoverable
}

// IsTerminal reports whether s ends the current attempt.
func IsTerminal(s State) bool {
	switch v := s.(type) {
	case Success, Cancelled:
		return true
	case Error:
		return !v.Recoverable()
	default:
		return false
	}
}

// Failure wraps err in an Error state, classifying it first.
func Failure(err error) Error {
	return Error{Err: autherr.Classify(err)}
}
