// Package merge decides what happens when completing a sign-in would
// collide with an account that already exists.
//
// With an anonymous session to upgrade, a collision becomes a Conflict that
// keeps the credential so it can be re-applied after the user signs in to
// the existing account. Without one, the resolver looks up how the existing
// account signs in and asks for that provider when it differs.
package merge

import (
	"context"
	"slices"

	"github.com/louisbranch/authflow/internal/services/authflow/autherr"
	"github.com/louisbranch/authflow/internal/services/authflow/backend"
	"github.com/louisbranch/authflow/internal/services/authflow/signin"
	"github.com/louisbranch/authflow/internal/services/authflow/user"
)

// MethodsFetcher lists the providers an email can sign in with.
type MethodsFetcher interface {
	FetchSignInMethods(ctx context.Context, email string) ([]string, error)
}

// Attempt is the raw outcome of one backend sign-in or link call.
type Attempt struct {
	Result *backend.AuthResult
	Err    error
	// Credential is the credential that was tried.
	Credential backend.Credential
}

// Conflict is an anonymous upgrade that collided with an existing account.
type Conflict struct {
	PendingCredential backend.Credential
	Email             string
	AnonymousUserID   string
}

// Linking asks the user to sign in with ProviderID so PendingCredential can
// be linked to the account that owns Email.
type Linking struct {
	Email             string
	ProviderID        string
	PendingCredential backend.Credential
}

// Outcome holds exactly one of its fields.
type Outcome struct {
	Result   *signin.Result
	Conflict *Conflict
	Linking  *Linking
}

// Resolver applies the anonymous-upgrade policy of one flow.
type Resolver struct {
	upgrade bool
	methods MethodsFetcher
}

// NewResolver creates a resolver. methods may be nil, which disables the
// existing-provider lookup.
func NewResolver(anonymousUpgrade bool, methods MethodsFetcher) *Resolver {
	return &Resolver{upgrade: anonymousUpgrade, methods: methods}
}

// Resolve converts attempt into an Outcome or a classified error. anon is
// the session that existed before the attempt, if any.
func (r *Resolver) Resolve(ctx context.Context, attempt Attempt, anon *user.User) (Outcome, error) {
	if attempt.Err == nil {
		if attempt.Result == nil {
			return Outcome{}, autherr.New(autherr.UnknownException, "sign-in returned no result")
		}
		result := signin.FromAuthResult(*attempt.Result, attempt.Credential)
		return Outcome{Result: &result}, nil
	}

	classified := autherr.Classify(attempt.Err)
	if !isCollision(classified.Kind) {
		return Outcome{}, classified
	}
	pendingCred := attempt.Credential
	if collided := classified.Credential(); collided != nil {
		pendingCred = *collided
	}
	email := classified.Email
	if email == "" {
		email = pendingCred.Email
	}

	if r.upgrade && anon != nil && anon.Anonymous {
		return Outcome{Conflict: &Conflict{
			PendingCredential: pendingCred,
			Email:             email,
			AnonymousUserID:   anon.ID,
		}}, nil
	}

	if r.methods == nil || email == "" {
		return Outcome{}, classified
	}
	methods, err := r.methods.FetchSignInMethods(ctx, email)
	if err != nil || len(methods) == 0 {
		return Outcome{}, classified
	}
	if slices.Contains(methods, pendingCred.ProviderID) {
		return Outcome{}, classified
	}
	return Outcome{Linking: &Linking{
		Email:             email,
		ProviderID:        methods[0],
		PendingCredential: pendingCred,
	}}, nil
}

func isCollision(kind autherr.Kind) bool {
	return kind == autherr.EmailAlreadyInUse || kind == autherr.AccountLinkingRequired
}
