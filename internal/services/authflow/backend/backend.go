// Package backend defines the identity backend the sign-in flow talks to.
//
// The backend verifies credentials and owns the canonical user record; the
// flow only forwards credential material and interprets the typed failures
// returned here.
package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/louisbranch/authflow/internal/services/authflow/user"
)

// Credential is proof-of-identity material exchanged with the backend. Only
// the fields relevant to ProviderID are set.
type Credential struct {
	ProviderID     string `json:"providerId"`
	Email          string `json:"email,omitempty"`
	Password       string `json:"-"`
	IDToken        string `json:"idToken,omitempty"`
	AccessToken    string `json:"accessToken,omitempty"`
	Secret         string `json:"secret,omitempty"`
	VerificationID string `json:"verificationId,omitempty"`
	SMSCode        string `json:"-"`
	Link           string `json:"link,omitempty"`
}

// MarshalCredential serializes a credential for persistence. Passwords and
// one-time codes are never written.
func MarshalCredential(c Credential) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal credential: %w", err)
	}
	return data, nil
}

// UnmarshalCredential restores a credential written by MarshalCredential.
func UnmarshalCredential(data []byte) (Credential, error) {
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return Credential{}, fmt.Errorf("unmarshal credential: %w", err)
	}
	if c.ProviderID == "" {
		return Credential{}, fmt.Errorf("unmarshal credential: provider id is required")
	}
	return c, nil
}

// AdditionalUserInfo carries the account-creation signal and raw profile.
type AdditionalUserInfo struct {
	ProviderID string
	IsNewUser  bool
	Profile    map[string]any
}

// AuthResult is a successful backend sign-in.
type AuthResult struct {
	User       user.User
	Credential *Credential
	// AdditionalUserInfo is nil when the backend did not report it.
	AdditionalUserInfo *AdditionalUserInfo
}

// MultiFactorChallenge is a backend-owned second-factor resolver reference.
type MultiFactorChallenge struct {
	ResolverHandle string
	Hint           string
}

// LinkSettings controls how a sign-in link is built.
type LinkSettings struct {
	// ContinueURL is embedded in the link and returned when it is opened.
	ContinueURL string
}

// ActionCodeInfo describes a valid out-of-band code.
type ActionCodeInfo struct {
	Email string
}

// Backend is the remote identity service.
type Backend interface {
	// CurrentUser returns the signed-in user, or nil when there is none.
	CurrentUser(ctx context.Context) (*user.User, error)
	SignInWithCredential(ctx context.Context, cred Credential) (AuthResult, error)
	// LinkWithCredential attaches cred to userID, upgrading anonymous users.
	LinkWithCredential(ctx context.Context, userID string, cred Credential) (AuthResult, error)
	CreateUserWithEmailAndPassword(ctx context.Context, email, password, displayName string) (AuthResult, error)
	SignInAnonymously(ctx context.Context) (AuthResult, error)
	FetchSignInMethods(ctx context.Context, email string) ([]string, error)
	SendSignInLink(ctx context.Context, email string, settings LinkSettings) error
	// IsSignInWithEmailLink reports whether link is structurally a sign-in link.
	IsSignInWithEmailLink(link string) bool
	CheckActionCode(ctx context.Context, code string) (ActionCodeInfo, error)
	// VerifyPhoneNumber sends a code and returns the verification id.
	VerifyPhoneNumber(ctx context.Context, phoneNumber string) (string, error)
	ResolveMultiFactor(ctx context.Context, challenge MultiFactorChallenge, code string) (AuthResult, error)
	SignOut(ctx context.Context) error
}
