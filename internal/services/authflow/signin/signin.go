// Package signin holds the normalized result every sign-in path produces.
package signin

import (
	"strings"

	"github.com/louisbranch/authflow/internal/services/authflow/backend"
	"github.com/louisbranch/authflow/internal/services/authflow/user"
)

// Profile is the provider-reported profile subset the flow cares about.
type Profile struct {
	Name     string
	PhotoURI string
}

// Result is a successful sign-in.
type Result struct {
	ProviderID string
	Credential backend.Credential
	Profile    Profile
	// IsNewUser is false when the backend did not report account creation.
	IsNewUser bool
	User      user.User
}

// FromAuthResult normalizes a backend result. attempted is used when the
// backend does not echo a credential back.
func FromAuthResult(res backend.AuthResult, attempted backend.Credential) Result {
	cred := attempted
	if res.Credential != nil {
		cred = *res.Credential
	}
	cred.Password = ""
	cred.SMSCode = ""

	out := Result{
		ProviderID: cred.ProviderID,
		Credential: cred,
		User:       res.User,
		Profile: Profile{
			Name:     res.User.DisplayName,
			PhotoURI: res.User.PhotoURL,
		},
	}
	if info := res.AdditionalUserInfo; info != nil {
		out.IsNewUser = info.IsNewUser
		if info.ProviderID != "" {
			out.ProviderID = info.ProviderID
		}
		if name := profileString(info.Profile, "name", "displayName"); name != "" {
			out.Profile.Name = name
		}
		if photo := profileString(info.Profile, "picture", "photoUrl", "avatar_url"); photo != "" {
			out.Profile.PhotoURI = photo
		}
	}
	return out
}

func profileString(profile map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := profile[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
