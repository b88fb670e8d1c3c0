// Package provider describes sign-in methods and the flow configuration that
// selects them.
package provider

import "strings"

// Well-known provider ids.
const (
	Password  = "password"
	Phone     = "phone"
	EmailLink = "emailLink"
	Anonymous = "anonymous"
	Google    = "google.com"
	Facebook  = "facebook.com"
	Twitter   = "twitter.com"
	GitHub    = "github.com"
	Apple     = "apple.com"
	Microsoft = "microsoft.com"
	Yahoo     = "yahoo.com"
)

// Kind selects which credential material a provider consumes.
type Kind int

const (
	KindPassword Kind = iota
	KindPhone
	KindEmailLink
	KindFederated
	KindGenericOAuth
	KindAnonymous
)

func (k Kind) String() string {
	switch k {
	case KindPassword:
		return "password"
	case KindPhone:
		return "phone"
	case KindEmailLink:
		return "email_link"
	case KindFederated:
		return "federated"
	case KindGenericOAuth:
		return "generic_oauth"
	case KindAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

var federated = map[string]struct{}{
	Google:   {},
	Facebook: {},
	Twitter:  {},
}

// KindOf classifies a provider id. Ids that are not built in are treated as
// generic OAuth providers (apple.com, microsoft.com, oidc.* and similar).
func KindOf(providerID string) Kind {
	switch providerID {
	case Password:
		return KindPassword
	case Phone:
		return KindPhone
	case EmailLink:
		return KindEmailLink
	case Anonymous:
		return KindAnonymous
	}
	if _, ok := federated[providerID]; ok {
		return KindFederated
	}
	return KindGenericOAuth
}

// Config configures one sign-in method.
type Config struct {
	ID               string            `yaml:"id" json:"id"`
	Name             string            `yaml:"name" json:"name,omitempty"`
	Scopes           []string          `yaml:"scopes" json:"scopes,omitempty"`
	CustomParameters map[string]string `yaml:"custom_parameters" json:"customParameters,omitempty"`
	// RequireName asks new password accounts for a display name.
	RequireName bool `yaml:"require_name" json:"requireName,omitempty"`
	// DisableNewAccounts rejects sign-ups through this provider.
	DisableNewAccounts bool `yaml:"disable_new_accounts" json:"disableNewAccounts,omitempty"`
	// RequireEmailVerification holds new password accounts until verified.
	RequireEmailVerification bool `yaml:"require_email_verification" json:"requireEmailVerification,omitempty"`
	// ForceSameDevice requires email links to be opened where they were
	// requested.
	ForceSameDevice bool   `yaml:"force_same_device" json:"forceSameDevice,omitempty"`
	DefaultCountry  string `yaml:"default_country" json:"defaultCountry,omitempty"`
}

// Kind returns the credential kind for this provider.
func (c Config) Kind() Kind {
	return KindOf(c.ID)
}

// DisplayName returns Name or, when empty, the provider id.
func (c Config) DisplayName() string {
	if name := strings.TrimSpace(c.Name); name != "" {
		return name
	}
	return c.ID
}
