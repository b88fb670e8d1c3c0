package provider

import (
	"net/url"
	"strings"

	apperrors "github.com/louisbranch/authflow/internal/platform/errors"
)

// FlowConfiguration is the developer-supplied surface validated when a flow
// starts.
type FlowConfiguration struct {
	Providers         []Config
	DefaultProviderID string
	TermsURL          string
	PrivacyPolicyURL  string
	AnonymousUpgrade  bool
	AlwaysShowChooser bool
	// Theme and Logo are opaque handles for the rendering layer.
	Theme string
	Logo  string
}

// Normalize validates cfg and returns a copy with defaults applied. The
// password provider is injected when no provider is configured.
func (cfg FlowConfiguration) Normalize() (FlowConfiguration, error) {
	out := cfg
	out.DefaultProviderID = strings.TrimSpace(cfg.DefaultProviderID)
	out.Providers = make([]Config, 0, len(cfg.Providers))
	seen := make(map[string]struct{}, len(cfg.Providers))
	for _, p := range cfg.Providers {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return FlowConfiguration{}, apperrors.New(apperrors.CodeConfigInvalid, "provider id is required")
		}
		if _, dup := seen[p.ID]; dup {
			return FlowConfiguration{}, apperrors.WithMetadata(
				apperrors.CodeProviderDuplicate,
				"provider "+p.ID+" is configured more than once",
				map[string]string{"ProviderID": p.ID},
			)
		}
		seen[p.ID] = struct{}{}
		out.Providers = append(out.Providers, p)
	}
	if len(out.Providers) == 0 {
		out.Providers = []Config{{ID: Password}}
	}

	if len(out.Providers) == 1 && out.Providers[0].ID == Anonymous {
		return FlowConfiguration{}, apperrors.New(apperrors.CodeAnonymousOnly,
			"anonymous sign-in cannot be the only provider")
	}
	if out.DefaultProviderID != "" {
		if _, ok := out.Provider(out.DefaultProviderID); !ok {
			return FlowConfiguration{}, apperrors.WithMetadata(
				apperrors.CodeDefaultProviderMissing,
				"default provider "+out.DefaultProviderID+" is not configured",
				map[string]string{"ProviderID": out.DefaultProviderID},
			)
		}
		if out.AlwaysShowChooser {
			return FlowConfiguration{}, apperrors.New(apperrors.CodeChooserWithDefault,
				"always show chooser cannot be combined with a default provider")
		}
	}
	if (out.TermsURL == "") != (out.PrivacyPolicyURL == "") {
		return FlowConfiguration{}, apperrors.New(apperrors.CodeConfigInvalid,
			"terms and privacy policy urls must be set together")
	}
	for _, raw := range []string{out.TermsURL, out.PrivacyPolicyURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || !u.IsAbs() {
			return FlowConfiguration{}, apperrors.WithMetadata(apperrors.CodeConfigInvalid,
				"legal url must be absolute", map[string]string{"URL": raw})
		}
	}
	if out.AnonymousUpgrade {
		if link, ok := out.Provider(EmailLink); ok && !link.ForceSameDevice {
			return FlowConfiguration{}, apperrors.New(apperrors.CodeConfigInvalid,
				"email link sign-in with anonymous upgrade must force the same device")
		}
	}
	return out, nil
}

// Provider returns the configuration for providerID.
func (cfg FlowConfiguration) Provider(providerID string) (Config, bool) {
	for _, p := range cfg.Providers {
		if p.ID == providerID {
			return p, true
		}
	}
	return Config{}, false
}

// ProviderIDs returns the configured ids in order.
func (cfg FlowConfiguration) ProviderIDs() []string {
	ids := make([]string, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		ids = append(ids, p.ID)
	}
	return ids
}
