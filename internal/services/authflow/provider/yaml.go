package provider

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// flowDocument is the YAML layout of a FlowConfiguration.
type flowDocument struct {
	Providers         []Config `yaml:"providers"`
	DefaultProvider   string   `yaml:"default_provider"`
	TermsURL          string   `yaml:"tos_url"`
	PrivacyPolicyURL  string   `yaml:"privacy_policy_url"`
	AnonymousUpgrade  bool     `yaml:"anonymous_upgrade"`
	AlwaysShowChooser bool     `yaml:"always_show_chooser"`
	Theme             string   `yaml:"theme"`
	Logo              string   `yaml:"logo"`
}

// LoadFlowConfiguration reads a YAML flow configuration from path. The result
// is not validated; Normalize runs when a flow starts.
func LoadFlowConfiguration(path string) (FlowConfiguration, error) {
	f, err := os.Open(path)
	if err != nil {
		return FlowConfiguration{}, fmt.Errorf("open flow config: %w", err)
	}
	defer f.Close()
	return DecodeFlowConfiguration(f)
}

// DecodeFlowConfiguration decodes a YAML flow configuration.
func DecodeFlowConfiguration(r io.Reader) (FlowConfiguration, error) {
	var doc flowDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return FlowConfiguration{}, fmt.Errorf("decode flow config: %w", err)
	}
	return FlowConfiguration{
		Providers:         doc.Providers,
		DefaultProviderID: doc.DefaultProvider,
		TermsURL:          doc.TermsURL,
		PrivacyPolicyURL:  doc.PrivacyPolicyURL,
		AnonymousUpgrade:  doc.AnonymousUpgrade,
		AlwaysShowChooser: doc.AlwaysShowChooser,
		Theme:             doc.Theme,
		Logo:              doc.Logo,
	}, nil
}
