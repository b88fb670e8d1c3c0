package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// LookupFunc resolves one environment key.
type LookupFunc func(key string) (string, bool)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	return ParseEnvWithLookup(target, nil)
}

// ParseEnvWithLookup loads configuration through lookup instead of the process
// environment. A nil lookup reads the process environment.
func ParseEnvWithLookup(target any, lookup LookupFunc) error {
	opts := env.Options{}
	if lookup != nil {
		params, err := env.GetFieldParamsWithOptions(target, opts)
		if err != nil {
			return fmt.Errorf("parse env: %w", err)
		}
		values := make(map[string]string, len(params))
		for _, param := range params {
			if value, ok := lookup(param.Key); ok {
				values[param.Key] = value
			}
		}
		opts.Environment = values
	}
	if err := env.ParseWithOptions(target, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
