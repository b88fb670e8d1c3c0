// Package authflow parses the authflow command configuration and runs the
// service.
package authflow

import (
	"context"
	"flag"

	platformcmd "github.com/louisbranch/authflow/internal/platform/cmd"
	"github.com/louisbranch/authflow/internal/platform/config"
	"github.com/louisbranch/authflow/internal/services/authflow/app"
)

// Config holds authflow command configuration.
type Config = app.Config

// ParseConfig loads defaults through lookup and then applies flags. A nil
// lookup reads the process environment.
func ParseConfig(fs *flag.FlagSet, args []string, lookup config.LookupFunc) (Config, error) {
	var cfg Config
	if err := platformcmd.Parse(&cfg, lookup, fs, args, bindFlags); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func bindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.AppID, "app-id", cfg.AppID, "Application id served when a request names none")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The flow HTTP server address")
	fs.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "The gRPC health server port")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "Pending request store: sqlite, redis or memory")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address")
	fs.StringVar(&cfg.FlowConfig, "flow-config", cfg.FlowConfig, "YAML flow configuration path")
	fs.DurationVar(&cfg.FlowTTL, "flow-ttl", cfg.FlowTTL, "Idle time after which a flow is disposed")
	fs.StringVar(&cfg.LinkBaseURL, "link-base-url", cfg.LinkBaseURL, "Base URL of sign-in links")
	fs.DurationVar(&cfg.LinkTTL, "link-ttl", cfg.LinkTTL, "Sign-in link lifetime")
	fs.DurationVar(&cfg.PhoneTimeout, "phone-timeout", cfg.PhoneTimeout, "Phone verification timeout")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn or error")
}

// Run starts the authflow service with telemetry.
func Run(ctx context.Context, cfg Config) error {
	return platformcmd.Run(ctx, platformcmd.ServiceAuthflow, func(ctx context.Context) error {
		return app.Run(ctx, cfg)
	})
}
