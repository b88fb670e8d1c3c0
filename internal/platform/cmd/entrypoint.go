// Package cmd holds the startup steps shared by service commands.
package cmd

import (
	"context"
	"errors"
	"flag"
	"log"
	"strings"

	"github.com/louisbranch/authflow/internal/platform/config"
	"github.com/louisbranch/authflow/internal/platform/otel"
	"github.com/louisbranch/authflow/internal/platform/timeouts"
)

// ServiceAuthflow names the sign-in flow service in telemetry.
const ServiceAuthflow = "authflow"

// Parse fills cfg from lookup, lets bind register flags seeded with those
// values, and parses args. Flags win over the environment.
func Parse[T any](cfg *T, lookup config.LookupFunc, fs *flag.FlagSet, args []string, bind func(*flag.FlagSet, *T)) error {
	if cfg == nil {
		return errors.New("config target is required")
	}
	if fs == nil {
		return errors.New("flag parser is required")
	}
	if err := config.ParseEnvWithLookup(cfg, lookup); err != nil {
		return err
	}
	if bind != nil {
		bind(fs, cfg)
	}
	if args == nil {
		args = []string{}
	}
	return fs.Parse(args)
}

// Run sets up telemetry for service, calls run, and flushes telemetry once
// run returns.
func Run(ctx context.Context, service string, run func(context.Context) error) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return errors.New("service name is required")
	}
	if run == nil {
		return errors.New("run function is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	shutdown, err := otel.Setup(ctx, service)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			log.Printf("%s otel shutdown: %v", service, err)
		}
	}()
	return run(ctx)
}
