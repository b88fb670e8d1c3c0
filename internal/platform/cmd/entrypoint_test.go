package cmd

import (
	"context"
	"errors"
	"flag"
	"io"
	"testing"
)

type testConfig struct {
	Address string `env:"CMD_TEST_ADDRESS" envDefault:"127.0.0.1:8080"`
	Mode    string `env:"CMD_TEST_MODE" envDefault:"server"`
}

func bindTestFlags(fs *flag.FlagSet, cfg *testConfig) {
	fs.StringVar(&cfg.Address, "address", cfg.Address, "address")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "mode")
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		args    []string
		address string
		mode    string
	}{
		{name: "defaults", address: "127.0.0.1:8080", mode: "server"},
		{
			name:    "environment",
			env:     map[string]string{"CMD_TEST_MODE": "lookup-mode"},
			address: "127.0.0.1:8080",
			mode:    "lookup-mode",
		},
		{
			name:    "flags win",
			env:     map[string]string{"CMD_TEST_ADDRESS": "env:9000", "CMD_TEST_MODE": "env-mode"},
			args:    []string{"-address", "flag:9001"},
			address: "flag:9001",
			mode:    "env-mode",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := func(key string) (string, bool) {
				v, ok := tt.env[key]
				return v, ok
			}
			var cfg testConfig
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			if err := Parse(&cfg, lookup, fs, tt.args, bindTestFlags); err != nil {
				t.Fatalf("parse: %v", err)
			}
			if cfg.Address != tt.address || cfg.Mode != tt.mode {
				t.Fatalf("config = %+v, want %s %s", cfg, tt.address, tt.mode)
			}
		})
	}
}

func TestParseRejectsMissingInputs(t *testing.T) {
	if err := Parse[testConfig](nil, nil, flag.NewFlagSet("test", flag.ContinueOnError), nil, nil); err == nil {
		t.Fatal("expected missing config error")
	}
	if err := Parse(&testConfig{}, nil, nil, nil, nil); err == nil {
		t.Fatal("expected missing flag parser error")
	}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := Parse(&testConfig{}, nil, fs, []string{"-unknown"}, bindTestFlags); err == nil {
		t.Fatal("expected unknown flag error")
	}
}

func TestRunRejectsMissingInputs(t *testing.T) {
	if err := Run(context.Background(), " ", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected missing service error")
	}
	if err := Run(context.Background(), ServiceAuthflow, nil); err == nil {
		t.Fatal("expected missing run function error")
	}
}

func TestRunCallsLoop(t *testing.T) {
	t.Setenv("AUTHFLOW_OTEL_ENDPOINT", "")
	boom := errors.New("boom")
	called := false
	err := Run(context.Background(), ServiceAuthflow, func(context.Context) error {
		called = true
		return boom
	})
	if !called {
		t.Fatal("expected run loop to be called")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("run error = %v, want %v", err, boom)
	}
}
