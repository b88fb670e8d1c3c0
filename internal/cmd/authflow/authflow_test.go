package authflow

import (
	"flag"
	"testing"
	"time"
)

func lookupFrom(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("authflow", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil, lookupFrom(nil))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.AppID != "default" {
		t.Fatalf("expected default app id, got %q", cfg.AppID)
	}
	if cfg.HTTPAddr != ":8090" || cfg.GRPCPort != 8091 {
		t.Fatalf("unexpected addresses %q %d", cfg.HTTPAddr, cfg.GRPCPort)
	}
	if cfg.Store != "sqlite" || cfg.DBPath != "data/authflow.db" {
		t.Fatalf("unexpected store %q at %q", cfg.Store, cfg.DBPath)
	}
	if cfg.LinkTTL != 15*time.Minute || cfg.PhoneTimeout != 60*time.Second {
		t.Fatalf("unexpected timeouts %v %v", cfg.LinkTTL, cfg.PhoneTimeout)
	}
	if cfg.FlowTTL != 30*time.Minute || len(cfg.AppIDs) != 0 {
		t.Fatalf("unexpected flow settings %v %v", cfg.FlowTTL, cfg.AppIDs)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	fs := flag.NewFlagSet("authflow", flag.ContinueOnError)
	lookup := lookupFrom(map[string]string{
		"AUTHFLOW_HTTP_ADDR":  "env-http",
		"AUTHFLOW_STORE":      "redis",
		"AUTHFLOW_REDIS_ADDR": "localhost:6379",
		"AUTHFLOW_LINK_TTL":   "5m",
		"AUTHFLOW_APP_IDS":    "mobile,kiosk",
	})
	args := []string{"-http-addr", "flag-http", "-grpc-port", "9000", "-phone-timeout", "10s", "-flow-ttl", "2m"}
	cfg, err := ParseConfig(fs, args, lookup)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-http" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.GRPCPort != 9000 {
		t.Fatalf("expected grpc port 9000, got %d", cfg.GRPCPort)
	}
	if cfg.Store != "redis" || cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("expected env redis store, got %q %q", cfg.Store, cfg.RedisAddr)
	}
	if cfg.LinkTTL != 5*time.Minute || cfg.PhoneTimeout != 10*time.Second || cfg.FlowTTL != 2*time.Minute {
		t.Fatalf("unexpected timeouts %v %v %v", cfg.LinkTTL, cfg.PhoneTimeout, cfg.FlowTTL)
	}
	if len(cfg.AppIDs) != 2 || cfg.AppIDs[0] != "mobile" || cfg.AppIDs[1] != "kiosk" {
		t.Fatalf("unexpected app ids %v", cfg.AppIDs)
	}
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	fs := flag.NewFlagSet("authflow", flag.ContinueOnError)
	if _, err := ParseConfig(fs, []string{"-store", "etcd"}, lookupFrom(nil)); err == nil {
		t.Fatal("expected unknown store error")
	}
	fs = flag.NewFlagSet("authflow", flag.ContinueOnError)
	lookup := lookupFrom(map[string]string{"AUTHFLOW_LINK_TTL": "soon"})
	if _, err := ParseConfig(fs, nil, lookup); err == nil {
		t.Fatal("expected duration parse error")
	}
}
