package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	platformgrpc "github.com/louisbranch/authflow/internal/platform/grpc"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		AppID:        "default",
		AppIDs:       []string{"mobile"},
		HTTPAddr:     "127.0.0.1:0",
		GRPCPort:     0,
		Store:        StoreSQLite,
		DBPath:       filepath.Join(t.TempDir(), "nested", "authflow.db"),
		ContinueURL:  "http://localhost:8090/",
		LinkBaseURL:  "http://localhost:8090/links/open",
		LinkTTL:      15 * time.Minute,
		LinkSecret:   "test-secret",
		PhoneTimeout: time.Second,
		LogLevel:     "error",
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing app id", mutate: func(c *Config) { c.AppID = " " }},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "etcd" }},
		{name: "sqlite without path", mutate: func(c *Config) { c.DBPath = "" }},
		{name: "redis without address", mutate: func(c *Config) { c.Store = StoreRedis }},
		{name: "negative port", mutate: func(c *Config) { c.GRPCPort = -1 }},
		{name: "negative ttl", mutate: func(c *Config) { c.LinkTTL = -time.Second }},
		{name: "negative flow ttl", mutate: func(c *Config) { c.FlowTTL = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if err := testConfig(t).Validate(); err != nil {
		t.Fatalf("valid config: %v", err)
	}
}

func TestNewRejectsBadFlowConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	doc := "providers:\n  - id: password\n  - id: password\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write flow config: %v", err)
	}
	cfg := testConfig(t)
	cfg.FlowConfig = path
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected duplicate provider error")
	}
}

func TestNewRejectsRelativeContinueURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = StoreMemory
	cfg.ContinueURL = "/finish"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected continue url error")
	}
}

func TestServeHTTPAndHealth(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		t.Fatalf("sqlite store not created: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	base := "http://" + s.HTTPAddr()
	resp, err := http.Get(base + "/up")
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("up status = %d", resp.StatusCode)
	}

	resp, err = http.Post(base+"/flows", "application/json", strings.NewReader(`{"appId":"mobile"}`))
	if err != nil {
		t.Fatalf("start flow: %v", err)
	}
	var started struct {
		ID    string `json:"id"`
		AppID string `json:"appId"`
	}
	err = json.NewDecoder(resp.Body).Decode(&started)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode flow: %v", err)
	}
	if resp.StatusCode != http.StatusCreated || started.ID == "" || started.AppID != "mobile" {
		t.Fatalf("unexpected start: %d %+v", resp.StatusCode, started)
	}
	if s.engines.Len() != 2 {
		t.Fatalf("engines = %d, want default and mobile", s.engines.Len())
	}

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	if err := platformgrpc.WaitForHealth(checkCtx, s.GRPCAddr(), HealthService); err != nil {
		t.Fatalf("health check: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
	if s.engines.Len() != 0 {
		t.Fatal("engines were not released")
	}
}

func TestOpenStoreMemory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = StoreMemory
	store, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if store == nil {
		t.Fatal("expected store")
	}
	if err := closeStore(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDiscoverExchangerWithoutProviders(t *testing.T) {
	ex, err := discoverExchanger(context.Background(), "")
	if err != nil || ex != nil {
		t.Fatalf("exchanger = %v, %v", ex, err)
	}
	if _, err := discoverExchanger(context.Background(), "[{"); err == nil {
		t.Fatal("expected parse error")
	}
}
