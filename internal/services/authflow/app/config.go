package app

import (
	"fmt"
	"strings"
	"time"
)

// Store kinds accepted by Config.Store.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds the service settings. Fields carry their environment keys so
// commands can load them with platform/config before applying flags.
type Config struct {
	AppID string `env:"AUTHFLOW_APP_ID" envDefault:"default"`
	// AppIDs lists the other application ids clients may name.
	AppIDs        []string      `env:"AUTHFLOW_APP_IDS" envSeparator:","`
	HTTPAddr      string        `env:"AUTHFLOW_HTTP_ADDR" envDefault:":8090"`
	GRPCPort      int           `env:"AUTHFLOW_GRPC_PORT" envDefault:"8091"`
	Store         string        `env:"AUTHFLOW_STORE" envDefault:"sqlite"`
	DBPath        string        `env:"AUTHFLOW_DB_PATH" envDefault:"data/authflow.db"`
	RedisAddr     string        `env:"AUTHFLOW_REDIS_ADDR"`
	RedisPassword string        `env:"AUTHFLOW_REDIS_PASSWORD"`
	FlowConfig    string        `env:"AUTHFLOW_FLOW_CONFIG"`
	FlowTTL       time.Duration `env:"AUTHFLOW_FLOW_TTL" envDefault:"30m"`
	ContinueURL   string        `env:"AUTHFLOW_CONTINUE_URL" envDefault:"http://localhost:8090/"`
	LinkBaseURL   string        `env:"AUTHFLOW_LINK_BASE_URL" envDefault:"http://localhost:8090/links/open"`
	LinkTTL       time.Duration `env:"AUTHFLOW_LINK_TTL" envDefault:"15m"`
	LinkSecret    string        `env:"AUTHFLOW_LINK_SECRET"`
	PhoneTimeout  time.Duration `env:"AUTHFLOW_PHONE_TIMEOUT" envDefault:"60s"`
	LogLevel      string        `env:"AUTHFLOW_LOG_LEVEL" envDefault:"info"`
	OIDCProviders string        `env:"AUTHFLOW_OIDC_PROVIDERS"`
}

// Validate reports settings that cannot start a server.
func (c Config) Validate() error {
	if strings.TrimSpace(c.AppID) == "" {
		return fmt.Errorf("app id is required")
	}
	if c.GRPCPort < 0 {
		return fmt.Errorf("grpc port must not be negative")
	}
	switch c.Store {
	case StoreSQLite:
		if strings.TrimSpace(c.DBPath) == "" {
			return fmt.Errorf("db path is required for the sqlite store")
		}
	case StoreRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("redis address is required for the redis store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.LinkTTL < 0 || c.PhoneTimeout < 0 || c.FlowTTL < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}
