// Package redis keeps pending requests in Redis so several service
// instances can share them.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/authflow/internal/services/authflow/pending"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "authflow:pending:"

// Store implements pending.Store with one string key per application id.
type Store struct {
	client *goredis.Client
	// ttl bounds how long an unopened request is kept; zero keeps it until
	// it is deleted.
	ttl time.Duration
}

var _ pending.Store = (*Store)(nil)

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string) (*goredis.Client, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// New wraps client. Requests expire after ttl when it is positive.
func New(client *goredis.Client, ttl time.Duration) *Store {
	if ttl < 0 {
		ttl = 0
	}
	return &Store{client: client, ttl: ttl}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func key(appID string) string {
	return keyPrefix + appID
}

func (s *Store) Save(ctx context.Context, appID string, req pending.Request) error {
	if strings.TrimSpace(appID) == "" {
		return fmt.Errorf("app id is required")
	}
	if err := req.Validate(); err != nil {
		return err
	}
	data, err := pending.Marshal(req)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key(appID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save pending request: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, appID string) (pending.Request, error) {
	data, err := s.client.Get(ctx, key(appID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return pending.Request{}, pending.ErrNotFound
	}
	if err != nil {
		return pending.Request{}, fmt.Errorf("load pending request: %w", err)
	}
	return pending.Unmarshal(data)
}

func (s *Store) Delete(ctx context.Context, appID string) error {
	if err := s.client.Del(ctx, key(appID)).Err(); err != nil {
		return fmt.Errorf("delete pending request: %w", err)
	}
	return nil
}
