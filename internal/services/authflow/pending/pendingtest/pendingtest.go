// Package pendingtest holds the behavior every pending.Store must share.
package pendingtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/authflow/internal/services/authflow/backend"
	"github.com/louisbranch/authflow/internal/services/authflow/pending"
)

// Run exercises a store created by newStore. Each subtest gets its own store.
func Run(t *testing.T, newStore func(t *testing.T) pending.Store) {
	t.Helper()

	t.Run("load missing", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.Load(context.Background(), "app"); !errors.Is(err, pending.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		want := Request("alice@example.com", "sid-1")
		want.ForceSameDevice = true
		want.AnonymousUserID = "anon-1"
		want.LinkingCredential = &backend.Credential{ProviderID: "google.com", IDToken: "tok"}
		if err := store.Save(ctx, "app", want); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, err := store.Load(ctx, "app")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		assertEqual(t, got, pending.Normalize(want))
	})

	t.Run("save replaces", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Save(ctx, "app", Request("first@example.com", "sid-1")); err != nil {
			t.Fatalf("save first: %v", err)
		}
		if err := store.Save(ctx, "app", Request("second@example.com", "sid-2")); err != nil {
			t.Fatalf("save second: %v", err)
		}
		got, err := store.Load(ctx, "app")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.Email != "second@example.com" || got.SessionID != "sid-2" {
			t.Fatalf("expected second request, got %+v", got)
		}
	})

	t.Run("apps are isolated", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Save(ctx, "app-a", Request("a@example.com", "sid-a")); err != nil {
			t.Fatalf("save: %v", err)
		}
		if _, err := store.Load(ctx, "app-b"); !errors.Is(err, pending.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for other app, got %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Save(ctx, "app", Request("a@example.com", "sid")); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := store.Delete(ctx, "app"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := store.Load(ctx, "app"); !errors.Is(err, pending.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := store.Delete(ctx, "app"); err != nil {
			t.Fatalf("second delete: %v", err)
		}
	})

	t.Run("rejects invalid", func(t *testing.T) {
		store := newStore(t)
		if err := store.Save(context.Background(), "app", pending.Request{Email: "a@example.com"}); err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("concurrent writers never tear records", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				req := Request(fmt.Sprintf("user%d@example.com", i), fmt.Sprintf("sid-%d", i))
				if err := store.Save(ctx, "app", req); err != nil {
					t.Errorf("save %d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()
		got, err := store.Load(ctx, "app")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		var n int
		if _, err := fmt.Sscanf(got.SessionID, "sid-%d", &n); err != nil {
			t.Fatalf("unexpected session id %q", got.SessionID)
		}
		if got.Email != fmt.Sprintf("user%d@example.com", n) {
			t.Fatalf("torn record: %+v", got)
		}
	})
}

// Request builds a valid request for tests.
func Request(email, sessionID string) pending.Request {
	return pending.Request{
		Email:      email,
		ProviderID: "emailLink",
		CreatedAt:  time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		SessionID:  sessionID,
	}
}

func assertEqual(t *testing.T, got, want pending.Request) {
	t.Helper()
	if got.Email != want.Email || got.ProviderID != want.ProviderID ||
		got.ForceSameDevice != want.ForceSameDevice || !got.CreatedAt.Equal(want.CreatedAt) ||
		got.SessionID != want.SessionID || got.AnonymousUserID != want.AnonymousUserID {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if (got.LinkingCredential == nil) != (want.LinkingCredential == nil) {
		t.Fatalf("linking credential mismatch: got %+v, want %+v", got.LinkingCredential, want.LinkingCredential)
	}
	if want.LinkingCredential != nil && *got.LinkingCredential != *want.LinkingCredential {
		t.Fatalf("linking credential = %+v, want %+v", *got.LinkingCredential, *want.LinkingCredential)
	}
}
