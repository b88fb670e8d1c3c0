package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/louisbranch/authflow/internal/services/authflow/pending"
	"github.com/louisbranch/authflow/internal/services/authflow/pending/pendingtest"
)

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreNilSafe(t *testing.T) {
	var store *Store
	if store.DB() != nil {
		t.Fatal("expected nil DB for nil store")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}

func TestStoreContract(t *testing.T) {
	pendingtest.Run(t, func(t *testing.T) pending.Store {
		return openTempStore(t)
	})
}

func TestSaveRequiresAppID(t *testing.T) {
	store := openTempStore(t)
	if err := store.Save(context.Background(), " ", pendingtest.Request("a@example.com", "sid")); err == nil {
		t.Fatal("expected error for empty app id")
	}
}

func TestRequestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.sqlite")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	want := pendingtest.Request("alice@example.com", "sid-1")
	if err := store.Save(context.Background(), "app", want); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	got, err := reopened.Load(context.Background(), "app")
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if got.Email != want.Email || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pending.sqlite")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}
