package user

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeEmail(t *testing.T) {
	got, err := NormalizeEmail("  Alice@Example.COM ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "alice@example.com" {
		t.Fatalf("email = %q, want %q", got, "alice@example.com")
	}

	for _, bad := range []string{"", "   ", "not-an-email"} {
		if _, err := NormalizeEmail(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestCreateUser(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	created, err := CreateUser(CreateUserInput{
		Email:       "Bob@Example.com",
		DisplayName: " Bob ",
		ProviderID:  "password",
	}, func() time.Time { return fixed }, func() (string, error) { return "user-1", nil })
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if created.ID != "user-1" || created.Email != "bob@example.com" || created.DisplayName != "Bob" {
		t.Fatalf("unexpected user: %+v", created)
	}
	if !created.CreatedAt.Equal(fixed) || created.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC created at, got %v", created.CreatedAt)
	}
	if !created.HasProvider("password") || created.HasProvider("phone") {
		t.Fatalf("unexpected providers: %v", created.Providers)
	}
}

func TestCreateUserAnonymousNeedsNoEmail(t *testing.T) {
	created, err := CreateUser(CreateUserInput{Anonymous: true}, nil, nil)
	if err != nil {
		t.Fatalf("create anonymous user: %v", err)
	}
	if !created.Anonymous || created.ID == "" {
		t.Fatalf("unexpected user: %+v", created)
	}
}

func TestCreateUserRequiresIdentity(t *testing.T) {
	if _, err := CreateUser(CreateUserInput{}, nil, nil); err == nil {
		t.Fatal("expected error without email or phone")
	}
}

func TestCreateUserPropagatesIDError(t *testing.T) {
	boom := errors.New("boom")
	_, err := CreateUser(CreateUserInput{PhoneNumber: "+15555550100"}, nil, func() (string, error) { return "", boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected id error, got %v", err)
	}
}
