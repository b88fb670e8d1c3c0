package state

import (
	"errors"
	"testing"

	"github.com/louisbranch/authflow/internal/services/authflow/autherr"
	"github.com/louisbranch/authflow/internal/services/authflow/backend"
)

func allVariants() []State {
	return []State{
		Idle{},
		Loading{Message: "signing in"},
		Success{},
		Error{Err: autherr.New(autherr.NetworkException, "offline")},
		Cancelled{},
		RequiresMfa{},
		RequiresEmailVerification{},
		RequiresProfileCompletion{},
		RequiresSignIn{},
		MergeConflict{},
		InvalidLink{},
		WrongDevice{},
		DifferentAnonymousUser{},
		PromptForEmail{},
		CrossDeviceConfirm{},
	}
}

func TestEveryKindHasVariant(t *testing.T) {
	seen := make(map[Kind]bool)
	for _, s := range allVariants() {
		if seen[s.Kind()] {
			t.Fatalf("kind %s reported by two variants", s.Kind())
		}
		seen[s.Kind()] = true
	}
	for k := Kind(0); k < kindCount; k++ {
		if !seen[k] {
			t.Fatalf("kind %s has no variant", k)
		}
		if kindNames[k] == "" {
			t.Fatalf("kind %d has no name", int(k))
		}
	}
}

func TestKindStringOutOfRange(t *testing.T) {
	if got := Kind(99).String(); got != "kind(99)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		name  string
		state State
		want  bool
	}{
		{"idle", Idle{}, false},
		{"loading", Loading{}, false},
		{"success", Success{}, true},
		{"cancelled", Cancelled{}, true},
		{"recoverable error", Error{Err: autherr.New(autherr.InvalidCredentials, "")}, false},
		{"rate limited", Error{Err: autherr.New(autherr.TooManyRequests, "")}, true},
		{"merge conflict", MergeConflict{PendingCredential: backend.Credential{ProviderID: "password"}}, false},
		{"wrong device", WrongDevice{}, false},
		{"requires mfa", RequiresMfa{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTerminal(tt.state); got != tt.want {
				t.Fatalf("IsTerminal(%s) = %v, want %v", tt.state.Kind(), got, tt.want)
			}
		})
	}
}

func TestFailureClassifies(t *testing.T) {
	got := Failure(backend.Fail(backend.CodeTooManyRequests, ""))
	if got.Err.Kind != autherr.TooManyRequests || got.Recoverable() {
		t.Fatalf("unexpected failure state: %+v", got.Err)
	}
	if !IsTerminal(got) {
		t.Fatal("expected rate limit to end the attempt")
	}
	if Failure(errors.New("boom")).Err.Kind != autherr.UnknownException {
		t.Fatal("expected unknown kind")
	}
}
