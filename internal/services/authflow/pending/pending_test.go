package pending

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/authflow/internal/services/authflow/backend"
)

func TestMarshalRecordLayout(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 123_456_789, time.UTC)
	data, err := Marshal(Request{
		Email:           "alice@example.com",
		ProviderID:      "emailLink",
		ForceSameDevice: true,
		CreatedAt:       created,
		SessionID:       "sid-1",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"email", "providerId", "forceSameDevice", "createdAtEpochMillis"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("record missing %q: %s", key, data)
		}
	}
	if _, ok := fields["linkingCredential"]; ok {
		t.Fatalf("expected no linking credential: %s", data)
	}
	if got := int64(fields["createdAtEpochMillis"].(float64)); got != created.UnixMilli() {
		t.Fatalf("createdAtEpochMillis = %d", got)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	req := Request{
		Email:           "alice@example.com",
		ProviderID:      "google.com",
		CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 999_999_999, time.UTC),
		SessionID:       "sid-1",
		AnonymousUserID: "anon-1",
		LinkingCredential: &backend.Credential{
			ProviderID: "google.com",
			IDToken:    "id-token",
			Password:   "never-stored",
		},
	}
	data, err := Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "never-stored") {
		t.Fatalf("password leaked into record: %s", data)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := Normalize(req)
	if got.Email != want.Email || got.ProviderID != want.ProviderID || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if got.SessionID != "sid-1" || got.AnonymousUserID != "anon-1" {
		t.Fatalf("session fields lost: %+v", got)
	}
	if got.LinkingCredential == nil || got.LinkingCredential.IDToken != "id-token" || got.LinkingCredential.Password != "" {
		t.Fatalf("unexpected linking credential: %+v", got.LinkingCredential)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte("{")); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Unmarshal([]byte(`{"email":"a@b.c","linkingCredential":{"idToken":"x"}}`)); err == nil {
		t.Fatal("expected error for credential without provider")
	}
}

func TestValidate(t *testing.T) {
	valid := Request{Email: "a@example.com", SessionID: "sid", CreatedAt: time.Now()}
	if err := valid.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	for name, req := range map[string]Request{
		"email":   {SessionID: "sid", CreatedAt: time.Now()},
		"session": {Email: "a@example.com", CreatedAt: time.Now()},
		"created": {Email: "a@example.com", SessionID: "sid"},
	} {
		if err := req.Validate(); err == nil {
			t.Fatalf("expected %s to be required", name)
		}
	}
}
