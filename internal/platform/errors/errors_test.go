package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := WithMetadata(CodeProviderDuplicate, "duplicate provider", map[string]string{"ProviderID": "password"})
	if !stderrors.Is(err, New(CodeProviderDuplicate, "other message")) {
		t.Fatal("expected errors with the same code to match")
	}
	if stderrors.Is(err, New(CodeProviderUnknown, "duplicate provider")) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(CodeUnknown, "store pending request", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable")
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("start flow: %w", New(CodeAnonymousOnly, "anonymous only"))
	if got := CodeOf(wrapped); got != CodeAnonymousOnly {
		t.Fatalf("CodeOf = %q, want %q", got, CodeAnonymousOnly)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != CodeUnknown {
		t.Fatalf("CodeOf = %q, want %q", got, CodeUnknown)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeConfigInvalid, http.StatusBadRequest},
		{CodeChooserWithDefault, http.StatusBadRequest},
		{CodeInvalidArgument, http.StatusBadRequest},
		{CodeFlowDisposed, http.StatusGone},
		{CodeFlowStateMismatch, http.StatusConflict},
		{CodeNotFound, http.StatusNotFound},
		{CodeUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.want {
			t.Fatalf("%s.HTTPStatus() = %d, want %d", tt.code, got, tt.want)
		}
	}
}
