// Package pending persists the in-flight email-link request of an
// application instance.
//
// There is one slot per application id. Saving replaces the slot as a whole,
// so readers observe either the previous record or the new one.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/authflow/internal/services/authflow/backend"
)

// ErrNotFound is returned when no request is pending.
var ErrNotFound = errors.New("pending request not found")

// Request is an email-link sign-in waiting for its link to be opened.
type Request struct {
	Email           string
	ProviderID      string
	ForceSameDevice bool
	CreatedAt       time.Time
	// LinkingCredential is re-applied once the link signs the user in.
	LinkingCredential *backend.Credential
	// SessionID identifies the device session that requested the link.
	SessionID string
	// AnonymousUserID is the anonymous user signed in when the link was
	// requested, if any.
	AnonymousUserID string
}

// Store holds at most one Request per application id.
type Store interface {
	// Save replaces the pending request for appID.
	Save(ctx context.Context, appID string, req Request) error
	// Load returns ErrNotFound when nothing is pending.
	Load(ctx context.Context, appID string) (Request, error)
	// Delete is a no-op when nothing is pending.
	Delete(ctx context.Context, appID string) error
}

type record struct {
	Email                string          `json:"email"`
	ProviderID           string          `json:"providerId"`
	ForceSameDevice      bool            `json:"forceSameDevice"`
	CreatedAtEpochMillis int64           `json:"createdAtEpochMillis"`
	LinkingCredential    json.RawMessage `json:"linkingCredential,omitempty"`
	SessionID            string          `json:"sessionId,omitempty"`
	AnonymousUserID      string          `json:"anonymousUserId,omitempty"`
}

// Validate checks the fields every stored request needs.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Email) == "" {
		return fmt.Errorf("email is required")
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created at is required")
	}
	return nil
}

// Marshal encodes req as a single JSON record.
func Marshal(req Request) ([]byte, error) {
	rec := record{
		Email:                req.Email,
		ProviderID:           req.ProviderID,
		ForceSameDevice:      req.ForceSameDevice,
		CreatedAtEpochMillis: toMillis(req.CreatedAt),
		SessionID:            req.SessionID,
		AnonymousUserID:      req.AnonymousUserID,
	}
	if req.LinkingCredential != nil {
		data, err := backend.MarshalCredential(*req.LinkingCredential)
		if err != nil {
			return nil, err
		}
		rec.LinkingCredential = data
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal pending request: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a record written by Marshal.
func Unmarshal(data []byte) (Request, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Request{}, fmt.Errorf("unmarshal pending request: %w", err)
	}
	req := Request{
		Email:           rec.Email,
		ProviderID:      rec.ProviderID,
		ForceSameDevice: rec.ForceSameDevice,
		CreatedAt:       fromMillis(rec.CreatedAtEpochMillis),
		SessionID:       rec.SessionID,
		AnonymousUserID: rec.AnonymousUserID,
	}
	if len(rec.LinkingCredential) > 0 && string(rec.LinkingCredential) != "null" {
		cred, err := backend.UnmarshalCredential(rec.LinkingCredential)
		if err != nil {
			return Request{}, err
		}
		req.LinkingCredential = &cred
	}
	return req, nil
}

// Normalize truncates CreatedAt to the stored precision.
func Normalize(req Request) Request {
	req.CreatedAt = fromMillis(toMillis(req.CreatedAt))
	return req
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
