// Package user provides the identity record returned by the backend.
package user

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/louisbranch/authflow/internal/platform/id"
)

// User represents a backend identity record.
type User struct {
	ID            string
	Email         string
	EmailVerified bool
	DisplayName   string
	PhoneNumber   string
	PhotoURL      string
	Anonymous     bool
	// Providers lists the provider ids linked to this account.
	Providers []string
	Disabled  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasProvider reports whether providerID is linked to the user.
func (u User) HasProvider(providerID string) bool {
	for _, p := range u.Providers {
		if p == providerID {
			return true
		}
	}
	return false
}

// CreateUserInput describes the metadata needed to create a user.
type CreateUserInput struct {
	Email       string
	DisplayName string
	PhoneNumber string
	PhotoURL    string
	ProviderID  string
	Anonymous   bool
}

// NormalizeEmail lowercases and validates an email address.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", fmt.Errorf("email is required")
	}
	parsed, err := mail.ParseAddress(email)
	if err != nil {
		return "", fmt.Errorf("email is invalid")
	}
	return strings.ToLower(parsed.Address), nil
}

// CreateUser builds a new identity record from input.
func CreateUser(input CreateUserInput, now func() time.Time, idGenerator func() (string, error)) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	email := ""
	if strings.TrimSpace(input.Email) != "" {
		normalized, err := NormalizeEmail(input.Email)
		if err != nil {
			return User{}, err
		}
		email = normalized
	}
	if email == "" && strings.TrimSpace(input.PhoneNumber) == "" && !input.Anonymous {
		return User{}, fmt.Errorf("email or phone number is required")
	}

	userID, err := idGenerator()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	createdAt := now().UTC()
	created := User{
		ID:          userID,
		Email:       email,
		DisplayName: strings.TrimSpace(input.DisplayName),
		PhoneNumber: strings.TrimSpace(input.PhoneNumber),
		PhotoURL:    strings.TrimSpace(input.PhotoURL),
		Anonymous:   input.Anonymous,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	if p := strings.TrimSpace(input.ProviderID); p != "" {
		created.Providers = []string{p}
	}
	return created, nil
}
