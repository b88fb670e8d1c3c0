package emaillink

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Continue-URL parameters that tie a link to the request that sent it.
const (
	paramSessionID       = "ui_sid"
	paramAnonymousUserID = "ui_auid"
	paramForceSameDevice = "ui_sd"
	paramProviderID      = "ui_pid"
)

var errMalformedLink = errors.New("malformed sign-in link")

// Session is the request context embedded in a link's continue URL.
type Session struct {
	SessionID       string
	AnonymousUserID string
	ForceSameDevice bool
	// ProviderID names a provider whose credential should be linked once
	// the link signs the user in.
	ProviderID string
}

// EncodeContinueURL adds s to base, keeping base's other parameters.
func EncodeContinueURL(base string, s Session) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse continue url: %w", err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("continue url must be absolute")
	}
	query := u.Query()
	for _, key := range []string{paramSessionID, paramAnonymousUserID, paramForceSameDevice, paramProviderID} {
		query.Del(key)
	}
	query.Set(paramSessionID, s.SessionID)
	if s.AnonymousUserID != "" {
		query.Set(paramAnonymousUserID, s.AnonymousUserID)
	}
	if s.ForceSameDevice {
		query.Set(paramForceSameDevice, "1")
	}
	if s.ProviderID != "" {
		query.Set(paramProviderID, s.ProviderID)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// DecodeContinueURL reads the session parameters from a continue URL.
func DecodeContinueURL(raw string) (Session, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Session{}, errMalformedLink
	}
	query := u.Query()
	return Session{
		SessionID:       query.Get(paramSessionID),
		AnonymousUserID: query.Get(paramAnonymousUserID),
		ForceSameDevice: query.Get(paramForceSameDevice) == "1",
		ProviderID:      query.Get(paramProviderID),
	}, nil
}

// Link is a parsed sign-in link.
type Link struct {
	Raw     string
	Code    string
	Session Session
}

// ParseLink extracts the action code and session from a sign-in link.
func ParseLink(raw string) (Link, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return Link{}, errMalformedLink
	}
	query := u.Query()
	code := query.Get("oobCode")
	if code == "" {
		return Link{}, errMalformedLink
	}
	link := Link{Raw: raw, Code: code}
	if continueURL := query.Get("continueUrl"); continueURL != "" {
		session, err := DecodeContinueURL(continueURL)
		if err != nil {
			return Link{}, err
		}
		link.Session = session
	}
	return link, nil
}
