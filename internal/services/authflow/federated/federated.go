// Package federated turns OAuth2 authorization codes into backend
// credentials for federated and generic OAuth providers.
//
// Codes are exchanged with golang.org/x/oauth2 and the returned ID token is
// verified with go-oidc before it is handed to the backend.
package federated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/louisbranch/authflow/internal/services/authflow/backend"
	"golang.org/x/oauth2"
)

// Endpoint configures one OIDC provider.
type Endpoint struct {
	ProviderID   string   `json:"providerId"`
	Issuer       string   `json:"issuer"`
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	RedirectURL  string   `json:"redirectUrl"`
	Scopes       []string `json:"scopes"`
}

// ParseEndpoints decodes a JSON list of endpoints. Blank input yields none.
func ParseEndpoints(raw string) ([]Endpoint, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var endpoints []Endpoint
	if err := json.Unmarshal([]byte(raw), &endpoints); err != nil {
		return nil, fmt.Errorf("parse oidc providers: %w", err)
	}
	for i, ep := range endpoints {
		if strings.TrimSpace(ep.ProviderID) == "" {
			return nil, fmt.Errorf("oidc provider %d: provider id is required", i)
		}
		if strings.TrimSpace(ep.Issuer) == "" || strings.TrimSpace(ep.ClientID) == "" {
			return nil, fmt.Errorf("oidc provider %s: issuer and client id are required", ep.ProviderID)
		}
	}
	return endpoints, nil
}

// Claims are the ID-token claims copied onto the credential.
type Claims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

type client struct {
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// Exchanger holds one OAuth2 client per provider id.
type Exchanger struct {
	mu      sync.RWMutex
	clients map[string]client
}

// NewExchanger returns an exchanger with no providers.
func NewExchanger() *Exchanger {
	return &Exchanger{clients: make(map[string]client)}
}

// Discover registers every endpoint using OIDC discovery on its issuer.
func Discover(ctx context.Context, endpoints []Endpoint) (*Exchanger, error) {
	ex := NewExchanger()
	for _, ep := range endpoints {
		provider, err := oidc.NewProvider(ctx, ep.Issuer)
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", ep.ProviderID, err)
		}
		scopes := ep.Scopes
		if len(scopes) == 0 {
			scopes = []string{oidc.ScopeOpenID, "profile", "email"}
		}
		ex.Register(ep.ProviderID, &oauth2.Config{
			ClientID:     ep.ClientID,
			ClientSecret: ep.ClientSecret,
			RedirectURL:  ep.RedirectURL,
			Scopes:       scopes,
			Endpoint:     provider.Endpoint(),
		}, provider.Verifier(&oidc.Config{ClientID: ep.ClientID}))
	}
	return ex, nil
}

// Register adds or replaces the client for providerID.
func (e *Exchanger) Register(providerID string, cfg *oauth2.Config, verifier *oidc.IDTokenVerifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[providerID] = client{oauth: cfg, verifier: verifier}
}

// Supports reports whether providerID is registered.
func (e *Exchanger) Supports(providerID string) bool {
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.clients[providerID]
	return ok
}

func (e *Exchanger) client(providerID string) (client, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.clients[providerID]
	if !ok {
		return client{}, backend.Fail(backend.CodeOperationNotAllowed, "provider "+providerID+" is not configured for code exchange")
	}
	return c, nil
}

// AuthCodeURL returns the provider's consent URL. params are added to the
// query as custom parameters.
func (e *Exchanger) AuthCodeURL(providerID, state string, params map[string]string) (string, error) {
	c, err := e.client(providerID)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOnline}
	for key, value := range params {
		opts = append(opts, oauth2.SetAuthURLParam(key, value))
	}
	return c.oauth.AuthCodeURL(state, opts...), nil
}

// Exchange trades code for a verified credential.
func (e *Exchanger) Exchange(ctx context.Context, providerID, code string) (backend.Credential, Claims, error) {
	c, err := e.client(providerID)
	if err != nil {
		return backend.Credential{}, Claims{}, err
	}
	if strings.TrimSpace(code) == "" {
		return backend.Credential{}, Claims{}, backend.Fail(backend.CodeInvalidCredential, "authorization code is required")
	}

	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return backend.Credential{}, Claims{}, &backend.Failure{
				Code:    backend.CodeInvalidCredential,
				Message: fmt.Sprintf("%s token exchange rejected: %s", providerID, retrieveErr.ErrorCode),
			}
		}
		return backend.Credential{}, Claims{}, fmt.Errorf("%s token exchange: %w", providerID, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return backend.Credential{}, Claims{}, backend.Fail(backend.CodeInvalidCredential, providerID+" did not return an id token")
	}
	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return backend.Credential{}, Claims{}, backend.Fail(backend.CodeInvalidCredential, providerID+" id token verification failed: "+err.Error())
	}
	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return backend.Credential{}, Claims{}, backend.Fail(backend.CodeInvalidCredential, providerID+" id token claims: "+err.Error())
	}
	if claims.Subject == "" {
		return backend.Credential{}, Claims{}, backend.Fail(backend.CodeInvalidCredential, providerID+" id token has no subject")
	}

	return backend.Credential{
		ProviderID:  providerID,
		Email:       claims.Email,
		IDToken:     rawIDToken,
		AccessToken: token.AccessToken,
	}, claims, nil
}
