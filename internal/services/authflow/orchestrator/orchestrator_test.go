package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/authflow/internal/platform/logging"
	"github.com/louisbranch/authflow/internal/services/authflow/autherr"
	"github.com/louisbranch/authflow/internal/services/authflow/backend"
	"github.com/louisbranch/authflow/internal/services/authflow/backend/memory"
	"github.com/louisbranch/authflow/internal/services/authflow/federated"
	"github.com/louisbranch/authflow/internal/services/authflow/provider"
	"github.com/louisbranch/authflow/internal/services/authflow/user"
)

func newBackend(t *testing.T, opts memory.Options) *memory.Backend {
	t.Helper()
	opts.LinkSecret = []byte("test-secret")
	b, err := memory.New(opts)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	return b
}

func newOrchestrator(t *testing.T, b backend.Backend, upgrade bool) *Orchestrator {
	t.Helper()
	o, err := New(Options{Backend: b, AnonymousUpgrade: upgrade, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func requireKind(t *testing.T, err error, kind autherr.Kind) *autherr.AuthError {
	t.Helper()
	authErr, ok := autherr.As(err)
	if !ok {
		t.Fatalf("expected %s, got %v", kind, err)
	}
	if authErr.Kind != kind {
		t.Fatalf("kind = %s, want %s (%v)", authErr.Kind, kind, err)
	}
	return authErr
}

func TestNewRequiresBackend(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without backend")
	}
}

func TestPasswordSignIn(t *testing.T) {
	b := newBackend(t, memory.Options{})
	if _, err := b.AddUser(user.CreateUserInput{Email: "alice@example.com", DisplayName: "Alice"}, "secret1"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	o := newOrchestrator(t, b, false)

	out, err := o.SignIn(context.Background(), provider.Config{ID: provider.Password}, CredentialInput{
		Email:    "alice@example.com",
		Password: "secret1",
	})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if out.Result == nil || out.Result.ProviderID != provider.Password || out.Result.IsNewUser || out.Result.Profile.Name != "Alice" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Result.Credential.Password != "" {
		t.Fatal("password leaked into result")
	}
}

func TestPasswordSignInFailuresAreClassified(t *testing.T) {
	b := newBackend(t, memory.Options{})
	if _, err := b.AddUser(user.CreateUserInput{Email: "alice@example.com"}, "secret1"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	o := newOrchestrator(t, b, false)
	cfg := provider.Config{ID: provider.Password}
	ctx := context.Background()

	_, err := o.SignIn(ctx, cfg, CredentialInput{Email: "alice@example.com", Password: "nope"})
	requireKind(t, err, autherr.InvalidCredentials)

	_, err = o.SignIn(ctx, cfg, CredentialInput{Email: "bob@example.com", Password: "secret1"})
	requireKind(t, err, autherr.UserNotFound)

	_, err = o.SignIn(ctx, cfg, CredentialInput{Email: "alice@example.com"})
	requireKind(t, err, autherr.InvalidCredentials)

	var failure *backend.Failure
	if errors.As(err, &failure) {
		t.Fatal("input validation must not reach the backend")
	}
}

func TestNewAccount(t *testing.T) {
	b := newBackend(t, memory.Options{})
	o := newOrchestrator(t, b, false)
	ctx := context.Background()

	out, err := o.SignIn(ctx, provider.Config{ID: provider.Password}, CredentialInput{
		Email: "new@example.com", Password: "secret1", DisplayName: "New", NewAccount: true,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if !out.Result.IsNewUser || out.Result.User.DisplayName != "New" {
		t.Fatalf("unexpected outcome: %+v", out.Result)
	}

	_, err = o.SignIn(ctx, provider.Config{ID: provider.Password}, CredentialInput{
		Email: "weak@example.com", Password: "123", NewAccount: true,
	})
	authErr := requireKind(t, err, autherr.WeakPassword)
	if authErr.Reason == "" {
		t.Fatal("expected weak password reason")
	}

	_, err = o.SignIn(ctx, provider.Config{ID: provider.Password, DisableNewAccounts: true}, CredentialInput{
		Email: "other@example.com", Password: "secret1", NewAccount: true,
	})
	requireKind(t, err, autherr.UserNotFound)

	_, err = o.SignIn(ctx, provider.Config{ID: provider.Password, RequireName: true}, CredentialInput{
		Email: "other@example.com", Password: "secret1", NewAccount: true,
	})
	requireKind(t, err, autherr.InvalidCredentials)
}

func TestNewAccountEmailInUse(t *testing.T) {
	b := newBackend(t, memory.Options{})
	if _, err := b.AddUser(user.CreateUserInput{Email: "alice@example.com"}, "secret1"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	o := newOrchestrator(t, b, false)
	_, err := o.SignIn(context.Background(), provider.Config{ID: provider.Password}, CredentialInput{
		Email: "alice@example.com", Password: "secret2", NewAccount: true,
	})
	authErr := requireKind(t, err, autherr.EmailAlreadyInUse)
	if authErr.Email != "alice@example.com" {
		t.Fatalf("email = %q", authErr.Email)
	}
}

func TestPhoneSignIn(t *testing.T) {
	b := newBackend(t, memory.Options{CodeGenerator: func() (string, error) { return "123456", nil }})
	o := newOrchestrator(t, b, false)
	ctx := context.Background()

	verificationID, err := o.StartPhoneVerification(ctx, "+15555550100")
	if err != nil {
		t.Fatalf("start verification: %v", err)
	}
	out, err := o.SignIn(ctx, provider.Config{ID: provider.Phone}, CredentialInput{VerificationID: verificationID, SMSCode: "123456"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if !out.Result.IsNewUser || out.Result.User.PhoneNumber != "+15555550100" {
		t.Fatalf("unexpected outcome: %+v", out.Result)
	}
}

func TestPhoneVerificationTimeoutIsRecoverable(t *testing.T) {
	b := newBackend(t, memory.Options{Latency: time.Second})
	o, err := New(Options{Backend: b, PhoneTimeout: 10 * time.Millisecond, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	_, err = o.StartPhoneVerification(context.Background(), "+15555550100")
	authErr := requireKind(t, err, autherr.NetworkException)
	if !authErr.Recoverable {
		t.Fatal("expected timeout to be recoverable")
	}
}

func TestPhoneVerificationRequiresNumber(t *testing.T) {
	o := newOrchestrator(t, newBackend(t, memory.Options{}), false)
	_, err := o.StartPhoneVerification(context.Background(), " ")
	requireKind(t, err, autherr.InvalidCredentials)
}

func TestFederatedTokenSignIn(t *testing.T) {
	b := newBackend(t, memory.Options{})
	o := newOrchestrator(t, b, false)
	out, err := o.SignIn(context.Background(), provider.Config{ID: provider.Google}, CredentialInput{IDToken: "sub-1", Email: "g@example.com"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if out.Result.ProviderID != provider.Google || !out.Result.IsNewUser {
		t.Fatalf("unexpected outcome: %+v", out.Result)
	}

	_, err = o.SignIn(context.Background(), provider.Config{ID: provider.Google}, CredentialInput{})
	requireKind(t, err, autherr.InvalidCredentials)
}

type fakeExchanger struct {
	cred backend.Credential
	err  error
	code string
}

func (f *fakeExchanger) Supports(providerID string) bool { return providerID == "oidc.corp" }

func (f *fakeExchanger) Exchange(_ context.Context, _ string, code string) (backend.Credential, federated.Claims, error) {
	f.code = code
	return f.cred, federated.Claims{Subject: "corp-1"}, f.err
}

func TestGenericOAuthCodeExchange(t *testing.T) {
	b := newBackend(t, memory.Options{})
	ex := &fakeExchanger{cred: backend.Credential{ProviderID: "oidc.corp", IDToken: "corp-1", Email: "c@example.com"}}
	o, err := New(Options{Backend: b, Exchanger: ex, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	out, err := o.SignIn(context.Background(), provider.Config{ID: "oidc.corp"}, CredentialInput{AuthCode: "code-1"})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if ex.code != "code-1" || out.Result.ProviderID != "oidc.corp" {
		t.Fatalf("unexpected outcome: %+v", out.Result)
	}

	_, err = o.SignIn(context.Background(), provider.Config{ID: provider.GitHub}, CredentialInput{AuthCode: "code-2"})
	requireKind(t, err, autherr.InvalidCredentials)

	ex.err = backend.Fail(backend.CodeInvalidCredential, "rejected")
	_, err = o.SignIn(context.Background(), provider.Config{ID: "oidc.corp"}, CredentialInput{AuthCode: "code-3"})
	requireKind(t, err, autherr.InvalidCredentials)
}

func TestAnonymousUpgradeLinksCredential(t *testing.T) {
	b := newBackend(t, memory.Options{})
	o := newOrchestrator(t, b, true)
	ctx := context.Background()

	anon, err := o.SignIn(ctx, provider.Config{ID: provider.Anonymous}, CredentialInput{})
	if err != nil {
		t.Fatalf("anonymous sign in: %v", err)
	}
	out, err := o.SignIn(ctx, provider.Config{ID: provider.Google}, CredentialInput{IDToken: "sub-9", Email: "up@example.com"})
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if out.Result.User.ID != anon.Result.User.ID || out.Result.User.Anonymous {
		t.Fatalf("expected the anonymous account to be upgraded: %+v", out.Result.User)
	}
}

func TestAnonymousUpgradeCollisionIsMergeConflict(t *testing.T) {
	b := newBackend(t, memory.Options{})
	if _, err := b.AddUser(user.CreateUserInput{Email: "alice@example.com"}, "secret1"); err != nil {
		t.Fatalf("add user: %v", err)
	}
	o := newOrchestrator(t, b, true)
	ctx := context.Background()
	if _, err := o.SignIn(ctx, provider.Config{ID: provider.Anonymous}, CredentialInput{}); err != nil {
		t.Fatalf("anonymous sign in: %v", err)
	}

	out, err := o.SignIn(ctx, provider.Config{ID: provider.Password}, CredentialInput{Email: "alice@example.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("expected merge conflict, got error %v", err)
	}
	if out.Conflict == nil || out.Conflict.PendingCredential.ProviderID != provider.Password || out.Conflict.Email != "alice@example.com" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestAccountExistsAsksForExistingProvider(t *testing.T) {
	b := newBackend(t, memory.Options{})
	existing, err := b.AddUser(user.CreateUserInput{Email: "alice@example.com"}, "secret1")
	if err != nil {
		t.Fatalf("add user: %v", err)
	}
	o := newOrchestrator(t, b, false)
	ctx := context.Background()

	out, err := o.SignIn(ctx, provider.Config{ID: provider.Google}, CredentialInput{IDToken: "g-1", Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("expected linking outcome, got %v", err)
	}
	if out.Linking == nil || out.Linking.ProviderID != provider.Password || out.Linking.PendingCredential.ProviderID != provider.Google {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	if _, err := o.SignIn(ctx, provider.Config{ID: provider.Password}, CredentialInput{Email: "alice@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("sign in to existing account: %v", err)
	}
	linked, err := o.Link(ctx, existing.ID, out.Linking.PendingCredential)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if !linked.Result.User.HasProvider(provider.Google) {
		t.Fatalf("expected google to be linked: %+v", linked.Result.User)
	}
}

func TestResolveMFA(t *testing.T) {
	b := newBackend(t, memory.Options{CodeGenerator: func() (string, error) { return "654321", nil }})
	u, err := b.AddUser(user.CreateUserInput{Email: "alice@example.com"}, "secret1")
	if err != nil {
		t.Fatalf("add user: %v", err)
	}
	if err := b.EnrollMFA(u.ID, "+15555550100"); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	o := newOrchestrator(t, b, false)
	ctx := context.Background()

	_, err = o.SignIn(ctx, provider.Config{ID: provider.Password}, CredentialInput{Email: "alice@example.com", Password: "secret1"})
	authErr := requireKind(t, err, autherr.MfaRequired)
	challenge := authErr.Challenge()
	if challenge == nil {
		t.Fatal("expected challenge")
	}

	_, err = o.ResolveMFA(ctx, *challenge, "000000")
	requireKind(t, err, autherr.InvalidCredentials)

	out, err := o.ResolveMFA(ctx, *challenge, "654321")
	if err != nil {
		t.Fatalf("resolve mfa: %v", err)
	}
	if out.Result.User.ID != u.ID {
		t.Fatalf("unexpected user: %+v", out.Result.User)
	}
}

func TestBackendNetworkFailure(t *testing.T) {
	b := newBackend(t, memory.Options{})
	b.FailNext(backend.Fail(backend.CodeNetworkRequestFailed, "offline"))
	o := newOrchestrator(t, b, false)
	_, err := o.SignIn(context.Background(), provider.Config{ID: provider.Password}, CredentialInput{Email: "a@example.com", Password: "secret1"})
	requireKind(t, err, autherr.NetworkException)
}
