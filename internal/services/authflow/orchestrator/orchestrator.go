// Package orchestrator turns provider input into backend sign-in calls.
//
// Every provider path builds a backend.Credential, sends it to the backend
// (linking it to the anonymous session when upgrades are enabled) and hands
// the raw outcome to the merge resolver. Callers only ever see a
// merge.Outcome or a classified *autherr.AuthError.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/louisbranch/authflow/internal/platform/logging"
	"github.com/louisbranch/authflow/internal/platform/timeouts"
	"github.com/louisbranch/authflow/internal/services/authflow/autherr"
	"github.com/louisbranch/authflow/internal/services/authflow/backend"
	"github.com/louisbranch/authflow/internal/services/authflow/federated"
	"github.com/louisbranch/authflow/internal/services/authflow/merge"
	"github.com/louisbranch/authflow/internal/services/authflow/provider"
	"github.com/louisbranch/authflow/internal/services/authflow/user"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "authflow/orchestrator"

// CredentialInput is the user-supplied material for one sign-in attempt.
// Only the fields relevant to the provider kind are read.
type CredentialInput struct {
	Email       string
	Password    string
	DisplayName string
	// NewAccount creates a password account instead of signing in.
	NewAccount bool

	PhoneNumber    string
	VerificationID string
	SMSCode        string

	IDToken     string
	AccessToken string
	Secret      string
	// AuthCode is exchanged for tokens when the provider supports it.
	AuthCode string

	Link string
}

// CodeExchanger trades OAuth2 authorization codes for credentials.
type CodeExchanger interface {
	Supports(providerID string) bool
	Exchange(ctx context.Context, providerID, code string) (backend.Credential, federated.Claims, error)
}

// Options configures an Orchestrator.
type Options struct {
	Backend  backend.Backend
	Resolver *merge.Resolver
	// Exchanger is optional; without it AuthCode input is rejected.
	Exchanger        CodeExchanger
	AnonymousUpgrade bool
	PhoneTimeout     time.Duration
	Logger           *slog.Logger
	Tracer           trace.Tracer
}

// Orchestrator dispatches sign-in attempts to the backend.
type Orchestrator struct {
	backend      backend.Backend
	resolver     *merge.Resolver
	exchanger    CodeExchanger
	upgrade      bool
	phoneTimeout time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer
}

// New validates opts and creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.Resolver == nil {
		opts.Resolver = merge.NewResolver(opts.AnonymousUpgrade, opts.Backend)
	}
	if opts.PhoneTimeout <= 0 {
		opts.PhoneTimeout = timeouts.PhoneVerification
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	return &Orchestrator{
		backend:      opts.Backend,
		resolver:     opts.Resolver,
		exchanger:    opts.Exchanger,
		upgrade:      opts.AnonymousUpgrade,
		phoneTimeout: opts.PhoneTimeout,
		logger:       logging.OrDefault(opts.Logger),
		tracer:       opts.Tracer,
	}, nil
}

// SignIn authenticates with cfg's provider using in.
func (o *Orchestrator) SignIn(ctx context.Context, cfg provider.Config, in CredentialInput) (merge.Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.SignIn", trace.WithAttributes(
		attribute.String("provider.id", cfg.ID),
		attribute.String("provider.kind", cfg.Kind().String()),
	))
	defer span.End()

	outcome, err := o.signIn(ctx, cfg, in)
	return outcome, o.finish(span, cfg.ID, err)
}

func (o *Orchestrator) signIn(ctx context.Context, cfg provider.Config, in CredentialInput) (merge.Outcome, error) {
	switch cfg.Kind() {
	case provider.KindAnonymous:
		res, err := o.backend.SignInAnonymously(ctx)
		return o.resolver.Resolve(ctx, merge.Attempt{Result: resultOrNil(res, err), Err: err,
			Credential: backend.Credential{ProviderID: provider.Anonymous}}, nil)
	case provider.KindPassword:
		if in.NewAccount {
			return o.createAccount(ctx, cfg, in)
		}
	}

	cred, err := o.credential(ctx, cfg, in)
	if err != nil {
		return merge.Outcome{}, err
	}
	return o.Authenticate(ctx, cred)
}

// Authenticate signs in with a prepared credential. With anonymous upgrade
// enabled and an anonymous session present, the credential is linked to that
// session instead.
func (o *Orchestrator) Authenticate(ctx context.Context, cred backend.Credential) (merge.Outcome, error) {
	anon, err := o.anonymousSession(ctx)
	if err != nil {
		return merge.Outcome{}, autherr.Classify(err)
	}

	var (
		res     backend.AuthResult
		callErr error
	)
	if anon != nil {
		res, callErr = o.backend.LinkWithCredential(ctx, anon.ID, cred)
	} else {
		res, callErr = o.backend.SignInWithCredential(ctx, cred)
	}
	return o.resolver.Resolve(ctx, merge.Attempt{Result: resultOrNil(res, callErr), Err: callErr, Credential: cred}, anon)
}

// Link attaches cred to the signed-in userID, used after the user signs in to
// an existing account to keep a credential that collided earlier.
func (o *Orchestrator) Link(ctx context.Context, userID string, cred backend.Credential) (merge.Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Link", trace.WithAttributes(
		attribute.String("provider.id", cred.ProviderID),
	))
	defer span.End()

	res, err := o.backend.LinkWithCredential(ctx, userID, cred)
	outcome, err := o.resolver.Resolve(ctx, merge.Attempt{Result: resultOrNil(res, err), Err: err, Credential: cred}, nil)
	return outcome, o.finish(span, cred.ProviderID, err)
}

// ResolveMFA completes a sign-in held by a second-factor challenge.
func (o *Orchestrator) ResolveMFA(ctx context.Context, challenge backend.MultiFactorChallenge, code string) (merge.Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.ResolveMFA")
	defer span.End()

	if strings.TrimSpace(code) == "" {
		return merge.Outcome{}, o.finish(span, "", autherr.New(autherr.InvalidCredentials, "verification code is required"))
	}
	res, err := o.backend.ResolveMultiFactor(ctx, challenge, code)
	outcome, err := o.resolver.Resolve(ctx, merge.Attempt{Result: resultOrNil(res, err), Err: err}, nil)
	return outcome, o.finish(span, "", err)
}

// StartPhoneVerification sends a code to phoneNumber and returns the
// verification id. The call is bounded by the phone timeout; running out of
// time is a recoverable NetworkException.
func (o *Orchestrator) StartPhoneVerification(ctx context.Context, phoneNumber string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.StartPhoneVerification")
	defer span.End()

	if strings.TrimSpace(phoneNumber) == "" {
		return "", o.finish(span, provider.Phone, autherr.New(autherr.InvalidCredentials, "phone number is required"))
	}
	callCtx, cancel := context.WithTimeout(ctx, o.phoneTimeout)
	defer cancel()

	verificationID, err := o.backend.VerifyPhoneNumber(callCtx, phoneNumber)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = autherr.Wrap(autherr.NetworkException, "phone verification timed out", err)
		}
		return "", o.finish(span, provider.Phone, autherr.Classify(err))
	}
	return verificationID, nil
}

// CurrentUser returns the backend session, if any.
func (o *Orchestrator) CurrentUser(ctx context.Context) (*user.User, error) {
	u, err := o.backend.CurrentUser(ctx)
	if err != nil {
		return nil, autherr.Classify(err)
	}
	return u, nil
}

func (o *Orchestrator) createAccount(ctx context.Context, cfg provider.Config, in CredentialInput) (merge.Outcome, error) {
	if cfg.DisableNewAccounts {
		return merge.Outcome{}, autherr.New(autherr.UserNotFound, "new accounts are disabled for this provider")
	}
	cred, err := passwordCredential(in)
	if err != nil {
		return merge.Outcome{}, err
	}
	if cfg.RequireName && strings.TrimSpace(in.DisplayName) == "" {
		return merge.Outcome{}, autherr.New(autherr.InvalidCredentials, "display name is required")
	}

	anon, err := o.anonymousSession(ctx)
	if err != nil {
		return merge.Outcome{}, autherr.Classify(err)
	}
	if anon != nil {
		return o.Authenticate(ctx, cred)
	}
	res, err := o.backend.CreateUserWithEmailAndPassword(ctx, cred.Email, cred.Password, strings.TrimSpace(in.DisplayName))
	return o.resolver.Resolve(ctx, merge.Attempt{Result: resultOrNil(res, err), Err: err, Credential: cred}, nil)
}

// credential builds the backend credential for cfg's kind.
func (o *Orchestrator) credential(ctx context.Context, cfg provider.Config, in CredentialInput) (backend.Credential, error) {
	switch cfg.Kind() {
	case provider.KindPassword:
		return passwordCredential(in)
	case provider.KindPhone:
		if strings.TrimSpace(in.VerificationID) == "" || strings.TrimSpace(in.SMSCode) == "" {
			return backend.Credential{}, autherr.New(autherr.InvalidCredentials, "verification id and code are required")
		}
		return backend.Credential{
			ProviderID:     provider.Phone,
			VerificationID: strings.TrimSpace(in.VerificationID),
			SMSCode:        strings.TrimSpace(in.SMSCode),
		}, nil
	case provider.KindEmailLink:
		if strings.TrimSpace(in.Email) == "" || strings.TrimSpace(in.Link) == "" {
			return backend.Credential{}, autherr.New(autherr.InvalidCredentials, "email and link are required")
		}
		return backend.Credential{ProviderID: provider.EmailLink, Email: strings.TrimSpace(in.Email), Link: strings.TrimSpace(in.Link)}, nil
	case provider.KindFederated, provider.KindGenericOAuth:
		if in.AuthCode != "" {
			if o.exchanger == nil || !o.exchanger.Supports(cfg.ID) {
				return backend.Credential{}, autherr.New(autherr.InvalidCredentials, cfg.DisplayName()+" does not accept authorization codes")
			}
			cred, _, err := o.exchanger.Exchange(ctx, cfg.ID, in.AuthCode)
			if err != nil {
				return backend.Credential{}, autherr.Classify(err)
			}
			return cred, nil
		}
		if in.IDToken == "" && in.AccessToken == "" {
			return backend.Credential{}, autherr.New(autherr.InvalidCredentials, cfg.DisplayName()+" token is required")
		}
		return backend.Credential{
			ProviderID:  cfg.ID,
			Email:       strings.TrimSpace(in.Email),
			IDToken:     in.IDToken,
			AccessToken: in.AccessToken,
			Secret:      in.Secret,
		}, nil
	default:
		return backend.Credential{}, autherr.New(autherr.UnknownException, "unsupported provider "+cfg.ID)
	}
}

func passwordCredential(in CredentialInput) (backend.Credential, error) {
	email := strings.TrimSpace(in.Email)
	if email == "" {
		return backend.Credential{}, autherr.New(autherr.InvalidCredentials, "email is required")
	}
	if in.Password == "" {
		return backend.Credential{}, autherr.New(autherr.InvalidCredentials, "password is required")
	}
	return backend.Credential{ProviderID: provider.Password, Email: email, Password: in.Password}, nil
}

// anonymousSession returns the anonymous user to upgrade, or nil when
// upgrades are disabled or the session is not anonymous.
func (o *Orchestrator) anonymousSession(ctx context.Context) (*user.User, error) {
	if !o.upgrade {
		return nil, nil
	}
	current, err := o.backend.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil || !current.Anonymous {
		return nil, nil
	}
	return current, nil
}

// finish records err on span and logs classified failures.
func (o *Orchestrator) finish(span trace.Span, providerID string, err error) error {
	if err == nil {
		return nil
	}
	classified := autherr.Classify(err)
	span.SetAttributes(attribute.String("auth.error_kind", classified.Kind.String()))
	span.SetStatus(otelcodes.Error, classified.Kind.String())
	o.logger.Info("sign-in failed",
		slog.String("provider", providerID),
		slog.String("kind", classified.Kind.String()),
		slog.Bool("recoverable", classified.Recoverable),
	)
	return classified
}

func resultOrNil(res backend.AuthResult, err error) *backend.AuthResult {
	if err != nil {
		return nil
	}
	return &res
}
