// Package emaillink drives sign-in through links delivered by email,
// including links opened on a different device than the one that asked for
// them.
//
// Initiate persists the request before the link is sent. Open validates the
// link against the persisted request and either completes the sign-in or
// returns the step the user has to take first. The pending request is
// deleted only once the link reaches a final outcome.
package emaillink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/authflow/internal/platform/id"
	"github.com/louisbranch/authflow/internal/platform/logging"
	"github.com/louisbranch/authflow/internal/services/authflow/autherr"
	"github.com/louisbranch/authflow/internal/services/authflow/backend"
	"github.com/louisbranch/authflow/internal/services/authflow/merge"
	"github.com/louisbranch/authflow/internal/services/authflow/pending"
	"github.com/louisbranch/authflow/internal/services/authflow/provider"
	"github.com/louisbranch/authflow/internal/services/authflow/user"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "authflow/emaillink"

// Step is where a link left the protocol.
type Step int

const (
	// StepCompleted means the link was exchanged; Result.Outcome is set.
	StepCompleted Step = iota
	StepPromptForEmail
	StepCrossDeviceConfirm
	StepRequiresSignIn
	StepWrongDevice
	StepInvalidLink
	StepDifferentAnonymousUser
)

func (s Step) String() string {
	switch s {
	case StepCompleted:
		return "completed"
	case StepPromptForEmail:
		return "prompt_for_email"
	case StepCrossDeviceConfirm:
		return "cross_device_confirm"
	case StepRequiresSignIn:
		return "requires_sign_in"
	case StepWrongDevice:
		return "wrong_device"
	case StepInvalidLink:
		return "invalid_link"
	case StepDifferentAnonymousUser:
		return "different_anonymous_user"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Result is the outcome of one protocol operation.
type Result struct {
	Step    Step
	Outcome merge.Outcome
	// Email and ProviderID are set for StepCrossDeviceConfirm and
	// StepRequiresSignIn.
	Email      string
	ProviderID string
	// LinkingCredential must be linked after the user signs in with
	// ProviderID. It is set for StepRequiresSignIn and alongside a
	// MfaRequired error.
	LinkingCredential *backend.Credential
}

// Authenticator completes sign-ins for the handler.
type Authenticator interface {
	Authenticate(ctx context.Context, cred backend.Credential) (merge.Outcome, error)
	Link(ctx context.Context, userID string, cred backend.Credential) (merge.Outcome, error)
}

// Options configures a Handler.
type Options struct {
	AppID         string
	Store         pending.Store
	Backend       backend.Backend
	Authenticator Authenticator
	// ContinueURL is the absolute URL the link returns to.
	ContinueURL      string
	AnonymousUpgrade bool
	Now              func() time.Time
	NewSessionID     func() (string, error)
	// Lock serializes handlers that share one pending slot. Each Handler
	// gets its own lock when nil.
	Lock   sync.Locker
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Handler runs the email-link protocol for one application id. Operations
// are serialized so a pending request is never read while it is being
// consumed.
type Handler struct {
	opts Options
	mu   sync.Locker
}

// NewHandler validates opts and creates a Handler.
func NewHandler(opts Options) (*Handler, error) {
	if strings.TrimSpace(opts.AppID) == "" {
		return nil, fmt.Errorf("app id is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("pending store is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.Authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if _, err := EncodeContinueURL(opts.ContinueURL, Session{}); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = id.NewID
	}
	opts.Logger = logging.OrDefault(opts.Logger)
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	mu := opts.Lock
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &Handler{opts: opts, mu: mu}, nil
}

// InitiateRequest asks for a link to be sent.
type InitiateRequest struct {
	Email           string
	ForceSameDevice bool
	// LinkingCredential is linked after the link signs the user in.
	LinkingCredential *backend.Credential
}

// Initiate persists the request and sends the link. A second call replaces
// the first request. Send failures are classified and recoverable.
func (h *Handler) Initiate(ctx context.Context, req InitiateRequest) error {
	ctx, span := h.opts.Tracer.Start(ctx, "emaillink.Initiate")
	defer span.End()

	h.mu.Lock()
	defer h.mu.Unlock()

	email, err := user.NormalizeEmail(req.Email)
	if err != nil {
		return autherr.Wrap(autherr.InvalidCredentials, "a valid email is required", err)
	}
	sessionID, err := h.opts.NewSessionID()
	if err != nil {
		return autherr.Wrap(autherr.UnknownException, "generate session id", err)
	}

	var anonymousUserID string
	if h.opts.AnonymousUpgrade {
		current, err := h.opts.Backend.CurrentUser(ctx)
		if err != nil {
			return autherr.Classify(err)
		}
		if current != nil && current.Anonymous {
			anonymousUserID = current.ID
		}
	}

	providerID := provider.EmailLink
	if req.LinkingCredential != nil {
		providerID = req.LinkingCredential.ProviderID
	}
	record := pending.Request{
		Email:             email,
		ProviderID:        providerID,
		ForceSameDevice:   req.ForceSameDevice,
		CreatedAt:         h.opts.Now().UTC(),
		LinkingCredential: req.LinkingCredential,
		SessionID:         sessionID,
		AnonymousUserID:   anonymousUserID,
	}
	if err := h.opts.Store.Save(ctx, h.opts.AppID, record); err != nil {
		return autherr.Classify(err)
	}

	session := Session{
		SessionID:       sessionID,
		AnonymousUserID: anonymousUserID,
		ForceSameDevice: req.ForceSameDevice,
	}
	if req.LinkingCredential != nil {
		session.ProviderID = req.LinkingCredential.ProviderID
	}
	continueURL, err := EncodeContinueURL(h.opts.ContinueURL, session)
	if err != nil {
		return autherr.Wrap(autherr.UnknownException, "build continue url", err)
	}
	if err := h.opts.Backend.SendSignInLink(ctx, email, backend.LinkSettings{ContinueURL: continueURL}); err != nil {
		classified := autherr.Classify(err)
		h.opts.Logger.Info("send sign-in link failed", slog.String("kind", classified.Kind.String()))
		return classified
	}
	h.opts.Logger.Debug("sign-in link sent", slog.Bool("force_same_device", req.ForceSameDevice))
	return nil
}

// Open handles a link the application was invoked with.
func (h *Handler) Open(ctx context.Context, rawLink string) (Result, error) {
	ctx, span := h.opts.Tracer.Start(ctx, "emaillink.Open")
	defer span.End()

	h.mu.Lock()
	defer h.mu.Unlock()

	result, err := h.open(ctx, rawLink)
	h.record(span, "open", result, err)
	return result, err
}

func (h *Handler) open(ctx context.Context, rawLink string) (Result, error) {
	link, ok := h.parse(rawLink)
	if !ok || link.Session.SessionID == "" {
		return Result{Step: StepInvalidLink}, nil
	}

	req, err := h.opts.Store.Load(ctx, h.opts.AppID)
	if err != nil && !errors.Is(err, pending.ErrNotFound) {
		return Result{}, autherr.Classify(err)
	}
	sameDevice := err == nil && req.SessionID == link.Session.SessionID

	if !sameDevice {
		if link.Session.ForceSameDevice || link.Session.AnonymousUserID != "" {
			return Result{Step: StepWrongDevice}, nil
		}
		info, err := h.opts.Backend.CheckActionCode(ctx, link.Code)
		if err != nil {
			if isLinkFailure(err) {
				return Result{Step: StepInvalidLink}, nil
			}
			return Result{}, autherr.Classify(err)
		}
		if link.Session.ProviderID != "" {
			return Result{Step: StepCrossDeviceConfirm, Email: info.Email, ProviderID: link.Session.ProviderID}, nil
		}
		return Result{Step: StepPromptForEmail}, nil
	}

	if link.Session.AnonymousUserID != "" {
		current, err := h.opts.Backend.CurrentUser(ctx)
		if err != nil {
			return Result{}, autherr.Classify(err)
		}
		if current == nil || !current.Anonymous || current.ID != link.Session.AnonymousUserID {
			return Result{Step: StepDifferentAnonymousUser}, nil
		}
	}

	return h.complete(ctx, req.Email, link, req.LinkingCredential)
}

// ProvideEmail completes a link opened without a matching pending request,
// using the address the user typed.
func (h *Handler) ProvideEmail(ctx context.Context, rawLink, email string) (Result, error) {
	ctx, span := h.opts.Tracer.Start(ctx, "emaillink.ProvideEmail")
	defer span.End()

	h.mu.Lock()
	defer h.mu.Unlock()

	link, ok := h.parse(rawLink)
	if !ok {
		return Result{Step: StepInvalidLink}, nil
	}
	if strings.TrimSpace(email) == "" {
		return Result{}, autherr.New(autherr.InvalidCredentials, "email is required")
	}
	result, err := h.complete(ctx, email, link, nil)
	h.record(span, "provide_email", result, err)
	return result, err
}

// ConfirmCrossDevice answers the cross-device question. Without
// continueLinking the link signs the user in on its own; with it the user is
// asked to sign in with the link's provider and the link credential is
// handed back to be linked afterwards.
func (h *Handler) ConfirmCrossDevice(ctx context.Context, rawLink string, continueLinking bool) (Result, error) {
	ctx, span := h.opts.Tracer.Start(ctx, "emaillink.ConfirmCrossDevice")
	defer span.End()

	h.mu.Lock()
	defer h.mu.Unlock()

	link, ok := h.parse(rawLink)
	if !ok || link.Session.ProviderID == "" {
		return Result{Step: StepInvalidLink}, nil
	}
	info, err := h.opts.Backend.CheckActionCode(ctx, link.Code)
	if err != nil {
		if isLinkFailure(err) {
			return Result{Step: StepInvalidLink}, nil
		}
		return Result{}, autherr.Classify(err)
	}

	var result Result
	if continueLinking {
		result = Result{
			Step:       StepRequiresSignIn,
			Email:      info.Email,
			ProviderID: link.Session.ProviderID,
			LinkingCredential: &backend.Credential{
				ProviderID: provider.EmailLink,
				Email:      info.Email,
				Link:       link.Raw,
			},
		}
	} else {
		result, err = h.complete(ctx, info.Email, link, nil)
	}
	h.record(span, "confirm_cross_device", result, err)
	return result, err
}

// Abandon deletes the pending request.
func (h *Handler) Abandon(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.opts.Store.Delete(ctx, h.opts.AppID); err != nil {
		return autherr.Classify(err)
	}
	return nil
}

// Pending returns the stored request, if any.
func (h *Handler) Pending(ctx context.Context) (pending.Request, bool, error) {
	req, err := h.opts.Store.Load(ctx, h.opts.AppID)
	if errors.Is(err, pending.ErrNotFound) {
		return pending.Request{}, false, nil
	}
	if err != nil {
		return pending.Request{}, false, err
	}
	return req, true, nil
}

// complete exchanges the link for a sign-in. The pending request is removed
// once the link is spent: a sign-in, a dead link, a second-factor challenge,
// or an error the user cannot retry. With a challenge the linking credential
// is returned next to the error so the caller can link it after the second
// factor.
func (h *Handler) complete(ctx context.Context, email string, link Link, linking *backend.Credential) (Result, error) {
	cred := backend.Credential{ProviderID: provider.EmailLink, Email: strings.TrimSpace(email), Link: link.Raw}
	outcome, err := h.opts.Authenticator.Authenticate(ctx, cred)
	if err != nil {
		if isLinkFailure(err) {
			h.discard(ctx)
			return Result{Step: StepInvalidLink}, nil
		}
		classified := autherr.Classify(err)
		if classified.Kind == autherr.MfaRequired {
			// The code is spent; the second factor finishes the sign-in
			// without coming back here.
			h.discard(ctx)
			return Result{ProviderID: provider.EmailLink, LinkingCredential: linking}, classified
		}
		if !classified.Recoverable {
			h.discard(ctx)
		}
		return Result{}, classified
	}
	if outcome.Result == nil {
		return Result{Step: StepCompleted, Outcome: outcome}, nil
	}

	h.discard(ctx)
	if linking != nil {
		linked, err := h.opts.Authenticator.Link(ctx, outcome.Result.User.ID, *linking)
		if err != nil {
			return Result{}, autherr.Classify(err)
		}
		if linked.Result != nil {
			linked.Result.IsNewUser = outcome.Result.IsNewUser
		}
		outcome = linked
	}
	return Result{Step: StepCompleted, Outcome: outcome}, nil
}

func (h *Handler) discard(ctx context.Context) {
	if err := h.opts.Store.Delete(ctx, h.opts.AppID); err != nil {
		h.opts.Logger.Warn("delete pending request", slog.String("error", err.Error()))
	}
}

func (h *Handler) parse(rawLink string) (Link, bool) {
	if !h.opts.Backend.IsSignInWithEmailLink(rawLink) {
		return Link{}, false
	}
	link, err := ParseLink(rawLink)
	if err != nil {
		return Link{}, false
	}
	return link, true
}

func (h *Handler) record(span trace.Span, op string, result Result, err error) {
	if err != nil {
		classified := autherr.Classify(err)
		span.SetAttributes(attribute.String("auth.error_kind", classified.Kind.String()))
		h.opts.Logger.Info("email link failed", slog.String("op", op), slog.String("kind", classified.Kind.String()))
		return
	}
	span.SetAttributes(attribute.String("emaillink.step", result.Step.String()))
	h.opts.Logger.Info("email link step", slog.String("op", op), slog.String("step", result.Step.String()))
}

// isLinkFailure reports whether err says the link itself is unusable.
func isLinkFailure(err error) bool {
	return errors.Is(err, backend.Fail(backend.CodeInvalidActionCode, "")) ||
		errors.Is(err, backend.Fail(backend.CodeExpiredActionCode, ""))
}
