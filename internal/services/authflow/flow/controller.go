package flow

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/authflow/internal/platform/errors"
	"github.com/louisbranch/authflow/internal/services/authflow/autherr"
	"github.com/louisbranch/authflow/internal/services/authflow/backend"
	"github.com/louisbranch/authflow/internal/services/authflow/emaillink"
	"github.com/louisbranch/authflow/internal/services/authflow/merge"
	"github.com/louisbranch/authflow/internal/services/authflow/orchestrator"
	"github.com/louisbranch/authflow/internal/services/authflow/provider"
	"github.com/louisbranch/authflow/internal/services/authflow/signin"
	"github.com/louisbranch/authflow/internal/services/authflow/state"
)

// Loading messages.
const (
	MessageSigningIn      = "Signing in"
	MessageSendingCode    = "Sending verification code"
	MessageSendingLink    = "Sending sign-in link"
	MessageAwaitingLink   = "Check your email for a sign-in link"
	MessageCheckingLink   = "Checking sign-in link"
	MessageDiscardingLink = "Discarding sign-in link"
	MessageVerifyingCode  = "Verifying code"
)

// FieldDisplayName is reported by RequiresProfileCompletion when a new
// account has no name.
const FieldDisplayName = "display_name"

// Status is the outcome reported to the host once an attempt ends.
type Status string

const (
	StatusOK       Status = "OK"
	StatusCanceled Status = "CANCELED"
)

// Result is the data handed back to the invoking surface.
type Result struct {
	Status    Status
	UserID    string
	IsNewUser bool
	// Err is set when the attempt ended in a failure rather than a user
	// cancellation.
	Err *autherr.AuthError
}

// ResultOf maps a terminal state to a Result.
func ResultOf(s state.State) (Result, bool) {
	switch v := s.(type) {
	case state.Success:
		return Result{Status: StatusOK, UserID: v.User.ID, IsNewUser: v.IsNewUser}, true
	case state.Cancelled:
		return Result{Status: StatusCanceled}, true
	case state.Error:
		if !v.Recoverable() {
			return Result{Status: StatusCanceled, Err: v.Err}, true
		}
	}
	return Result{}, false
}

// ErrDisposed is returned by every operation on a disposed flow.
var ErrDisposed = apperrors.New(apperrors.CodeFlowDisposed, "flow is disposed")

// parked is a credential waiting for the user to sign in with providerID.
type parked struct {
	providerID string
	credential backend.Credential
}

// transition is a state change together with the bookkeeping it implies.
type transition struct {
	next state.State
	park *parked
	// unpark drops the parked credential once it was linked or handed on.
	unpark bool
	// link is the sign-in link awaiting an email or a cross-device answer.
	link string
}

// Controller holds the state of one flow. Operations run one at a time and
// every state change goes through it.
type Controller struct {
	id          string
	config      provider.FlowConfiguration
	orch        *orchestrator.Orchestrator
	links       *emaillink.Handler
	callTimeout time.Duration
	logger      *slog.Logger

	scope       context.Context
	cancelScope context.CancelFunc

	// op serializes operations.
	op sync.Mutex

	mu         sync.Mutex
	current    state.State
	generation uint64
	disposed   bool
	subs       map[*Subscription]struct{}
	parked     *parked
	challenge  *backend.MultiFactorChallenge
	link       string

	disposeOnce sync.Once
	disposals   atomic.Int32
}

// ID returns the flow id.
func (c *Controller) ID() string {
	return c.id
}

// Config returns the validated configuration the flow started with.
func (c *Controller) Config() provider.FlowConfiguration {
	return c.config
}

// State returns the current state.
func (c *Controller) State() state.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Result returns the host result once the flow reached a terminal state.
func (c *Controller) Result() (Result, bool) {
	return ResultOf(c.State())
}

// Subscription receives state changes. C holds at most one pending state;
// a slow reader only misses intermediate states, never the latest one. C is
// closed when the subscription or the flow goes away.
type Subscription struct {
	C <-chan state.State

	ch chan state.State
	c  *Controller
}

// Close stops the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if _, ok := s.c.subs[s]; ok {
		delete(s.c.subs, s)
		close(s.ch)
	}
}

// offer replaces any unread state with next. Callers hold the controller
// lock, so there is a single sender.
func (s *Subscription) offer(next state.State) {
	select {
	case s.ch <- next:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- next
}

// Observe subscribes to state changes. The subscription starts with the
// current state.
func (c *Controller) Observe() (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, ErrDisposed
	}
	ch := make(chan state.State, 1)
	sub := &Subscription{C: ch, ch: ch, c: c}
	ch <- c.current
	c.subs[sub] = struct{}{}
	return sub, nil
}

// Cancel ends the current attempt. An operation still in flight finishes in
// the background and its result is dropped. A flow that already reached a
// terminal state keeps it. The flow stays usable until Dispose.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if state.IsTerminal(c.current) {
		return nil
	}
	c.generation++
	c.setLocked(state.Cancelled{})
	return nil
}

// Dispose releases the flow. A flow abandoned before reaching a terminal
// state is reset to Idle. Dispose may be called any number of times from any
// goroutine; only the first call has an effect.
func (c *Controller) Dispose() error {
	c.disposeOnce.Do(c.dispose)
	return nil
}

func (c *Controller) dispose() {
	c.mu.Lock()
	c.disposed = true
	c.generation++
	if !state.IsTerminal(c.current) {
		c.setLocked(state.Idle{})
	}
	for sub := range c.subs {
		close(sub.ch)
	}
	clear(c.subs)
	c.parked = nil
	c.challenge = nil
	c.link = ""
	c.mu.Unlock()

	c.cancelScope()
	c.disposals.Add(1)
	c.logger.Debug("flow disposed")
}

// SignIn signs in with the configured provider providerID.
func (c *Controller) SignIn(ctx context.Context, providerID string, in orchestrator.CredentialInput) (state.State, error) {
	cfg, err := c.provider(providerID)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, MessageSigningIn, c.callTimeout, func(ctx context.Context) transition {
		outcome, err := c.orch.SignIn(ctx, cfg, in)
		return c.settle(ctx, outcome, err)
	})
}

// StartPhoneVerification sends a code to phoneNumber. The returned
// verification id goes into the phone SignIn together with the code.
func (c *Controller) StartPhoneVerification(ctx context.Context, phoneNumber string) (string, state.State, error) {
	if _, err := c.provider(provider.Phone); err != nil {
		return "", nil, err
	}
	var verificationID string
	// The orchestrator applies the phone timeout itself.
	s, err := c.run(ctx, MessageSendingCode, 0, func(ctx context.Context) transition {
		id, err := c.orch.StartPhoneVerification(ctx, phoneNumber)
		if err != nil {
			return failed(err)
		}
		verificationID = id
		return transition{next: state.Idle{}}
	})
	if err != nil {
		return "", nil, err
	}
	if _, ok := s.(state.Idle); !ok {
		verificationID = ""
	}
	return verificationID, s, nil
}

// SendEmailLink sends a sign-in link to email. A credential parked for the
// email-link provider travels with the request and is linked once the link
// is used.
func (c *Controller) SendEmailLink(ctx context.Context, email string) (state.State, error) {
	cfg, err := c.provider(provider.EmailLink)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, MessageSendingLink, c.callTimeout, func(ctx context.Context) transition {
		req := emaillink.InitiateRequest{Email: email, ForceSameDevice: cfg.ForceSameDevice}
		p := c.parkedCredential()
		if p != nil && p.providerID == provider.EmailLink {
			cred := p.credential
			req.LinkingCredential = &cred
		}
		if err := c.links.Initiate(ctx, req); err != nil {
			return failed(err)
		}
		return transition{next: state.Loading{Message: MessageAwaitingLink}, unpark: req.LinkingCredential != nil}
	})
}

// OpenLink handles a sign-in link the application was invoked with.
func (c *Controller) OpenLink(ctx context.Context, rawLink string) (state.State, error) {
	return c.run(ctx, MessageCheckingLink, c.callTimeout, func(ctx context.Context) transition {
		res, err := c.links.Open(ctx, rawLink)
		if err != nil {
			return linkFailed(res, err)
		}
		return c.linkStep(ctx, res, rawLink)
	})
}

// ProvideEmail answers PromptForEmail for the link opened last.
func (c *Controller) ProvideEmail(ctx context.Context, email string) (state.State, error) {
	rawLink, err := c.openLink()
	if err != nil {
		return nil, err
	}
	return c.run(ctx, MessageSigningIn, c.callTimeout, func(ctx context.Context) transition {
		res, err := c.links.ProvideEmail(ctx, rawLink, email)
		if err != nil {
			return linkFailed(res, err)
		}
		return c.linkStep(ctx, res, rawLink)
	})
}

// ConfirmCrossDevice answers CrossDeviceConfirm for the link opened last.
func (c *Controller) ConfirmCrossDevice(ctx context.Context, continueLinking bool) (state.State, error) {
	rawLink, err := c.openLink()
	if err != nil {
		return nil, err
	}
	return c.run(ctx, MessageSigningIn, c.callTimeout, func(ctx context.Context) transition {
		res, err := c.links.ConfirmCrossDevice(ctx, rawLink, continueLinking)
		if err != nil {
			return linkFailed(res, err)
		}
		return c.linkStep(ctx, res, rawLink)
	})
}

// AbandonEmailLink deletes the application's pending email-link request.
func (c *Controller) AbandonEmailLink(ctx context.Context) (state.State, error) {
	return c.run(ctx, MessageDiscardingLink, c.callTimeout, func(ctx context.Context) transition {
		if err := c.links.Abandon(ctx); err != nil {
			return failed(err)
		}
		return transition{next: state.Idle{}}
	})
}

// SubmitMFACode answers the outstanding second-factor challenge.
func (c *Controller) SubmitMFACode(ctx context.Context, code string) (state.State, error) {
	c.mu.Lock()
	challenge := c.challenge
	c.mu.Unlock()
	if challenge == nil {
		return nil, apperrors.New(apperrors.CodeFlowStateMismatch, "no multi-factor challenge is pending")
	}
	return c.run(ctx, MessageVerifyingCode, c.callTimeout, func(ctx context.Context) transition {
		outcome, err := c.orch.ResolveMFA(ctx, *challenge, code)
		return c.settle(ctx, outcome, err)
	})
}

// run executes one operation: it publishes Loading, runs fn with a context
// bound to the flow, and publishes fn's transition unless the attempt was
// cancelled or the flow disposed meanwhile. It returns the state the flow
// is in afterwards.
func (c *Controller) run(ctx context.Context, message string, timeout time.Duration, fn func(context.Context) transition) (state.State, error) {
	c.op.Lock()
	defer c.op.Unlock()

	gen, err := c.begin(message)
	if err != nil {
		return nil, err
	}
	ctx, release := c.bind(ctx, timeout)
	defer release()

	return c.commit(gen, fn(ctx)), nil
}

func (c *Controller) begin(message string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return 0, ErrDisposed
	}
	c.generation++
	c.setLocked(state.Loading{Message: message})
	return c.generation, nil
}

// bind derives a context that also ends when the flow is disposed.
func (c *Controller) bind(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	stop := context.AfterFunc(c.scope, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (c *Controller) commit(gen uint64, t transition) state.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || gen != c.generation {
		c.logger.Debug("dropped late result", slog.String("state", t.next.Kind().String()))
		return c.current
	}

	if t.unpark {
		c.parked = nil
	}
	if t.park != nil {
		c.parked = t.park
	}
	if t.link != "" {
		c.link = t.link
	}
	switch v := t.next.(type) {
	case state.RequiresMfa:
		challenge := v.Challenge
		c.challenge = &challenge
	case state.Success:
		c.challenge = nil
		c.link = ""
	}
	c.setLocked(t.next)
	return t.next
}

func (c *Controller) setLocked(next state.State) {
	prev := c.current
	c.current = next
	c.logger.Debug("flow state",
		slog.String("from", prev.Kind().String()),
		slog.String("to", next.Kind().String()),
	)
	for sub := range c.subs {
		sub.offer(next)
	}
}

func (c *Controller) provider(providerID string) (provider.Config, error) {
	if c.isDisposed() {
		return provider.Config{}, ErrDisposed
	}
	cfg, ok := c.config.Provider(providerID)
	if !ok {
		return provider.Config{}, apperrors.WithMetadata(apperrors.CodeProviderUnknown,
			"provider "+providerID+" is not configured for this flow",
			map[string]string{"ProviderID": providerID})
	}
	return cfg, nil
}

func (c *Controller) openLink() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return "", ErrDisposed
	}
	if c.link == "" {
		return "", apperrors.New(apperrors.CodeFlowStateMismatch, "no sign-in link is waiting for input")
	}
	return c.link, nil
}

func (c *Controller) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *Controller) parkedCredential() *parked {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parked
}

// settle maps a sign-in outcome to the next state.
func (c *Controller) settle(ctx context.Context, outcome merge.Outcome, err error) transition {
	if err != nil {
		return failed(err)
	}
	switch {
	case outcome.Result != nil:
		return c.succeed(ctx, *outcome.Result)
	case outcome.Conflict != nil:
		return transition{next: state.MergeConflict{
			PendingCredential: outcome.Conflict.PendingCredential,
			Email:             outcome.Conflict.Email,
		}}
	case outcome.Linking != nil:
		l := outcome.Linking
		return transition{
			next: state.RequiresSignIn{ProviderID: l.ProviderID, Email: l.Email},
			park: &parked{providerID: l.ProviderID, credential: l.PendingCredential},
		}
	default:
		return failed(autherr.New(autherr.UnknownException, "sign-in produced no result"))
	}
}

// succeed links a parked credential waiting for res's provider and decides
// whether the account still needs something before the flow can finish.
func (c *Controller) succeed(ctx context.Context, res signin.Result) transition {
	var t transition
	if p := c.parkedCredential(); p != nil && p.providerID == res.ProviderID {
		linked, err := c.orch.Link(ctx, res.User.ID, p.credential)
		if err != nil {
			return failed(err)
		}
		if linked.Result == nil {
			return c.settle(ctx, linked, nil)
		}
		res.User = linked.Result.User
		t.unpark = true
	}

	cfg, _ := c.config.Provider(res.ProviderID)
	u := res.User
	switch {
	case res.IsNewUser && cfg.RequireName && strings.TrimSpace(u.DisplayName) == "":
		t.next = state.RequiresProfileCompletion{User: u, MissingFields: []string{FieldDisplayName}}
	case cfg.RequireEmailVerification && u.Email != "" && !u.EmailVerified:
		t.next = state.RequiresEmailVerification{User: u, Email: u.Email}
	default:
		t.next = state.Success{User: u, ProviderID: res.ProviderID, IsNewUser: res.IsNewUser}
	}
	return t
}

// linkStep maps an email-link protocol step to the next state.
func (c *Controller) linkStep(ctx context.Context, res emaillink.Result, rawLink string) transition {
	switch res.Step {
	case emaillink.StepCompleted:
		return c.settle(ctx, res.Outcome, nil)
	case emaillink.StepPromptForEmail:
		return transition{next: state.PromptForEmail{}, link: rawLink}
	case emaillink.StepCrossDeviceConfirm:
		return transition{
			next: state.CrossDeviceConfirm{Email: res.Email, ProviderID: res.ProviderID},
			link: rawLink,
		}
	case emaillink.StepRequiresSignIn:
		t := transition{next: state.RequiresSignIn{ProviderID: res.ProviderID, Email: res.Email}}
		if res.LinkingCredential != nil {
			t.park = &parked{providerID: res.ProviderID, credential: *res.LinkingCredential}
		}
		return t
	case emaillink.StepWrongDevice:
		return transition{next: state.WrongDevice{}}
	case emaillink.StepInvalidLink:
		return transition{next: state.InvalidLink{}}
	case emaillink.StepDifferentAnonymousUser:
		return transition{next: state.DifferentAnonymousUser{}}
	default:
		return failed(autherr.New(autherr.UnknownException, "unexpected email link step "+res.Step.String()))
	}
}

// linkFailed is failed for email-link operations. A link that ran into a
// second factor hands back the credential it was carrying; it is parked for
// the link's provider and linked once the code is accepted.
func linkFailed(res emaillink.Result, err error) transition {
	t := failed(err)
	if _, ok := t.next.(state.RequiresMfa); ok && res.LinkingCredential != nil {
		t.park = &parked{providerID: res.ProviderID, credential: *res.LinkingCredential}
	}
	return t
}

// failed classifies err. A second-factor requirement that carries its
// challenge asks for the code instead of failing.
func failed(err error) transition {
	classified := autherr.Classify(err)
	if classified.Kind == autherr.MfaRequired {
		if challenge := classified.Challenge(); challenge != nil {
			return transition{next: state.RequiresMfa{Challenge: *challenge}}
		}
	}
	return transition{next: state.Error{Err: classified}}
}
