// Package flow owns sign-in flows. An Engine serves one application id and
// starts Controllers; a Controller holds the single current state of one flow
// and is the only place that state changes.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/authflow/internal/platform/id"
	"github.com/louisbranch/authflow/internal/platform/logging"
	"github.com/louisbranch/authflow/internal/platform/timeouts"
	"github.com/louisbranch/authflow/internal/services/authflow/backend"
	"github.com/louisbranch/authflow/internal/services/authflow/emaillink"
	"github.com/louisbranch/authflow/internal/services/authflow/orchestrator"
	"github.com/louisbranch/authflow/internal/services/authflow/pending"
	"github.com/louisbranch/authflow/internal/services/authflow/provider"
	"github.com/louisbranch/authflow/internal/services/authflow/state"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	AppID   string
	Backend backend.Backend
	Store   pending.Store
	// Exchanger turns authorization codes into federated credentials. It
	// may be nil when no OAuth provider is configured.
	Exchanger orchestrator.CodeExchanger
	// ContinueURL is where sign-in links return to.
	ContinueURL  string
	PhoneTimeout time.Duration
	// CallTimeout bounds every other backend round trip of a flow.
	CallTimeout time.Duration
	Now         func() time.Time
	NewID       func() (string, error)
	Logger      *slog.Logger
}

// Engine starts flows for one application id. Flows of the same engine share
// the application's pending email-link slot.
type Engine struct {
	opts EngineOptions
	// links serializes the email-link handlers of every flow.
	links sync.Mutex
}

// NewEngine validates opts and creates an Engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	opts.AppID = strings.TrimSpace(opts.AppID)
	if opts.AppID == "" {
		return nil, fmt.Errorf("app id is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("pending store is required")
	}
	if _, err := emaillink.EncodeContinueURL(opts.ContinueURL, emaillink.Session{}); err != nil {
		return nil, fmt.Errorf("continue url: %w", err)
	}
	if opts.PhoneTimeout <= 0 {
		opts.PhoneTimeout = timeouts.PhoneVerification
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = timeouts.BackendCall
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = id.NewID
	}
	opts.Logger = logging.OrDefault(opts.Logger).With(slog.String("app", opts.AppID))
	return &Engine{opts: opts}, nil
}

// AppID returns the application id the engine serves.
func (e *Engine) AppID() string {
	return e.opts.AppID
}

// Start validates cfg and returns a new flow in the Idle state.
// Configuration errors are returned here and never become a flow state.
func (e *Engine) Start(cfg provider.FlowConfiguration) (*Controller, error) {
	normalized, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	flowID, err := e.opts.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate flow id: %w", err)
	}
	logger := e.opts.Logger.With(slog.String("flow", flowID))

	orch, err := orchestrator.New(orchestrator.Options{
		Backend:          e.opts.Backend,
		Exchanger:        e.opts.Exchanger,
		AnonymousUpgrade: normalized.AnonymousUpgrade,
		PhoneTimeout:     e.opts.PhoneTimeout,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	links, err := emaillink.NewHandler(emaillink.Options{
		AppID:            e.opts.AppID,
		Store:            e.opts.Store,
		Backend:          e.opts.Backend,
		Authenticator:    orch,
		ContinueURL:      e.opts.ContinueURL,
		AnonymousUpgrade: normalized.AnonymousUpgrade,
		Now:              e.opts.Now,
		Lock:             &e.links,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("email link handler: %w", err)
	}

	scope, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:          flowID,
		config:      normalized,
		orch:        orch,
		links:       links,
		callTimeout: e.opts.CallTimeout,
		logger:      logger,
		scope:       scope,
		cancelScope: cancel,
		current:     state.Idle{},
		subs:        make(map[*Subscription]struct{}),
	}
	logger.Debug("flow started", slog.Any("providers", normalized.ProviderIDs()))
	return c, nil
}
