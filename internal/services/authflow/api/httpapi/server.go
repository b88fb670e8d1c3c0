// Package httpapi exposes sign-in flows over HTTP. Each request is
// translated into one Controller operation and answered with the flow's
// resulting state.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/authflow/internal/platform/errors"
	"github.com/louisbranch/authflow/internal/platform/logging"
	"github.com/louisbranch/authflow/internal/services/authflow/flow"
	"github.com/louisbranch/authflow/internal/services/authflow/orchestrator"
	"github.com/louisbranch/authflow/internal/services/authflow/provider"
	"github.com/louisbranch/authflow/internal/services/authflow/state"
)

const (
	maxBodyBytes = 1 << 20
	// DefaultFlowTTL is how long a flow may go without a request before the
	// cleanup disposes it.
	DefaultFlowTTL = 30 * time.Minute
)

// EngineSource returns the engine serving appID.
type EngineSource func(appID string) (*flow.Engine, error)

// Config configures a Server.
type Config struct {
	// DefaultAppID serves requests that name no application.
	DefaultAppID string
	// AppIDs are the other application ids requests may name.
	AppIDs []string
	// Flow is used when a start request carries no configuration.
	Flow    provider.FlowConfiguration
	Engines EngineSource
	// FlowTTL is the idle time after which a flow is disposed. Zero means
	// DefaultFlowTTL.
	FlowTTL time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

type entry struct {
	appID      string
	controller *flow.Controller
	// seen is the time of the last request, in Unix nanoseconds.
	seen atomic.Int64
}

func (e *entry) touch(now time.Time) {
	e.seen.Store(now.UnixNano())
}

func (e *entry) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.seen.Load()))
}

// Server routes HTTP requests to flows.
type Server struct {
	config Config
	apps   map[string]struct{}
	flows  *flow.Registry[string, *entry]
	logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(config Config) (*Server, error) {
	if strings.TrimSpace(config.DefaultAppID) == "" {
		return nil, fmt.Errorf("default app id is required")
	}
	if config.Engines == nil {
		return nil, fmt.Errorf("engine source is required")
	}
	if config.FlowTTL < 0 {
		return nil, fmt.Errorf("flow ttl must not be negative")
	}
	if config.FlowTTL == 0 {
		config.FlowTTL = DefaultFlowTTL
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	apps := map[string]struct{}{config.DefaultAppID: {}}
	for _, appID := range config.AppIDs {
		if appID = strings.TrimSpace(appID); appID != "" {
			apps[appID] = struct{}{}
		}
	}
	return &Server{
		config: config,
		apps:   apps,
		flows:  flow.NewRegistry[string, *entry](),
		logger: logging.OrDefault(config.Logger),
	}, nil
}

// RegisterRoutes adds the flow endpoints to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /flows", s.handleStart)
	mux.HandleFunc("GET /flows/{id}", s.handleGet)
	mux.HandleFunc("DELETE /flows/{id}", s.handleDispose)
	mux.HandleFunc("GET /flows/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /flows/{id}/result", s.handleResult)
	mux.HandleFunc("POST /flows/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /flows/{id}/sign-in", s.handleSignIn)
	mux.HandleFunc("POST /flows/{id}/phone/verify", s.handlePhoneVerify)
	mux.HandleFunc("POST /flows/{id}/email-link", s.handleSendLink)
	mux.HandleFunc("DELETE /flows/{id}/email-link", s.handleAbandonLink)
	mux.HandleFunc("POST /flows/{id}/email-link/email", s.handleProvideEmail)
	mux.HandleFunc("POST /flows/{id}/email-link/confirm", s.handleConfirm)
	mux.HandleFunc("POST /flows/{id}/mfa", s.handleMFA)
	mux.HandleFunc("GET /links/open", s.handleOpenLink)
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// Handler returns a mux serving the flow endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close disposes every open flow.
func (s *Server) Close() {
	for _, e := range s.flows.DeleteFunc(func(string, *entry) bool { return true }) {
		_ = e.controller.Dispose()
	}
}

// StartCleanup disposes flows idle for longer than the flow TTL, checking
// every interval until ctx ends.
func (s *Server) StartCleanup(ctx context.Context, interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// sweep disposes expired flows and returns how many it removed.
func (s *Server) sweep() int {
	now := s.config.Now()
	expired := s.flows.DeleteFunc(func(_ string, e *entry) bool {
		return e.idle(now) >= s.config.FlowTTL
	})
	for _, e := range expired {
		_ = e.controller.Dispose()
	}
	if len(expired) > 0 {
		s.logger.Info("expired idle flows", slog.Int("count", len(expired)))
	}
	return len(expired)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeOptional(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	appID := strings.TrimSpace(req.AppID)
	if appID == "" {
		appID = s.config.DefaultAppID
	}
	cfg := s.config.Flow
	if req.Config != nil {
		cfg = req.Config.configuration()
	}

	e, err := s.start(appID, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newFlowView(appID, e.controller))
}

func (s *Server) start(appID string, cfg provider.FlowConfiguration) (*entry, error) {
	if _, ok := s.apps[appID]; !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeInvalidArgument,
			"application "+appID+" is not configured",
			map[string]string{"AppID": appID})
	}
	engine, err := s.config.Engines(appID)
	if err != nil {
		return nil, err
	}
	c, err := engine.Start(cfg)
	if err != nil {
		return nil, err
	}
	e, err := s.flows.GetOrCreate(c.ID(), func(string) (*entry, error) {
		created := &entry{appID: appID, controller: c}
		created.touch(s.config.Now())
		return created, nil
	})
	if err != nil {
		_ = c.Dispose()
		return nil, err
	}
	return e, nil
}

// drop removes a flow and disposes it.
func (s *Server) drop(e *entry) {
	if _, ok := s.flows.Delete(e.controller.ID()); ok {
		_ = e.controller.Dispose()
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newFlowView(e.appID, e.controller))
}

func (s *Server) handleDispose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, ok := s.flows.Delete(id)
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeNotFound, "flow not found"))
		return
	}
	_ = e.controller.Dispose()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	res, done := e.controller.Result()
	if !done {
		writeError(w, apperrors.New(apperrors.CodeFlowStateMismatch, "flow has not finished"))
		return
	}
	writeJSON(w, http.StatusOK, newResultView(res))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := e.controller.Cancel(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateView(e.controller.State()))
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req signInRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.ProviderID) == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "providerId is required"))
		return
	}
	next, err := e.controller.SignIn(r.Context(), req.ProviderID, orchestrator.CredentialInput{
		Email:          req.Email,
		Password:       req.Password,
		DisplayName:    req.DisplayName,
		NewAccount:     req.NewAccount,
		PhoneNumber:    req.PhoneNumber,
		VerificationID: req.VerificationID,
		SMSCode:        req.Code,
		IDToken:        req.IDToken,
		AccessToken:    req.AccessToken,
		Secret:         req.Secret,
		AuthCode:       req.AuthCode,
		Link:           req.Link,
	})
	writeState(w, next, err)
}

func (s *Server) handlePhoneVerify(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req phoneRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	verificationID, next, err := e.controller.StartPhoneVerification(r.Context(), req.PhoneNumber)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, phoneVerificationView{VerificationID: verificationID, State: newStateView(next)})
}

func (s *Server) handleSendLink(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req emailRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	next, err := e.controller.SendEmailLink(r.Context(), req.Email)
	writeState(w, next, err)
}

func (s *Server) handleAbandonLink(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	next, err := e.controller.AbandonEmailLink(r.Context())
	writeState(w, next, err)
}

func (s *Server) handleProvideEmail(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req emailRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	next, err := e.controller.ProvideEmail(r.Context(), req.Email)
	writeState(w, next, err)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	next, err := e.controller.ConfirmCrossDevice(r.Context(), req.ContinueLinking)
	writeState(w, next, err)
}

func (s *Server) handleMFA(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req codeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	next, err := e.controller.SubmitMFACode(r.Context(), req.Code)
	writeState(w, next, err)
}

// handleOpenLink receives a sign-in link. The link is either passed whole
// in the link parameter or is the request itself, as when the link base URL
// points at this endpoint. Without a flow parameter a new flow is started
// for the app parameter or the default application; that flow is kept only
// while the link still needs an answer from the user.
func (s *Server) handleOpenLink(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	rawLink := strings.TrimSpace(query.Get("link"))
	if rawLink == "" {
		rawLink = selfLink(r)
	}

	var e *entry
	flowID := query.Get("flow")
	if flowID != "" {
		found, ok := s.flows.Get(flowID)
		if !ok {
			writeError(w, apperrors.New(apperrors.CodeNotFound, "flow not found"))
			return
		}
		e = found
		e.touch(s.config.Now())
	} else {
		appID := strings.TrimSpace(query.Get("app"))
		if appID == "" {
			appID = s.config.DefaultAppID
		}
		started, err := s.start(appID, s.config.Flow)
		if err != nil {
			writeError(w, err)
			return
		}
		e = started
	}
	linkOnly := flowID == ""

	next, err := e.controller.OpenLink(r.Context(), rawLink)
	if err != nil {
		if linkOnly {
			s.drop(e)
		}
		writeError(w, err)
		return
	}
	view := newFlowView(e.appID, e.controller)
	if linkOnly && settled(next) {
		s.drop(e)
	}
	writeJSON(w, http.StatusOK, view)
}

// settled reports whether a flow has nothing left to ask the user.
func settled(s state.State) bool {
	switch s.(type) {
	case state.InvalidLink, state.WrongDevice, state.DifferentAnonymousUser:
		return true
	}
	return state.IsTerminal(s)
}

// handleEvents streams state changes as server-sent events until the flow
// is disposed or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}
	sub, err := e.controller.Observe()
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case next, open := <-sub.C:
			if !open {
				return
			}
			e.touch(s.config.Now())
			if err := writeEvent(w, next); err != nil {
				s.logger.Debug("write event", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*entry, bool) {
	e, ok := s.flows.Get(r.PathValue("id"))
	if !ok {
		writeError(w, apperrors.New(apperrors.CodeNotFound, "flow not found"))
		return nil, false
	}
	e.touch(s.config.Now())
	return e, true
}

func selfLink(r *http.Request) string {
	query := r.URL.Query()
	query.Del("flow")
	query.Del("app")
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path, RawQuery: query.Encode()}
	return u.String()
}

func writeEvent(w io.Writer, s state.State) error {
	data, err := json.Marshal(newStateView(s))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
	return err
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err)
	}
	return nil
}

// decodeOptional is decode for endpoints whose body may be empty.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err)
}

func writeState(w http.ResponseWriter, next state.State, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateView(next))
}

func writeError(w http.ResponseWriter, err error) {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		writeJSON(w, domainErr.Code.HTTPStatus(), errorResponse{
			Code:     string(domainErr.Code),
			Message:  domainErr.Message,
			Metadata: domainErr.Metadata,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Code:    string(apperrors.CodeUnknown),
		Message: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
