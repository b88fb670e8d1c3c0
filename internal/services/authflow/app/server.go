// Package app assembles the sign-in flow service: it opens the pending
// request store, builds one flow engine per application id, and serves the
// HTTP API next to a gRPC health endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	platformgrpc "github.com/louisbranch/authflow/internal/platform/grpc"
	"github.com/louisbranch/authflow/internal/platform/logging"
	"github.com/louisbranch/authflow/internal/platform/timeouts"
	"github.com/louisbranch/authflow/internal/services/authflow/api/httpapi"
	"github.com/louisbranch/authflow/internal/services/authflow/backend/memory"
	"github.com/louisbranch/authflow/internal/services/authflow/federated"
	"github.com/louisbranch/authflow/internal/services/authflow/flow"
	"github.com/louisbranch/authflow/internal/services/authflow/orchestrator"
	"github.com/louisbranch/authflow/internal/services/authflow/pending"
	pendingmemory "github.com/louisbranch/authflow/internal/services/authflow/pending/memory"
	pendingredis "github.com/louisbranch/authflow/internal/services/authflow/pending/redis"
	pendingsqlite "github.com/louisbranch/authflow/internal/services/authflow/pending/sqlite"
	"github.com/louisbranch/authflow/internal/services/authflow/provider"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

// HealthService is the gRPC health service name reported for the flow API.
const HealthService = "authflow.v1.FlowService"

const flowCleanupInterval = time.Minute

// Server hosts the sign-in flow service.
type Server struct {
	logger       *slog.Logger
	backend      *memory.Backend
	store        pending.Store
	closeStore   func() error
	engines      *flow.Registry[string, *flow.Engine]
	api          *httpapi.Server
	httpListener net.Listener
	httpServer   *http.Server
	grpcListener net.Listener
	grpcServer   *grpc.Server
	health       *health.Server
}

// New opens storage and listeners for cfg.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.New(os.Stdout, cfg.LogLevel)

	flowConfig, err := loadFlowConfiguration(cfg.FlowConfig)
	if err != nil {
		return nil, err
	}
	b, err := memory.New(memory.Options{
		LinkBaseURL: cfg.LinkBaseURL,
		LinkSecret:  []byte(cfg.LinkSecret),
		LinkTTL:     cfg.LinkTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	exchanger, err := discoverExchanger(ctx, cfg.OIDCProviders)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Server{
		logger:     logger,
		backend:    b,
		store:      store,
		closeStore: closeStore,
		engines:    flow.NewRegistry[string, *flow.Engine](),
	}
	engineOptions := flow.EngineOptions{
		Backend:      b,
		Store:        store,
		Exchanger:    exchanger,
		ContinueURL:  cfg.ContinueURL,
		PhoneTimeout: cfg.PhoneTimeout,
		Logger:       logger,
	}
	// Fail on a bad continue URL before anything listens.
	if _, err := s.engine(engineOptions, cfg.AppID); err != nil {
		_ = closeStore()
		return nil, err
	}

	s.api, err = httpapi.NewServer(httpapi.Config{
		DefaultAppID: cfg.AppID,
		AppIDs:       cfg.AppIDs,
		Flow:         flowConfig,
		FlowTTL:      cfg.FlowTTL,
		Engines: func(appID string) (*flow.Engine, error) {
			return s.engine(engineOptions, appID)
		},
		Logger: logger,
	})
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	s.httpListener, err = net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("listen on http addr %s: %w", cfg.HTTPAddr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	s.grpcListener, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		_ = s.httpListener.Close()
		_ = closeStore()
		return nil, fmt.Errorf("listen on port %d: %w", cfg.GRPCPort, err)
	}
	s.grpcServer, s.health = platformgrpc.NewHealthServer(HealthService)
	return s, nil
}

// Run creates a server and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return s.Serve(ctx)
}

// HTTPAddr returns the HTTP listener address.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr returns the gRPC listener address.
func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Backend returns the identity backend the flows sign in against.
func (s *Server) Backend() *memory.Backend {
	return s.backend
}

// Serve runs both listeners until ctx ends or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.close()

	g, gctx := errgroup.WithContext(ctx)
	s.api.StartCleanup(gctx, flowCleanupInterval)
	g.Go(func() error {
		log.Printf("authflow gRPC health listening at %v", s.grpcListener.Addr())
		if err := s.grpcServer.Serve(s.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("authflow HTTP server listening at %v", s.httpListener.Addr())
		if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})
	return g.Wait()
}

func (s *Server) shutdown() {
	s.health.Shutdown()
	// Open event streams end when their flows are disposed.
	s.api.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown http server", slog.String("error", err.Error()))
	}
	s.grpcServer.GracefulStop()
}

func (s *Server) close() {
	s.engines.Clear()
	if err := s.closeStore(); err != nil {
		s.logger.Warn("close pending store", slog.String("error", err.Error()))
	}
}

func (s *Server) engine(opts flow.EngineOptions, appID string) (*flow.Engine, error) {
	return s.engines.GetOrCreate(appID, func(appID string) (*flow.Engine, error) {
		opts.AppID = appID
		return flow.NewEngine(opts)
	})
}

func loadFlowConfiguration(path string) (provider.FlowConfiguration, error) {
	if strings.TrimSpace(path) == "" {
		return provider.FlowConfiguration{}, nil
	}
	cfg, err := provider.LoadFlowConfiguration(path)
	if err != nil {
		return provider.FlowConfiguration{}, err
	}
	if _, err := cfg.Normalize(); err != nil {
		return provider.FlowConfiguration{}, fmt.Errorf("flow config %s: %w", path, err)
	}
	return cfg, nil
}

func discoverExchanger(ctx context.Context, raw string) (orchestrator.CodeExchanger, error) {
	endpoints, err := federated.ParseEndpoints(raw)
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, nil
	}
	exchanger, err := federated.Discover(ctx, endpoints)
	if err != nil {
		return nil, err
	}
	return exchanger, nil
}

func openStore(ctx context.Context, cfg Config) (pending.Store, func() error, error) {
	switch cfg.Store {
	case StoreMemory:
		return pendingmemory.New(), func() error { return nil }, nil
	case StoreRedis:
		client, err := pendingredis.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		store := pendingredis.New(client, cfg.LinkTTL)
		return store, store.Close, nil
	default:
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		store, err := pendingsqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, store.Close, nil
	}
}
