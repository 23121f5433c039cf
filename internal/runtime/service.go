package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/userevents/internal/auth"
	"github.com/drblury/userevents/internal/consumer"
	"github.com/drblury/userevents/internal/credentials"
	"github.com/drblury/userevents/internal/httpapi"
	"github.com/drblury/userevents/internal/publisher"
	configpkg "github.com/drblury/userevents/internal/runtime/config"
	errspkg "github.com/drblury/userevents/internal/runtime/errors"
	loggingpkg "github.com/drblury/userevents/internal/runtime/logging"
	"github.com/drblury/userevents/internal/tokens"
	"github.com/drblury/userevents/transport"
)

// ShutdownTimeout bounds the graceful stop of the HTTP servers.
var ShutdownTimeout = 10 * time.Second

// ServiceDependencies holds optional collaborators. Leave fields nil for the
// defaults.
type ServiceDependencies struct {
	// Transports resolves Config.QueueSystem; nil uses transport.DefaultRegistry.
	Transports *transport.Registry
	// Client skips the registry and uses this queue client directly.
	Client transport.Client

	// Handler processes events in the worker; nil logs them.
	Handler                   consumer.HandlerFunc
	Middlewares               []consumer.Middleware // Appended after the default chain.
	DisableDefaultMiddlewares bool
	Hooks                     consumer.Hooks

	Hasher credentials.Hasher
}

// Service owns the configuration, logger, queue client and metrics registry
// shared by the API and the worker processes.
type Service struct {
	Conf    *configpkg.Config
	Logger  loggingpkg.ServiceLogger
	Metrics *prometheus.Registry

	client transport.Client
	deps   ServiceDependencies

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewService validates conf and connects the queue client.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	log.Info("Creating user events service", loggingpkg.LogFields{
		"queue_system": conf.QueueSystem,
		"config":       conf.String(),
	})

	client := deps.Client
	if client == nil {
		registry := deps.Transports
		if registry == nil {
			registry = transport.DefaultRegistry
		}
		var err error
		client, err = registry.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
		if err != nil {
			return nil, fmt.Errorf("build %s transport: %w", conf.QueueSystem, err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Service{
		Conf:    conf,
		Logger:  log,
		Metrics: reg,
		client:  client,
		deps:    deps,
	}
	if conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(conf.MetricsPort, "/metrics", promhttpHandler(reg))
	}
	return s, nil
}

// Client returns the queue client.
func (s *Service) Client() transport.Client {
	return s.client
}

// APIHandler builds the HTTP API together with its credential store. The
// caller owns the store and should Close it on shutdown.
func (s *Service) APIHandler() (http.Handler, *credentials.Store, error) {
	hasher := s.deps.Hasher
	if hasher == nil {
		hasher = credentials.BcryptHasher{Cost: s.Conf.BcryptCost}
	}
	store := credentials.NewStore(hasher)

	pub, err := publisher.New(s.client, s.Conf.UserRegisteredQueue, publisher.Options{
		Logger:     s.Logger,
		Registerer: s.Metrics,
	})
	if err != nil {
		return nil, nil, err
	}

	secret := []byte(s.Conf.TokenSecret)
	if len(secret) == 0 {
		s.Logger.Info("No token secret configured; using an ephemeral one", nil)
		if secret, err = tokens.RandomSecret(); err != nil {
			return nil, nil, err
		}
	}
	issuer, err := tokens.NewIssuer(secret, s.Conf.TokenTTL)
	if err != nil {
		return nil, nil, err
	}

	svc, err := auth.NewService(store, pub, issuer, s.Logger)
	if err != nil {
		return nil, nil, err
	}
	return httpapi.NewHandler(svc, s.Logger, s.Conf.FrontendOrigin).Router(), store, nil
}

// RunAPI serves the HTTP API until ctx is cancelled, then shuts the servers
// down, tears down the credential store and closes the queue client.
func (s *Service) RunAPI(ctx context.Context) error {
	handler, store, err := s.APIHandler()
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
		_ = s.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)
	s.serve(gctx, g, &http.Server{Addr: s.Conf.HTTPAddress, Handler: handler})
	s.startHTTPServers(gctx, g)
	return g.Wait()
}

// NewConsumer builds the consumer loop from the configuration.
func (s *Service) NewConsumer() (*consumer.Loop, error) {
	cfg := consumer.DefaultConfig(s.Conf.UserRegisteredQueue)
	cfg.DeadLetterDestination = s.Conf.DeadLetterQueue
	cfg.MaxMessages = s.Conf.ReceiveBatchSize
	cfg.WaitTime = s.Conf.ReceiveWaitTime
	cfg.EmptyDelay = s.Conf.EmptyPollDelay
	cfg.ErrorDelay = s.Conf.ErrorBackoff

	middlewares := append([]consumer.Middleware{}, s.deps.Middlewares...)
	if h := s.deps.Hooks; h.OnStart != nil || h.OnDone != nil || h.OnError != nil {
		middlewares = append(middlewares, consumer.HooksMiddleware(cfg.Destination, s.deps.Hooks))
	}

	return consumer.New(s.client, cfg, s.deps.Handler, consumer.Options{
		Logger:                    s.Logger,
		Registerer:                s.Metrics,
		Middlewares:               middlewares,
		DisableDefaultMiddlewares: s.deps.DisableDefaultMiddlewares,
	})
}

// RunWorker runs the consumer loop until ctx is cancelled and then closes
// the queue client.
func (s *Service) RunWorker(ctx context.Context) error {
	loop, err := s.NewConsumer()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	s.startHTTPServers(gctx, g)
	return g.Wait()
}

// Close releases the queue client. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = transport.Close(s.client)
		if s.closeErr != nil {
			s.Logger.Error("Failed to close queue client", s.closeErr, nil)
		}
	})
	return s.closeErr
}

// serve runs srv in g and shuts it down once ctx is done.
func (s *Service) serve(ctx context.Context, g *errgroup.Group, srv *http.Server) {
	g.Go(func() error {
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.Logger.Error("HTTP server shutdown failed", err, loggingpkg.LogFields{"address": srv.Addr})
			return err
		}
		s.Logger.Info("HTTP server stopped", loggingpkg.LogFields{"address": srv.Addr})
		return nil
	})
}
