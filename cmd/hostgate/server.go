package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/workzone/hostgate/internal/shell/api"
	"github.com/workzone/hostgate/internal/shell/caddy"
	"github.com/workzone/hostgate/internal/shell/dns"
	"github.com/workzone/hostgate/internal/shell/registration"
	"github.com/workzone/hostgate/internal/shell/store"
	"github.com/workzone/hostgate/internal/shell/verifier"
	"github.com/workzone/hostgate/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitStoreError      = 2
	ExitHTTPServerError = 4
	ExitProxyError      = 5
)

// =============================================================================
// Server
// =============================================================================

// Server represents the hostgate application server.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	poller     *workers.ChallengePoller
	janitor    *workers.ChallengeJanitor
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	s, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitStoreError}
	}

	engine, err := newEngine(cfg, s, logger)
	if err != nil {
		s.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	client := caddy.NewClient(cfg.Proxy.Client(), logger)
	registrar := caddy.NewRegistrar(client, cfg.Proxy.Registrar(), logger)

	// The orchestrator is the poller's callback, so the poller is created
	// without one and wired once both exist.
	poller := workers.NewChallengePoller(engine, nil, cfg.Verification.Poller(), logger)
	orchestrator := registration.New(engine, registrar, poller, s, logger)
	poller.SetVerifiedFunc(orchestrator.OnVerified)

	janitor, err := workers.NewChallengeJanitor(s, cfg.Verification.JanitorSchedule, logger)
	if err != nil {
		poller.Stop()
		s.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	handler := api.NewHandler(orchestrator, logger, Version)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("verification configured",
		"trusted_suffix", cfg.Verification.TrustedSuffix,
		"server_ip", cfg.Verification.ServerIP,
		"dns_mode", cfg.DNS.Mode,
		"store", cfg.Store.Driver,
		"proxy", cfg.Proxy.AdminURL,
	)

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		poller:     poller,
		janitor:    janitor,
		logger:     logger,
	}, nil
}

// newEngine builds the resolver and verification engine over s.
func newEngine(cfg *Config, s store.Store, logger *slog.Logger) (*verifier.Engine, error) {
	resolver, err := dns.New(cfg.DNS, logger)
	if err != nil {
		return nil, err
	}
	return verifier.NewEngine(cfg.Verification.Engine(), resolver, s, nil, logger)
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Pick up challenges issued before a restart
	resumed, err := s.poller.Resume(ctx, s.store)
	if err != nil {
		s.logger.Error("failed to resume challenge polls", "error", err)
	} else if resumed > 0 {
		s.logger.Info("resumed challenge polls", "count", resumed)
	}

	s.janitor.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{Op: "Start", Err: err, ExitCode: ExitHTTPServerError}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.janitor.Stop()
	s.poller.Stop()

	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// exitCode maps an error from a command to a process exit code.
func exitCode(err error) int {
	var sErr *ServerError
	var pErr *caddy.ProxyError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &sErr):
		return sErr.ExitCode
	case errors.As(err, &pErr):
		return ExitProxyError
	default:
		return ExitConfigError
	}
}
