// Package service ties the gateway components together and runs them.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/amurg-ai/botgate/internal/api"
	"github.com/amurg-ai/botgate/internal/config"
	"github.com/amurg-ai/botgate/internal/gateway"
	"github.com/amurg-ai/botgate/internal/recorder"
	"github.com/amurg-ai/botgate/internal/store"
	"github.com/amurg-ai/botgate/internal/upstream"
	"github.com/amurg-ai/botgate/pkg/protocol"
)

const (
	shutdownTimeout = 30 * time.Second
	purgeInterval   = time.Hour
)

// Service is the gateway process.
type Service struct {
	cfg      *config.Config
	store    store.Store
	recorder *recorder.Service // nil when recording is disabled
	link     *upstream.Link
	gateway  *gateway.Gateway
	api      *api.Server
	logger   *slog.Logger
}

// New creates the gateway process from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	s := &Service{
		cfg:    cfg,
		store:  db,
		logger: logger.With("component", "service"),
	}

	opts := gateway.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendQueueSize:  cfg.Server.SendQueue,
		MaxMessageSize: cfg.Server.MaxMessageBytes,
	}

	if !cfg.Recorder.Disabled {
		s.recorder = recorder.New(db, recorder.Options{
			ScreenshotInterval: cfg.Recorder.ScreenshotInterval.Duration,
			QueueSize:          cfg.Recorder.QueueSize,
		}, logger)
		opts.Recorder = s.recorder
	}

	// The link delivers events to the gateway, which needs the link to
	// send. Events only flow once the link is started.
	s.link = upstream.New(cfg.Upstream.Endpoint(), cfg.Upstream.ReconnectDelay.Duration, func(ev protocol.UpstreamEvent) {
		s.gateway.HandleUpstreamEvent(ev)
	}, logger)
	opts.Upstream = s.link

	s.gateway = gateway.New(opts, logger)
	s.api = api.NewServer(s.gateway, db, cfg, logger)

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', any page can open a WebSocket to the gateway")
			break
		}
	}

	return s, nil
}

// Handler returns the HTTP handler serving both WebSocket and HTTP clients.
func (s *Service) Handler() http.Handler {
	return s.api.Handler()
}

// Run listens on the configured address and blocks until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		s.close(ctx)
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the gateway on ln until ctx is canceled, then shuts down
// gracefully. It always releases the store and the upstream link.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.link.Start(ctx)
	s.api.StartBackgroundTasks(ctx)
	if s.cfg.Storage.Retention.Duration > 0 {
		go s.runRetentionPurger(ctx, s.cfg.Storage.Retention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening",
			"addr", ln.Addr().String(),
			"upstream", s.cfg.Upstream.Endpoint(),
			"recording", s.recorder != nil)
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gateway gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			s.logger.Info("http server stopped gracefully")
		}

		s.close(shutdownCtx)
		s.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		s.close(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// close stops the components in dependency order: clients first, then the
// link, then the recorder queue, then the store underneath it.
func (s *Service) close(ctx context.Context) {
	s.gateway.Shutdown()
	if err := s.link.Close(); err != nil {
		s.logger.Warn("close upstream link", "error", err)
	}
	if s.recorder != nil {
		if err := s.recorder.Close(ctx); err != nil {
			s.logger.Warn("recorder did not drain", "error", err, "dropped", s.recorder.Dropped())
		} else if n := s.recorder.Dropped(); n > 0 {
			s.logger.Warn("recorder dropped writes", "count", n)
		}
	}
	s.logger.Info("closing store")
	if err := s.store.Close(); err != nil {
		s.logger.Warn("close store", "error", err)
	}
}

func (s *Service) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge(ctx, time.Now().Add(-retention))
		}
	}
}

func (s *Service) purge(ctx context.Context, cutoff time.Time) {
	n, err := s.store.PurgeOldRuns(ctx, cutoff)
	if err != nil {
		s.logger.Warn("retention purge failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("retention purge: deleted old runs", "count", n)
	}
}
