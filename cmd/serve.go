package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sosalejandro/progress-tracker/pkg/hub"
	"github.com/sosalejandro/progress-tracker/pkg/metrics"
	"github.com/sosalejandro/progress-tracker/pkg/progress"
	"github.com/sosalejandro/progress-tracker/pkg/subscription"
	"github.com/sosalejandro/progress-tracker/pkg/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP and websocket server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfgFile)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, logger := a.cfg, a.logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	h := hub.New(hub.Config{Logger: logger.Named("hub"), Observer: m})
	var (
		broadcaster progress.Broadcaster = h
		relay       *hub.RedisRelay
	)
	if cfg.Relay.Enabled {
		relay = hub.NewRedisRelay(a.redis, h, hub.RelayOptions{
			Channel: cfg.Relay.Channel,
			Logger:  logger.Named("relay"),
		})
		broadcaster = relay
	}

	tracker, err := progress.NewTracker(a.store, broadcaster, progress.Config{
		ActiveTTL:   cfg.Progress.ActiveTTL,
		TerminalTTL: cfg.Progress.TerminalTTL,
		Logger:      logger.Named("tracker"),
		Observer:    m,
	})
	if err != nil {
		return fmt.Errorf("init tracker: %w", err)
	}
	manager, err := subscription.NewManager(h, a.store, subscription.OwnerAuthorizer{Reader: a.store}, logger.Named("subscription"))
	if err != nil {
		return fmt.Errorf("init subscription manager: %w", err)
	}

	var tokens *transport.JWTService
	if cfg.Auth.Enabled {
		tokens = transport.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	} else {
		logger.Warn("Auth disabled, trusting X-User-ID")
	}

	server := transport.NewServer(transport.Deps{
		Tracker:        tracker,
		Hub:            h,
		Manager:        manager,
		Tokens:         tokens,
		APIKey:         cfg.Auth.APIKey,
		Gatherer:       reg,
		Ready:          a.ready,
		RequestTimeout: cfg.Server.RequestTimeout,
		WebSocket: transport.WebSocketOptions{
			SendBuffer:     cfg.WebSocket.SendBuffer,
			WriteWait:      cfg.WebSocket.WriteWait,
			PongWait:       cfg.WebSocket.PongWait,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		},
		Logger: logger.Named("http"),
	})
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server started", zap.String("addr", srv.Addr), zap.String("store", cfg.Store.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}
	if a.memory != nil {
		g.Go(func() error {
			sweep(gctx, a, cfg.Store.SweepInterval)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("Shutdown complete")
	return err
}

// sweep drops expired records from the in-process store until ctx ends.
func sweep(ctx context.Context, a *app, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.memory.Sweep(); n > 0 {
				a.logger.Debug("Swept expired progress", zap.Int("count", n))
			}
		}
	}
}
