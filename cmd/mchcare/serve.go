package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/mchcare/internal/backup"
	"github.com/dukerupert/mchcare/internal/email"
	"github.com/dukerupert/mchcare/internal/push"
	"github.com/dukerupert/mchcare/internal/server"
	"github.com/dukerupert/mchcare/internal/store"
)

const (
	shutdownTimeout     = 15 * time.Second
	rateLimiterInterval = time.Minute
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()
			return runServer(cmd.Context(), a)
		},
	}
}

func runServer(parent context.Context, a *app) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := a.cfg
	logger := a.logger

	events := store.NewEvents()
	mgr := a.newManager(ctx, events)
	if err := mgr.Recover(); err != nil {
		return fmt.Errorf("recover interrupted operations: %w", err)
	}

	runner := backup.NewRunner(mgr, logger)

	srv := server.New(a.db, mgr, runner, events, server.Options{
		BaseURL:            cfg.BaseURL,
		AllowedOrigins:     cfg.AllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		CacheTTL:           cfg.CacheTTL,
		Push:               push.NewService(cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubscriber),
		Email:              email.NewClient(cfg.PostmarkServerToken, cfg.PostmarkFromEmail),
		AlertEmail:         cfg.AlertEmail,
	}, logger)
	// Jobs canceled by Stop may still raise failure alerts.
	defer func() {
		runner.Stop()
		srv.Wait()
	}()

	if cfg.BackupSchedule != "" {
		sched, err := backup.NewScheduler(cfg.BackupSchedule, cfg.BackupRetentionDays, mgr, runner, logger)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Left unset: downloads stream whole artifacts.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server started", "addr", httpServer.Addr, "storage", cfg.StorageDriver,
			"backups_configured", mgr.Configured(), "schedule", cfg.BackupSchedule)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		srv.RateLimiter().Run(gctx, rateLimiterInterval)
		return nil
	})

	return g.Wait()
}
