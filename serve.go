package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/turzo891/erpsync/internal/sync"
	"github.com/turzo891/erpsync/internal/webhook"
)

// Flags for the serve command.
var (
	flagServeWorkers int
	flagServeTick    time.Duration
)

// httpShutdownTimeout bounds how long in-flight HTTP requests get to finish
// on shutdown.
const httpShutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and queue workers",
		Long: `Start the real-time pipeline: an HTTP server receiving webhook
notifications from both instances, and a worker pool draining the durable
event queue. Runs until interrupted; the first signal drains gracefully.`,
		RunE: runServe,
	}

	cmd.Flags().IntVar(&flagServeWorkers, "workers", 0, "queue worker goroutines (default 2)")
	cmd.Flags().DurationVar(&flagServeTick, "tick", 0, "queue poll interval (default 2s)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	cloud, local, err := newClients(logger)
	if err != nil {
		return err
	}

	store, err := openStore(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := newEngine(cloud, local, store, logger)

	pool := sync.NewWorkerPool(&sync.WorkerConfig{
		Engine:       engine,
		Store:        store,
		Logger:       logger,
		Workers:      flagServeWorkers,
		PollInterval: flagServeTick,
	})

	ingress := webhook.NewServer(store, loadedEnv.WebhookSecret, logger)

	addr := net.JoinHostPort(loadedEnv.WebhookHost, strconv.Itoa(loadedEnv.WebhookPort))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           ingress.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx := shutdownContext(cmd.Context(), logger)

	errCh := make(chan error, 1)

	go func() {
		logger.Info("webhook server listening",
			slog.String("addr", addr),
			slog.String("cloud_endpoint", fmt.Sprintf("http://%s/webhook/cloud", addr)),
			slog.String("local_endpoint", fmt.Sprintf("http://%s/webhook/local", addr)),
		)

		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	poolDone := make(chan struct{})

	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}

	<-poolDone

	logger.Info("shutdown complete")

	return nil
}
