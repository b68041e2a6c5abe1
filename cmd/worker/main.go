package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"herald/internal/app"
	"herald/internal/config"
	"herald/internal/infra/logging"
	"herald/internal/infra/queue"

	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	defer logCloser.Close()

	slog.Info("worker configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("releasing resources", "error", err)
		}
	}()

	if a.Local != nil {
		return errors.New("the worker consumes the asynq queue; set queue.backend=asynq and dispatch.mode=live")
	}

	asynqServer := queue.NewServer(a.RedisOpt(), cfg.Queue.Concurrency)
	mux := queue.NewMux(a.Worker)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("worker starting",
			"concurrency", cfg.Queue.Concurrency,
			"redis", cfg.Redis.Address,
		)
		if err := asynqServer.Start(mux); err != nil {
			return fmt.Errorf("starting asynq server: %w", err)
		}
		<-gctx.Done()

		slog.Info("shutting down worker...")
		asynqServer.Shutdown()
		return nil
	})

	if cfg.Reaper.Enabled {
		g.Go(func() error {
			a.Reaper.Run(gctx)
			return nil
		})
	}

	if cfg.Queue.MetricsPort > 0 {
		metricsSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Queue.MetricsPort),
			Handler:           a.Metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return metricsSrv.Close()
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("worker exited gracefully")
	return nil
}
