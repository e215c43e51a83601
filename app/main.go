package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lysyi3m/rss-warden/app/api"
	"github.com/lysyi3m/rss-warden/app/cfg"
	"github.com/lysyi3m/rss-warden/app/database"
	"github.com/lysyi3m/rss-warden/app/fetcher"
	"github.com/lysyi3m/rss-warden/app/poller"
	"github.com/lysyi3m/rss-warden/app/sources"
	"github.com/lysyi3m/rss-warden/app/tasks"
)

func main() {
	c, err := cfg.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if c == nil {
		return
	}

	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(c, logger); err != nil {
		logger.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(c *cfg.Cfg, logger *slog.Logger) error {
	logger.Info("Starting RSS Warden", "version", c.Version)

	db, err := database.NewConnection(c.DBPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("Database ready", "path", c.DBPath, "schema_version", version, "dirty", dirty)

	seeds := sources.NewCache(c.SourcesDir, logger)
	if err := seeds.Run(); err != nil {
		return fmt.Errorf("failed to load source seeds: %w", err)
	}
	logger.Info("Loaded source seeds", "dir", c.SourcesDir, "count", seeds.Count())

	sourceRepo := database.NewSourceRepository(db)
	postRepo := database.NewPostRepository(db)
	proxyRepo := database.NewProxyRepository(db)

	ctx := context.Background()

	if len(c.Proxies) > 0 {
		added, err := proxyRepo.AddProxies(ctx, c.Proxies)
		if err != nil {
			return fmt.Errorf("failed to seed proxies: %w", err)
		}
		logger.Info("Seeded proxy pool", "configured", len(c.Proxies), "added", added)
	}

	client := fetcher.NewHTTPClient(c.GetFetchTimeout(), c.VerifyTLS, fetcher.NewHostLimiter(c.HostRate))
	proxies := fetcher.NewProxyPool(proxyRepo, c.Proxies, logger)
	sourcePoller := poller.New(c, client, sourceRepo, postRepo, proxies, logger)

	scheduler := tasks.NewScheduler(c, sourceRepo, sourcePoller, seeds, logger)

	if c.Once {
		polled, err := scheduler.RunOnce(ctx)
		if err != nil {
			return err
		}
		stats := scheduler.Stats()
		logger.Info("Batch completed", "polled", polled, "completed", stats.Completed, "failed", stats.Failed)
		return nil
	}

	logger.Info("Starting background scheduler", "workers", c.WorkerCount, "batch_size", c.BatchSize, "interval", c.GetSchedulerInterval())
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(sourceRepo, postRepo, proxyRepo, scheduler, sourcePoller.Fetcher(), seeds, c.Version)

	httpServer := &http.Server{
		Addr:         ":" + c.Port,
		Handler:      api.NewServer(handler, c.APIAccessKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "port", c.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal", "signal", sig.String())
	case err := <-serverErrChan:
		logger.Error("Server error", "error", err)
	}

	logger.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	return nil
}
