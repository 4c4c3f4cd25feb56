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

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockroom/cmd/stockroom/cli"
	"github.com/odyssey-erp/stockroom/internal/app"
	"github.com/odyssey-erp/stockroom/internal/marketplace"
	"github.com/odyssey-erp/stockroom/internal/observability"
	"github.com/odyssey-erp/stockroom/internal/platform/cache"
	"github.com/odyssey-erp/stockroom/internal/platform/db"
	"github.com/odyssey-erp/stockroom/internal/shared"
	"github.com/odyssey-erp/stockroom/internal/stock"
	"github.com/odyssey-erp/stockroom/jobs"
	"github.com/odyssey-erp/stockroom/migrations"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 {
		if err := runCommand(ctx, cfg, logger, os.Args[1:]); err != nil {
			logger.Error("command failed", slog.String("command", os.Args[1]), slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions())
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if err := migrations.Apply(ctx, dbpool); err != nil {
		logger.Error("apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	// Without redis the policy is read from postgres on every request.
	var redisClient *redis.Client
	if client, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisDB); err != nil {
		logger.Warn("redis unavailable, policy cache disabled", slog.Any("error", err))
	} else {
		redisClient = client
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
	jobClient, err := jobs.NewClient(redisOpts, cfg.AlertEmailTo)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	stockRepo := stock.NewRepository(dbpool, cfg.PGMaxTxRetries)
	policies := stock.NewPolicyCache(redisClient, stockRepo, cfg.PolicyCacheTTL)
	stockService := stock.NewService(stockRepo, auditLogger, stock.ServiceConfig{
		Policies: policies,
		Notifier: jobClient,
		Metrics:  metrics,
		Logger:   logger,
	})

	marketplaceRepo := marketplace.NewRepository(dbpool, cfg.PGMaxTxRetries)
	marketplaceService := marketplace.NewService(marketplaceRepo, auditLogger, marketplace.ServiceConfig{
		Idempotency: idempotencyStore,
		Notifier:    jobClient,
		Metrics:     metrics,
		Logger:      logger,
	})

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		StockHandler:       stock.NewHandler(logger, stockService),
		MarketplaceHandler: marketplace.NewHandler(logger, marketplaceService),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runCommand handles the operational subcommands.
func runCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	switch args[0] {
	case "migrate":
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions())
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := migrations.Apply(ctx, pool); err != nil {
			return err
		}
		logger.Info("migrations applied")
		return nil
	case "jobs":
		if len(args) < 2 {
			return fmt.Errorf("usage: stockroom jobs trigger <task> | stats | scheduled")
		}
		jobsCLI, err := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, cfg.AlertEmailTo)
		if err != nil {
			return err
		}
		defer jobsCLI.Close()
		switch args[1] {
		case "trigger":
			if len(args) < 3 {
				return fmt.Errorf("usage: stockroom jobs trigger <task> [args...]")
			}
			info, err := jobsCLI.Trigger(ctx, args[2], args[3:])
			if err != nil {
				return err
			}
			logger.Info("job enqueued", slog.String("task", info.Type), slog.String("id", info.ID))
			return nil
		case "stats":
			stats, err := jobsCLI.InspectQueue(ctx)
			if err != nil {
				return err
			}
			logger.Info("queue stats",
				slog.String("queue", stats.Queue),
				slog.Int("pending", stats.Pending),
				slog.Int("active", stats.Active),
				slog.Int("scheduled", stats.Scheduled),
				slog.Int("retry", stats.Retry))
			return nil
		case "scheduled":
			tasks, err := jobsCLI.ListScheduled(ctx, 20)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				logger.Info("scheduled task", slog.String("task", t.Type), slog.String("id", t.ID), slog.Time("next_process_at", t.NextProcessAt))
			}
			return nil
		}
		return fmt.Errorf("unknown jobs command %q", args[1])
	}
	return fmt.Errorf("unknown command %q", args[0])
}
