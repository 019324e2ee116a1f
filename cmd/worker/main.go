package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/rtmx-ai/rtmx-trust/internal/app"
	"github.com/rtmx-ai/rtmx-trust/internal/converge"
	"github.com/rtmx-ai/rtmx-trust/internal/grant"
	"github.com/rtmx-ai/rtmx-trust/internal/observability"
	"github.com/rtmx-ai/rtmx-trust/internal/platform/cache"
	"github.com/rtmx-ai/rtmx-trust/internal/platform/db"
	"github.com/rtmx-ai/rtmx-trust/internal/requirement"
	"github.com/rtmx-ai/rtmx-trust/internal/shadow"
	"github.com/rtmx-ai/rtmx-trust/internal/token"
	"github.com/rtmx-ai/rtmx-trust/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, shadow sweep degraded", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	keys := token.NewKeySet(token.KeySetConfig{
		URL:     cfg.KeysetURL,
		TTL:     cfg.KeysetTTL,
		Timeout: cfg.KeysetTimeout,
		Logger:  logger,
	})

	remotes := requirement.NewRemotes(nil)

	replica := grant.NewReplica(grant.NewClock(cfg.ReplicaID))
	grantRepo := grant.NewPgRepository(pool)
	if state, err := grantRepo.LoadState(ctx); err != nil {
		logger.Warn("load grant state", slog.Any("error", err))
	} else {
		replica.Merge(state)
	}

	peerClient := converge.NewClient(cfg.PeerToken, cfg.PeerTimeout)
	var peers []converge.Peer
	for _, p := range cfg.PeerList() {
		peers = append(peers, converge.Peer{Name: p.Name, BaseURL: p.BaseURL})
	}
	manager := converge.NewManager(converge.ManagerConfig{
		Replica: replica,
		Client:  peerClient,
		Peers:   peers,
		Repo:    grantRepo,
		Logger:  logger,
	})

	metrics := observability.NewMetrics()

	resolver := shadow.NewResolver(shadow.ResolverConfig{
		Source:    peerClient,
		Remotes:   remotes,
		Cache:     shadow.NewCache(redisClient),
		Freshness: cfg.ShadowFreshness,
		Logger:    logger,
		Metrics:   metrics,
	})

	cron := []jobs.CronRegistration{
		{
			Spec:    "@every 10m",
			Task:    jobs.NewKeysetRefreshTask(),
			Options: []asynq.Option{asynq.MaxRetry(3)},
		},
		{
			Spec:    "@every 15m",
			Task:    jobs.NewShadowSweepTask(),
			Options: []asynq.Option{asynq.MaxRetry(1)},
		},
	}
	for _, p := range peers {
		task, err := jobs.NewConvergeSyncTask(p.Name, cfg.SyncMaxRetry)
		if err != nil {
			logger.Error("build sync task", slog.String("peer", p.Name), slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{
			Spec: "@every " + cfg.SyncInterval.String(),
			Task: task,
		})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskKeysetRefresh, Handler: jobs.NewKeysetRefreshHandler(keys, metrics, logger)},
			{Type: jobs.TaskConvergeSync, Handler: jobs.NewConvergeSyncHandler(manager, metrics, logger)},
			{Type: jobs.TaskShadowSweep, Handler: jobs.NewShadowSweepHandler(resolver, logger)},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
