package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rtmx-ai/rtmx-trust/internal/app"
	"github.com/rtmx-ai/rtmx-trust/internal/audit"
	"github.com/rtmx-ai/rtmx-trust/internal/converge"
	"github.com/rtmx-ai/rtmx-trust/internal/decision"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, shadow cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	reqDB, err := requirement.LoadFile(cfg.RequirementsPath)
	if err != nil {
		logger.Warn("requirements database not loaded", slog.Any("error", err))
		reqDB = requirement.NewDatabase(nil)
	}
	remotes := requirement.NewRemotes(nil)

	keys := token.NewKeySet(token.KeySetConfig{
		URL:     cfg.KeysetURL,
		TTL:     cfg.KeysetTTL,
		Timeout: cfg.KeysetTimeout,
		Logger:  logger,
	})
	validator := token.NewValidator(keys, cfg.TokenIssuer, cfg.TokenAudience)

	replica := grant.NewReplica(grant.NewClock(cfg.ReplicaID))
	grantRepo := grant.NewPgRepository(pool)
	auditService := audit.NewService(pool, logger)

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

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	store := grant.NewStore(grant.StoreConfig{
		Replica:   replica,
		LocalRepo: cfg.LocalRepo,
		Audit:     auditService,
		Repo:      grantRepo,
		OnMutate: func(m grant.Mutation) {
			manager.Enqueue(m)
			for _, p := range peers {
				if _, err := jobClient.EnqueueConvergeSync(ctx, p.Name, cfg.SyncMaxRetry); err != nil {
					logger.Warn("enqueue peer sync", slog.String("peer", p.Name), slog.Any("error", err))
				}
			}
		},
		Logger: logger,
	})
	if err := store.Restore(ctx); err != nil {
		logger.Error("restore grant state", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()

	engine := decision.NewEngine(replica, cfg.LocalRepo, metrics)
	resolver := shadow.NewResolver(shadow.ResolverConfig{
		Source:    peerClient,
		Remotes:   remotes,
		Cache:     shadow.NewCache(redisClient),
		Freshness: cfg.ShadowFreshness,
		Logger:    logger,
		Metrics:   metrics,
	})

	statusSource := converge.StatusSource{Client: peerClient, Remotes: remotes}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Validator:          validator,
		GrantHandler:       grant.NewHandler(logger, store),
		RequirementHandler: shadow.NewHandler(logger, reqDB, engine, resolver, statusSource, cfg.LocalRepo),
		RemotesHandler:     requirement.NewRemotesHandler(logger, remotes, reqDB, peerClient),
		SyncHandler:        converge.NewHandler(logger, manager, reqDB),
		AuditHandler:       audit.NewHandler(logger, auditService),
		JobsHandler:        jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("repo", cfg.LocalRepo),
			slog.String("replica", cfg.ReplicaID))
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
