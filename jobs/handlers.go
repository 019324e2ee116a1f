package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/rtmx-ai/rtmx-trust/internal/converge"
	"github.com/rtmx-ai/rtmx-trust/internal/observability"
	"github.com/rtmx-ai/rtmx-trust/internal/shadow"
	"github.com/rtmx-ai/rtmx-trust/internal/token"
)

// NewKeysetRefreshHandler refreshes the signing key set. A failed
// refresh is retried by asynq; the validator keeps serving from the
// stale cache in the meantime.
func NewKeysetRefreshHandler(keys *token.KeySet, metrics *observability.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		err := keys.Refresh(ctx)
		metrics.KeysetRefresh(err == nil)
		if err != nil {
			logger.Warn("keyset refresh failed", slog.Any("error", err))
			return err
		}
		logger.Info("keyset refreshed")
		return nil
	}
}

// NewConvergeSyncHandler runs one state exchange with the named peer.
// Errors propagate so asynq retries with backoff until the partition
// heals or retries run out.
func NewConvergeSyncHandler(manager *converge.Manager, metrics *observability.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ConvergeSyncPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		err := manager.Sync(ctx, payload.Peer)
		metrics.PeerSync(payload.Peer, err == nil)
		if err != nil {
			return err
		}
		logger.Info("peer sync completed", slog.String("peer", payload.Peer))
		return nil
	}
}

// NewShadowSweepHandler refreshes stale shadow cache entries.
func NewShadowSweepHandler(resolver *shadow.Resolver, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		refreshed, failed, err := resolver.Sweep(ctx)
		if err != nil {
			logger.Warn("shadow sweep aborted", slog.Any("error", err))
			return err
		}
		logger.Info("shadow sweep completed",
			slog.Int("refreshed", refreshed), slog.Int("failed", failed))
		return nil
	}
}
