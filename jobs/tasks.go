// Package jobs defines the background tasks that keep the trust node
// healthy: key set refresh, peer heal-sync, and shadow cache sweeps.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskKeysetRefresh refreshes the token signing key set before its
	// TTL lapses.
	TaskKeysetRefresh = "keyset:refresh"
	// TaskConvergeSync exchanges state with one peer.
	TaskConvergeSync = "converge:sync"
	// TaskShadowSweep refreshes shadow cache entries past the freshness
	// threshold.
	TaskShadowSweep = "shadow:sweep"
)

// NewKeysetRefreshTask constructs the key refresh task.
func NewKeysetRefreshTask() *asynq.Task {
	return asynq.NewTask(TaskKeysetRefresh, nil, asynq.Queue(QueueDefault))
}

// ConvergeSyncPayload names the peer to reconcile with.
type ConvergeSyncPayload struct {
	Peer string `json:"peer"`
}

// NewConvergeSyncTask constructs a sync task for one peer. Retries back
// off exponentially so a partitioned peer is probed, not hammered.
func NewConvergeSyncTask(peer string, maxRetry int) (*asynq.Task, error) {
	body, err := json.Marshal(ConvergeSyncPayload{Peer: peer})
	if err != nil {
		return nil, err
	}
	if maxRetry <= 0 {
		maxRetry = 10
	}
	return asynq.NewTask(TaskConvergeSync, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(time.Minute)), nil
}

// NewShadowSweepTask constructs the shadow sweep task.
func NewShadowSweepTask() *asynq.Task {
	return asynq.NewTask(TaskShadowSweep, nil, asynq.Queue(QueueDefault))
}
