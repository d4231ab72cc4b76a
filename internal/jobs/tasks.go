// Package jobs defines the background task surface: the expired-ace sweeper
// cron and the per-key cache refresh task enqueued after mutations.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSweepExpired is the cron task that purges expired access entries.
	TaskSweepExpired = "authz:sweep_expired"
	// TaskAclRefresh is the task that reloads one acl's cache entry.
	TaskAclRefresh = "authz:acl_refresh"
)

// SweepExpiredPayload bounds a single sweeper run.
type SweepExpiredPayload struct {
	BatchSize int `json:"batch_size"`
}

// NewSweepExpiredTask constructs an Asynq task for the expired-ace sweeper.
func NewSweepExpiredTask(payload SweepExpiredPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSweepExpired, data), nil
}

// AclRefreshPayload names the acl whose cache entry should be reloaded.
type AclRefreshPayload struct {
	AclKeyIndex string `json:"acl_key_index"`
}

// NewAclRefreshTask constructs an Asynq task for a single-key cache refresh.
func NewAclRefreshTask(payload AclRefreshPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAclRefresh, data), nil
}
