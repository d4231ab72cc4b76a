package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-research/meridian-authz/internal/authz"
)

// AclRefreshJob reloads a single acl's cache entry from the system of record.
// Idempotent, safe to retry and to run after the acl has been deleted.
type AclRefreshJob struct {
	Service *authz.Service
	Logger  *slog.Logger
	Metrics *Metrics
}

// NewAclRefreshJob wires dependencies for the refresh handler.
func NewAclRefreshJob(service *authz.Service, logger *slog.Logger, metrics *Metrics) *AclRefreshJob {
	return &AclRefreshJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle processes TaskAclRefresh tasks.
func (j *AclRefreshJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("acl refresh: handler not configured")
	}
	var payload AclRefreshPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	key, err := authz.ParseAclKeyIndex(authz.AclKeyIndex(payload.AclKeyIndex))
	if err != nil {
		j.logger().Warn("discarding refresh for malformed key", slog.String("acl_key", payload.AclKeyIndex))
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskAclRefresh)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if err := j.Service.RefreshAcl(ctx, key); err != nil {
		resultErr = err
		j.logger().Error("refresh acl cache", slog.String("acl_key", payload.AclKeyIndex), slog.Any("error", err))
		return resultErr
	}
	return resultErr
}

func (j *AclRefreshJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAclRefresh))
	}
	return slog.Default().With(slog.String("job", TaskAclRefresh))
}

func (j *AclRefreshJob) metrics() *Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
