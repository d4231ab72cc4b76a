package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-research/meridian-authz/internal/authz"
)

const defaultSweepBatchSize = 500

var defaultJobMetrics = NewMetrics(nil)

// SweepExpiredJob removes access entries whose expiration has passed. Reads
// already filter expired entries, the sweeper makes that durable.
type SweepExpiredJob struct {
	Service *authz.Service
	Logger  *slog.Logger
	Metrics *Metrics
	clock   func() time.Time
}

// NewSweepExpiredJob wires dependencies for the sweeper handler.
func NewSweepExpiredJob(service *authz.Service, logger *slog.Logger, metrics *Metrics) *SweepExpiredJob {
	return &SweepExpiredJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskSweepExpired tasks. Each run drains in batches until
// no expired entries remain, so a missed cron tick self-heals on the next.
func (j *SweepExpiredJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("sweep expired: handler not configured")
	}
	var payload SweepExpiredPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.BatchSize <= 0 {
		payload.BatchSize = defaultSweepBatchSize
	}

	tracker := j.metrics().Track(TaskSweepExpired)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	asOf := j.now()
	total := 0
	for {
		removed, err := j.Service.PurgeExpired(ctx, asOf, payload.BatchSize)
		if err != nil {
			resultErr = err
			logger.Error("purge expired batch", slog.Any("error", err), slog.Int("removed", total))
			return resultErr
		}
		total += removed
		if removed < payload.BatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			resultErr = err
			return resultErr
		}
	}
	j.metrics().AddSwept(total)
	logger.Info("completed expired sweep", slog.Int("removed", total), slog.Time("as_of", asOf))
	return resultErr
}

func (j *SweepExpiredJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSweepExpired))
	}
	return slog.Default().With(slog.String("job", TaskSweepExpired))
}

func (j *SweepExpiredJob) metrics() *Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SweepExpiredJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
