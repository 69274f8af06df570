package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"conversation-coordinator/pkg/aggregate"
	"conversation-coordinator/pkg/config"
	"conversation-coordinator/pkg/constants"
	"conversation-coordinator/pkg/metrics"
	"conversation-coordinator/pkg/models"
)

// Leadership gates the producer scan to a single instance.
type Leadership interface {
	IsLeader() bool
}

// DrainProducer turns elapsed aggregation windows into drain jobs on the
// shared stream. Only the leader scans; claiming an entry from the due
// index is what guarantees a session becomes exactly one job even across
// a leader change mid-scan.
type DrainProducer struct {
	rdb        *redis.Client
	aggregator *aggregate.Aggregator
	leadership Leadership
	config     *config.Config
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

func NewDrainProducer(rdb *redis.Client, aggregator *aggregate.Aggregator, leadership Leadership, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) *DrainProducer {
	return &DrainProducer{
		rdb:        rdb,
		aggregator: aggregator,
		leadership: leadership,
		config:     cfg,
		logger:     logger,
		metrics:    m,
	}
}

func (dp *DrainProducer) Start(ctx context.Context) error {
	if err := dp.createConsumerGroup(ctx); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	go dp.scanLoop(ctx)

	dp.logger.Info("Drain producer started")
	return nil
}

func (dp *DrainProducer) createConsumerGroup(ctx context.Context) error {
	// Idempotent: BUSYGROUP means another instance created it first.
	err := dp.rdb.XGroupCreateMkStream(ctx, constants.DrainJobsStream, dp.config.ConsumerGroupName, "$").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}

	dp.logger.WithField("consumer_group", dp.config.ConsumerGroupName).Info("Consumer group ready")
	return nil
}

func (dp *DrainProducer) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(dp.config.DrainPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dp.leadership.IsLeader() {
				dp.produceOnce(ctx)
			}
		}
	}
}

func (dp *DrainProducer) produceOnce(ctx context.Context) {
	due, err := dp.aggregator.DueSessions(ctx, time.Now())
	if err != nil {
		dp.logger.WithError(err).Error("Failed to scan drain due index")
		return
	}

	for _, sessionID := range due {
		claimed, err := dp.aggregator.Claim(ctx, sessionID)
		if err != nil {
			dp.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to claim due session")
			continue
		}
		if !claimed {
			continue
		}

		if err := dp.publishJob(ctx, sessionID); err != nil {
			dp.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to publish drain job")
		}
	}
}

func (dp *DrainProducer) publishJob(ctx context.Context, sessionID string) error {
	job := models.DrainJob{
		SessionID:  sessionID,
		JobID:      uuid.New().String(),
		EnqueuedAt: time.Now(),
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal drain job: %w", err)
	}

	messageID, err := dp.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: constants.DrainJobsStream,
		Values: map[string]interface{}{
			"session_id":  job.SessionID,
			"job_id":      job.JobID,
			"enqueued_at": job.EnqueuedAt.UnixMilli(),
			"job_data":    string(payload),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add job to stream: %w", err)
	}

	dp.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"job_id":     job.JobID,
		"message_id": messageID,
	}).Debug("Published drain job")

	return nil
}
