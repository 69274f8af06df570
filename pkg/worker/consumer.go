package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"conversation-coordinator/pkg/aggregate"
	"conversation-coordinator/pkg/config"
	"conversation-coordinator/pkg/constants"
	"conversation-coordinator/pkg/metrics"
)

// ProcessFunc handles one drained aggregation unit. A non-nil error leaves
// the job unacknowledged so pending recovery retries it on some consumer.
type ProcessFunc func(ctx context.Context, sessionID, combined string, messageCount int) error

// DrainConsumer reads drain jobs from the shared stream through a consumer
// group, drains the session buffer, and hands the combined text to the
// process callback. Ack-after-process gives at-least-once delivery; the
// drained buffer being empty on a retry is what makes the effect
// exactly-once.
type DrainConsumer struct {
	rdb          *redis.Client
	aggregator   *aggregate.Aggregator
	process      ProcessFunc
	config       *config.Config
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	consumerName string
	stopCh       chan struct{}
}

func NewDrainConsumer(rdb *redis.Client, aggregator *aggregate.Aggregator, process ProcessFunc, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) *DrainConsumer {
	return &DrainConsumer{
		rdb:          rdb,
		aggregator:   aggregator,
		process:      process,
		config:       cfg,
		logger:       logger,
		metrics:      m,
		consumerName: fmt.Sprintf("drain-%s", cfg.PodID),
		stopCh:       make(chan struct{}),
	}
}

func (dc *DrainConsumer) Start(ctx context.Context) error {
	dc.logger.WithField("consumer_name", dc.consumerName).Info("Starting drain consumer")

	go dc.consumeLoop(ctx)
	go dc.pendingRecoveryLoop(ctx)

	return nil
}

func (dc *DrainConsumer) Stop() {
	close(dc.stopCh)
}

func (dc *DrainConsumer) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-dc.stopCh:
			return
		default:
			dc.consumeOnce(ctx)
		}
	}
}

func (dc *DrainConsumer) consumeOnce(ctx context.Context) {
	streams, err := dc.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    dc.config.ConsumerGroupName,
		Consumer: dc.consumerName,
		Streams:  []string{constants.DrainJobsStream, ">"},
		Count:    10,
		Block:    1 * time.Second,
	}).Result()

	if err != nil {
		if err != redis.Nil {
			dc.logger.WithError(err).Error("Failed to read from drain stream")
		}
		return
	}

	for _, stream := range streams {
		for _, message := range stream.Messages {
			dc.processMessage(ctx, message)
		}
	}
}

func (dc *DrainConsumer) processMessage(ctx context.Context, message redis.XMessage) {
	sessionID, ok := message.Values["session_id"].(string)
	if !ok || sessionID == "" {
		dc.logger.WithField("message_id", message.ID).Error("Drain job missing session_id")
		dc.metrics.DrainJobsProcessed.WithLabelValues("parse_error").Inc()
		// Ack: a malformed job will never become parseable.
		dc.acknowledge(ctx, message.ID)
		return
	}

	combined, count, err := dc.aggregator.Drain(ctx, sessionID)
	if err != nil {
		dc.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": sessionID,
			"message_id": message.ID,
		}).Error("Failed to drain aggregation buffer")
		dc.metrics.DrainJobsProcessed.WithLabelValues("drain_error").Inc()
		return
	}

	if count == 0 {
		// Already drained by a previous attempt of this job.
		dc.metrics.DrainJobsProcessed.WithLabelValues("empty").Inc()
		dc.acknowledge(ctx, message.ID)
		return
	}

	if err := dc.process(ctx, sessionID, combined, count); err != nil {
		dc.logger.WithError(err).WithFields(logrus.Fields{
			"session_id": sessionID,
			"message_id": message.ID,
		}).Error("Failed to process drained messages")
		dc.metrics.DrainJobsProcessed.WithLabelValues("process_error").Inc()
		return
	}

	dc.acknowledge(ctx, message.ID)
	dc.metrics.DrainJobsProcessed.WithLabelValues("success").Inc()

	dc.logger.WithFields(logrus.Fields{
		"session_id":    sessionID,
		"message_count": count,
		"message_id":    message.ID,
	}).Debug("Drain job processed")
}

func (dc *DrainConsumer) acknowledge(ctx context.Context, messageID string) {
	if err := dc.rdb.XAck(ctx, constants.DrainJobsStream, dc.config.ConsumerGroupName, messageID).Err(); err != nil {
		dc.logger.WithError(err).WithField("message_id", messageID).Error("Failed to acknowledge drain job")
	}
}

func (dc *DrainConsumer) pendingRecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dc.stopCh:
			return
		case <-ticker.C:
			dc.recoverPending(ctx)
		}
	}
}

func (dc *DrainConsumer) recoverPending(ctx context.Context) {
	pending, err := dc.rdb.XPending(ctx, constants.DrainJobsStream, dc.config.ConsumerGroupName).Result()
	if err != nil {
		dc.logger.WithError(err).Error("Failed to inspect pending drain jobs")
		return
	}
	if pending.Count == 0 {
		return
	}

	dc.logger.WithField("pending_count", pending.Count).Info("Recovering pending drain jobs")

	messages, _, err := dc.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   constants.DrainJobsStream,
		Group:    dc.config.ConsumerGroupName,
		Consumer: dc.consumerName,
		MinIdle:  1 * time.Minute,
		Count:    10,
		Start:    "0-0",
	}).Result()
	if err != nil {
		dc.logger.WithError(err).Error("Failed to auto-claim pending drain jobs")
		return
	}

	for _, message := range messages {
		dc.processMessage(ctx, message)
	}
}
