package aggregate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"conversation-coordinator/pkg/constants"
	"conversation-coordinator/pkg/metrics"
)

// Result tells the caller what to do with an inbound message.
type Result struct {
	// ProcessNow means aggregation is unavailable and the message must be
	// handled immediately by the caller.
	ProcessNow bool

	// Aggregating means the message entered a buffer; a drain worker will
	// process the combined unit when the window elapses.
	Aggregating bool

	// Winner marks the call that opened this aggregation round and
	// scheduled its drain.
	Winner bool

	// BufferCount is the buffer length after the append.
	BufferCount int64
}

// Aggregator coalesces messages arriving within a short window for the
// same session into one unit of work, processed exactly once. Mutual
// exclusion comes from a test-and-set lock in the shared store, never
// from an in-process mutex: independent handler processes race for the
// same session.
type Aggregator struct {
	rdb     *redis.Client
	window  time.Duration
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewAggregator(rdb *redis.Client, window time.Duration, logger *logrus.Logger, m *metrics.Metrics) *Aggregator {
	if window <= 0 {
		window = constants.DefaultAggregationWindow
	}
	return &Aggregator{
		rdb:     rdb,
		window:  window,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

func (a *Aggregator) Window() time.Duration {
	return a.window
}

func bufferKey(sessionID string) string     { return constants.MessageBufferPrefix + sessionID }
func lockKey(sessionID string) string       { return constants.MessageLockPrefix + sessionID }
func processingKey(sessionID string) string { return constants.MessageProcessingPrefix + sessionID }

// Add buffers one inbound message for the session.
//
//  1. If a processing marker exists, another round is already open:
//     append and let its drain pick the message up.
//  2. Otherwise race for the lock. Losing the race means someone opened a
//     round between the check and the set; behave as step 1.
//  3. Winning the race opens the round: set the marker, append, and
//     schedule the drain one window from now.
//
// If the coordination store is unreachable the message is returned for
// immediate processing: answering correctly beats the aggregation
// optimization.
func (a *Aggregator) Add(ctx context.Context, sessionID, text string) Result {
	start := time.Now()
	defer func() {
		a.metrics.StoreOperationDuration.WithLabelValues("aggregate_add").Observe(time.Since(start).Seconds())
	}()

	processing, err := a.rdb.Exists(ctx, processingKey(sessionID)).Result()
	if err != nil {
		return a.degrade(sessionID, err)
	}

	if processing == 0 {
		acquired, err := a.rdb.SetNX(ctx, lockKey(sessionID), "1", a.window+constants.AggregationLockMargin).Result()
		if err != nil {
			return a.degrade(sessionID, err)
		}

		if acquired {
			return a.openRound(ctx, sessionID, text)
		}
	}

	// Another worker owns aggregation for this session: append only.
	count, err := a.append(ctx, sessionID, text)
	if err != nil {
		return a.degrade(sessionID, err)
	}

	a.metrics.MessagesBuffered.Inc()
	a.logger.WithFields(logrus.Fields{
		"session_id":   sessionID,
		"buffer_count": count,
	}).Debug("Message appended to open aggregation round")

	return Result{Aggregating: true, BufferCount: count}
}

func (a *Aggregator) openRound(ctx context.Context, sessionID, text string) Result {
	if err := a.rdb.Set(ctx, processingKey(sessionID), "1", a.window+constants.AggregationProcessingMargin).Err(); err != nil {
		return a.degrade(sessionID, err)
	}

	count, err := a.append(ctx, sessionID, text)
	if err != nil {
		return a.degrade(sessionID, err)
	}

	// Drain deadline goes into the shared due index; a leader-elected
	// producer turns due entries into drain jobs.
	due := a.now().Add(a.window)
	if err := a.rdb.ZAdd(ctx, constants.DrainDueIndexKey, &redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: sessionID,
	}).Err(); err != nil {
		return a.degrade(sessionID, err)
	}

	a.metrics.MessagesBuffered.Inc()
	a.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"drain_at":   due,
	}).Debug("Aggregation round opened")

	return Result{Aggregating: true, Winner: true, BufferCount: count}
}

func (a *Aggregator) append(ctx context.Context, sessionID, text string) (int64, error) {
	pipe := a.rdb.Pipeline()
	push := pipe.RPush(ctx, bufferKey(sessionID), text)
	pipe.Expire(ctx, bufferKey(sessionID), a.window+constants.AggregationBufferMargin)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return push.Val(), nil
}

func (a *Aggregator) degrade(sessionID string, err error) Result {
	a.logger.WithError(err).WithField("session_id", sessionID).Warn("Coordination store unavailable, processing message immediately")
	return Result{ProcessNow: true, BufferCount: 1}
}

// DueSessions lists sessions whose aggregation window has elapsed.
func (a *Aggregator) DueSessions(ctx context.Context, now time.Time) ([]string, error) {
	sessions, err := a.rdb.ZRangeByScore(ctx, constants.DrainDueIndexKey, &redis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list due aggregation sessions: %w", err)
	}
	return sessions, nil
}

// Claim removes the session from the due index. Exactly one caller gets
// true: ZREM reports whether this call took the entry.
func (a *Aggregator) Claim(ctx context.Context, sessionID string) (bool, error) {
	removed, err := a.rdb.ZRem(ctx, constants.DrainDueIndexKey, sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim due session: %w", err)
	}
	return removed == 1, nil
}

// Drain empties the session's buffer in arrival order and tears the round
// down. Teardown is one multi-key delete: a message cannot slip in between
// the buffer going away and the lock going away.
func (a *Aggregator) Drain(ctx context.Context, sessionID string) (string, int, error) {
	start := time.Now()
	defer func() {
		a.metrics.StoreOperationDuration.WithLabelValues("aggregate_drain").Observe(time.Since(start).Seconds())
	}()

	messages, err := a.rdb.LRange(ctx, bufferKey(sessionID), 0, -1).Result()
	if err != nil {
		return "", 0, fmt.Errorf("failed to read aggregation buffer: %w", err)
	}

	combined := strings.Join(messages, " ")

	if err := a.rdb.Del(ctx, bufferKey(sessionID), lockKey(sessionID), processingKey(sessionID)).Err(); err != nil {
		return "", 0, fmt.Errorf("failed to tear down aggregation round: %w", err)
	}

	if len(messages) > 0 {
		a.metrics.AggregationBatchSize.Observe(float64(len(messages)))
	}

	a.logger.WithFields(logrus.Fields{
		"session_id":    sessionID,
		"message_count": len(messages),
	}).Info("Aggregation buffer drained")

	return combined, len(messages), nil
}

// Clear tears a session's aggregation state down without processing.
// Admin/testing helper.
func (a *Aggregator) Clear(ctx context.Context, sessionID string) error {
	pipe := a.rdb.Pipeline()
	pipe.Del(ctx, bufferKey(sessionID), lockKey(sessionID), processingKey(sessionID))
	pipe.ZRem(ctx, constants.DrainDueIndexKey, sessionID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear aggregation state: %w", err)
	}
	return nil
}
