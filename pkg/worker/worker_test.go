package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conversation-coordinator/pkg/aggregate"
	"conversation-coordinator/pkg/config"
	"conversation-coordinator/pkg/constants"
	"conversation-coordinator/pkg/metrics"
)

type staticLeadership bool

func (s staticLeadership) IsLeader() bool { return bool(s) }

type testHarness struct {
	rdb        *redis.Client
	mr         *miniredis.Miniredis
	aggregator *aggregate.Aggregator
	cfg        *config.Config
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

func setupTestHarness(t *testing.T) *testHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	m := metrics.NewMetrics(prometheus.NewRegistry())

	cfg := &config.Config{
		PodID:             "test-pod",
		ConsumerGroupName: "drain-workers",
		DrainPollSec:      1,
	}

	return &testHarness{
		rdb:        rdb,
		mr:         mr,
		aggregator: aggregate.NewAggregator(rdb, 30*time.Second, logger, m),
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
	}
}

// forceDue rewinds a session's drain deadline so the producer sees it as
// elapsed.
func forceDue(t *testing.T, rdb *redis.Client, sessionID string) {
	t.Helper()
	err := rdb.ZAdd(context.Background(), constants.DrainDueIndexKey, &redis.Z{
		Score:  float64(time.Now().Add(-time.Minute).UnixMilli()),
		Member: sessionID,
	}).Err()
	require.NoError(t, err)
}

func TestDrainProducer_OneJobPerDueSession(t *testing.T) {
	h := setupTestHarness(t)
	ctx := context.Background()

	producer := NewDrainProducer(h.rdb, h.aggregator, staticLeadership(true), h.cfg, h.logger, h.metrics)
	require.NoError(t, producer.createConsumerGroup(ctx))

	h.aggregator.Add(ctx, "sess-1", "hola")
	h.aggregator.Add(ctx, "sess-1", "que tal")
	forceDue(t, h.rdb, "sess-1")

	producer.produceOnce(ctx)

	length, err := h.rdb.XLen(ctx, constants.DrainJobsStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	// The claim already consumed the due entry: a rescan publishes nothing.
	producer.produceOnce(ctx)

	length, err = h.rdb.XLen(ctx, constants.DrainJobsStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestDrainConsumer_ProcessesCombinedUnit(t *testing.T) {
	h := setupTestHarness(t)
	ctx := context.Background()

	var gotSession, gotCombined string
	var gotCount, calls int
	process := func(ctx context.Context, sessionID, combined string, messageCount int) error {
		calls++
		gotSession, gotCombined, gotCount = sessionID, combined, messageCount
		return nil
	}

	producer := NewDrainProducer(h.rdb, h.aggregator, staticLeadership(true), h.cfg, h.logger, h.metrics)
	require.NoError(t, producer.createConsumerGroup(ctx))
	consumer := NewDrainConsumer(h.rdb, h.aggregator, process, h.cfg, h.logger, h.metrics)

	h.aggregator.Add(ctx, "sess-1", "hola")
	h.aggregator.Add(ctx, "sess-1", "busco apartamento")
	forceDue(t, h.rdb, "sess-1")
	producer.produceOnce(ctx)

	consumer.consumeOnce(ctx)

	assert.Equal(t, 1, calls)
	assert.Equal(t, "sess-1", gotSession)
	assert.Equal(t, "hola busco apartamento", gotCombined)
	assert.Equal(t, 2, gotCount)

	// The buffer is gone after the drain.
	assert.False(t, h.mr.Exists("msg_buffer:sess-1"))
}

func TestDrainConsumer_EmptyBufferAcksWithoutProcessing(t *testing.T) {
	h := setupTestHarness(t)
	ctx := context.Background()

	calls := 0
	process := func(ctx context.Context, sessionID, combined string, messageCount int) error {
		calls++
		return nil
	}

	producer := NewDrainProducer(h.rdb, h.aggregator, staticLeadership(true), h.cfg, h.logger, h.metrics)
	require.NoError(t, producer.createConsumerGroup(ctx))
	consumer := NewDrainConsumer(h.rdb, h.aggregator, process, h.cfg, h.logger, h.metrics)

	// A job for a session with no buffered messages, as after a duplicate
	// delivery.
	require.NoError(t, producer.publishJob(ctx, "sess-ghost"))

	consumer.consumeOnce(ctx)

	assert.Zero(t, calls)

	pending, err := h.rdb.XPending(ctx, constants.DrainJobsStream, h.cfg.ConsumerGroupName).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestDrainConsumer_FailedProcessingStaysPending(t *testing.T) {
	h := setupTestHarness(t)
	ctx := context.Background()

	process := func(ctx context.Context, sessionID, combined string, messageCount int) error {
		return errors.New("assistant unavailable")
	}

	producer := NewDrainProducer(h.rdb, h.aggregator, staticLeadership(true), h.cfg, h.logger, h.metrics)
	require.NoError(t, producer.createConsumerGroup(ctx))
	consumer := NewDrainConsumer(h.rdb, h.aggregator, process, h.cfg, h.logger, h.metrics)

	h.aggregator.Add(ctx, "sess-1", "hola")
	forceDue(t, h.rdb, "sess-1")
	producer.produceOnce(ctx)

	consumer.consumeOnce(ctx)

	pending, err := h.rdb.XPending(ctx, constants.DrainJobsStream, h.cfg.ConsumerGroupName).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}
