package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"conversation-coordinator/pkg/constants"
	"conversation-coordinator/pkg/metrics"
	"conversation-coordinator/pkg/models"
	"conversation-coordinator/pkg/session"
)

// Store persists conversation status and metadata with TTL. It is the only
// component that touches the coordination store for session data. All
// writes are last-write-wins; per-session serialization comes from the
// aggregation lock upstream, not from compare-and-swap here.
type Store struct {
	rdb        *redis.Client
	keys       *session.Keyspace
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	defaultTTL time.Duration
}

func NewStore(rdb *redis.Client, defaultTTL time.Duration, logger *logrus.Logger, m *metrics.Metrics) *Store {
	if defaultTTL <= 0 {
		defaultTTL = constants.DefaultSessionTTL
	}
	return &Store{
		rdb:        rdb,
		keys:       session.NewKeyspace(),
		logger:     logger,
		metrics:    m,
		defaultTTL: defaultTTL,
	}
}

func (s *Store) DefaultTTL() time.Duration {
	return s.defaultTTL
}

// GetStatus resolves the session status. Absence of data on a successful
// read means BOT_ACTIVE and performs no write; a store failure propagates
// instead of defaulting, because guessing BOT_ACTIVE on a transport error
// risks a bot/operator collision.
func (s *Store) GetStatus(ctx context.Context, identity, channel string) (models.ConversationStatus, error) {
	start := time.Now()
	defer func() {
		s.metrics.StoreOperationDuration.WithLabelValues("get_status").Observe(time.Since(start).Seconds())
	}()

	qualified, legacy := s.keys.StateKeys(identity, channel)

	raw, err := s.rdb.Get(ctx, qualified).Result()
	if err == redis.Nil {
		raw, err = s.rdb.Get(ctx, legacy).Result()
	}
	if err == redis.Nil {
		return models.StatusBotActive, nil
	}
	if err != nil {
		return models.StatusBotActive, fmt.Errorf("failed to read conversation status: %w", err)
	}

	status, ok := models.ParseStatus(raw)
	if !ok {
		// Corrupt value, not a transport error: default and keep going.
		s.logger.WithFields(logrus.Fields{
			"identity": identity,
			"channel":  channel,
			"value":    raw,
		}).Warn("Invalid stored conversation status, defaulting to BOT_ACTIVE")
		return models.StatusBotActive, nil
	}

	return status, nil
}

// SetStatus writes the status forward to the channel-qualified key. A
// non-positive ttl means the default session TTL.
func (s *Store) SetStatus(ctx context.Context, identity, channel string, status models.ConversationStatus, ttl time.Duration) error {
	start := time.Now()
	defer func() {
		s.metrics.StoreOperationDuration.WithLabelValues("set_status").Observe(time.Since(start).Seconds())
	}()

	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	key := s.keys.StateKey(identity, channel)
	if err := s.rdb.Set(ctx, key, string(status), ttl).Err(); err != nil {
		return fmt.Errorf("failed to write conversation status: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"identity": identity,
		"channel":  channel,
		"status":   status,
	}).Info("Conversation status updated")

	return nil
}

// GetMeta resolves the session record, falling back to the legacy key.
// Returns (nil, nil) when no record exists.
func (s *Store) GetMeta(ctx context.Context, identity, channel string) (*models.ConversationMeta, error) {
	start := time.Now()
	defer func() {
		s.metrics.StoreOperationDuration.WithLabelValues("get_meta").Observe(time.Since(start).Seconds())
	}()

	qualified, legacy := s.keys.MetaKeys(identity, channel)

	raw, err := s.rdb.Get(ctx, qualified).Result()
	if err == redis.Nil {
		raw, err = s.rdb.Get(ctx, legacy).Result()
	}
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation metadata: %w", err)
	}

	var meta models.ConversationMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode conversation metadata: %w", err)
	}
	meta.Normalize(identity, channel)

	return &meta, nil
}

// SetMeta writes the record forward to the channel-qualified key with the
// same TTL discipline as SetStatus.
func (s *Store) SetMeta(ctx context.Context, identity, channel string, meta *models.ConversationMeta, ttl time.Duration) error {
	start := time.Now()
	defer func() {
		s.metrics.StoreOperationDuration.WithLabelValues("set_meta").Observe(time.Since(start).Seconds())
	}()

	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode conversation metadata: %w", err)
	}

	key := s.keys.MetaKey(identity, channel)
	if err := s.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write conversation metadata: %w", err)
	}

	return nil
}

// Delete evicts status, metadata and any legacy-key remnants in one
// multi-key delete, and drops the session from the human-active index.
func (s *Store) Delete(ctx context.Context, identity, channel string) error {
	start := time.Now()
	defer func() {
		s.metrics.StoreOperationDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	}()

	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, s.keys.AllKeys(identity, channel)...)
	pipe.ZRem(ctx, constants.HumanActiveIndexKey, session.ID(identity, channel))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"identity": identity,
		"channel":  channel,
	}).Info("Conversation deleted")

	return nil
}

// IndexHumanActive registers the session in the human-active sorted set so
// the background sweeper can find it without key scans.
func (s *Store) IndexHumanActive(ctx context.Context, identity, channel string, at time.Time) error {
	err := s.rdb.ZAdd(ctx, constants.HumanActiveIndexKey, &redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: session.ID(identity, channel),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to index human-active session: %w", err)
	}
	return nil
}

// DropHumanActive removes the session from the sweep index.
func (s *Store) DropHumanActive(ctx context.Context, identity, channel string) error {
	err := s.rdb.ZRem(ctx, constants.HumanActiveIndexKey, session.ID(identity, channel)).Err()
	if err != nil {
		return fmt.Errorf("failed to drop human-active session: %w", err)
	}
	return nil
}

// HumanActiveSessions lists every indexed session ID, oldest activation
// first.
func (s *Store) HumanActiveSessions(ctx context.Context) ([]string, error) {
	start := time.Now()
	defer func() {
		s.metrics.StoreOperationDuration.WithLabelValues("human_active_sessions").Observe(time.Since(start).Seconds())
	}()

	ids, err := s.rdb.ZRange(ctx, constants.HumanActiveIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list human-active sessions: %w", err)
	}
	return ids, nil
}
