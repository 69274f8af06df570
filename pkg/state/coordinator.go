package state

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-coordinator/pkg/constants"
	"conversation-coordinator/pkg/metrics"
	"conversation-coordinator/pkg/models"
)

// Coordinator is the BOT/HUMAN arbitration state machine and the dual
// wall-clock timeout detector. It is the only writer of session records;
// callers serialize per-session invocation through the aggregation lock.
type Coordinator struct {
	store          *Store
	logger         *logrus.Logger
	metrics        *metrics.Metrics
	humanTTL       time.Duration
	clientTimeout  time.Duration
	advisorTimeout time.Duration
	now            func() time.Time
}

func NewCoordinator(store *Store, logger *logrus.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		store:          store,
		logger:         logger,
		metrics:        m,
		humanTTL:       constants.HumanActiveTTL,
		clientTimeout:  constants.ClientTimeoutAfter,
		advisorTimeout: constants.AdvisorTimeoutAfter,
		now:            time.Now,
	}
}

// SetTimeoutWindows overrides the detection windows; the daemon applies
// configured values here.
func (c *Coordinator) SetTimeoutWindows(humanTTL, clientTimeout, advisorTimeout time.Duration) {
	if humanTTL > 0 {
		c.humanTTL = humanTTL
	}
	if clientTimeout > 0 {
		c.clientTimeout = clientTimeout
	}
	if advisorTimeout > 0 {
		c.advisorTimeout = advisorTimeout
	}
}

// Status exposes the effective session status.
func (c *Coordinator) Status(ctx context.Context, identity, channel string) (models.ConversationStatus, error) {
	return c.store.GetStatus(ctx, identity, channel)
}

// Meta exposes the session record, nil when absent.
func (c *Coordinator) Meta(ctx context.Context, identity, channel string) (*models.ConversationMeta, error) {
	return c.store.GetMeta(ctx, identity, channel)
}

// RequestHandoff moves the session to PENDING_HANDOFF and records why.
func (c *Coordinator) RequestHandoff(ctx context.Context, identity, channel, reason string) error {
	if err := c.store.SetStatus(ctx, identity, channel, models.StatusPendingHandoff, 0); err != nil {
		return err
	}

	meta, err := c.loadOrCreateMeta(ctx, identity, channel)
	if err != nil {
		return err
	}
	meta.Status = models.StatusPendingHandoff
	meta.HandoffReason = reason
	meta.LastActivity = c.now()

	if err := c.store.SetMeta(ctx, identity, channel, meta, 0); err != nil {
		return err
	}

	c.metrics.HandoffTransitions.WithLabelValues(string(models.StatusPendingHandoff)).Inc()
	c.logger.WithFields(logrus.Fields{
		"identity": identity,
		"channel":  channel,
		"reason":   reason,
	}).Info("Handoff requested")

	return nil
}

// ActivateHuman hands ownership to an operator for a 72h refreshable
// lease and indexes the session for the timeout sweep.
func (c *Coordinator) ActivateHuman(ctx context.Context, identity, channel, ownerID, reason string) error {
	now := c.now()

	if err := c.store.SetStatus(ctx, identity, channel, models.StatusHumanActive, c.humanTTL); err != nil {
		return err
	}

	meta, err := c.loadOrCreateMeta(ctx, identity, channel)
	if err != nil {
		return err
	}
	meta.Status = models.StatusHumanActive
	meta.AssignedOwnerID = ownerID
	if reason != "" {
		meta.HandoffReason = reason
	}
	meta.LastActivity = now

	if err := c.store.SetMeta(ctx, identity, channel, meta, c.humanTTL); err != nil {
		return err
	}

	if err := c.store.IndexHumanActive(ctx, identity, channel, now); err != nil {
		return err
	}

	c.metrics.HandoffTransitions.WithLabelValues(string(models.StatusHumanActive)).Inc()
	c.metrics.HumanActiveSessions.Inc()
	c.logger.WithFields(logrus.Fields{
		"identity": identity,
		"channel":  channel,
		"owner_id": ownerID,
	}).Info("Human activated")

	return nil
}

// ActivateBot returns control to the assistant, clears the handoff reason
// and resets the session to the default TTL.
func (c *Coordinator) ActivateBot(ctx context.Context, identity, channel string) error {
	if err := c.store.SetStatus(ctx, identity, channel, models.StatusBotActive, 0); err != nil {
		return err
	}

	meta, err := c.loadOrCreateMeta(ctx, identity, channel)
	if err != nil {
		return err
	}
	wasHuman := meta.Status.HumanOwned()
	meta.Status = models.StatusBotActive
	meta.HandoffReason = ""
	meta.LastActivity = c.now()

	if err := c.store.SetMeta(ctx, identity, channel, meta, 0); err != nil {
		return err
	}

	if err := c.store.DropHumanActive(ctx, identity, channel); err != nil {
		return err
	}

	c.metrics.HandoffTransitions.WithLabelValues(string(models.StatusBotActive)).Inc()
	if wasHuman {
		c.metrics.HumanActiveSessions.Dec()
	}
	c.logger.WithFields(logrus.Fields{
		"identity": identity,
		"channel":  channel,
	}).Info("Bot reactivated")

	return nil
}

// RefreshHumanTTL extends the operator lease to a fresh window and bumps
// last_activity. Valid only while the status is exactly HUMAN_ACTIVE;
// returns false and changes nothing otherwise.
func (c *Coordinator) RefreshHumanTTL(ctx context.Context, identity, channel string) (bool, error) {
	status, err := c.store.GetStatus(ctx, identity, channel)
	if err != nil {
		return false, err
	}
	if status != models.StatusHumanActive {
		return false, nil
	}

	if err := c.store.SetStatus(ctx, identity, channel, models.StatusHumanActive, c.humanTTL); err != nil {
		return false, err
	}

	meta, err := c.loadOrCreateMeta(ctx, identity, channel)
	if err != nil {
		return false, err
	}
	meta.Status = models.StatusHumanActive
	meta.LastActivity = c.now()

	if err := c.store.SetMeta(ctx, identity, channel, meta, c.humanTTL); err != nil {
		return false, err
	}

	return true, nil
}

// UpdateClientMessageTimestamp records an inbound customer message,
// independent of status, to feed the timeout detector.
func (c *Coordinator) UpdateClientMessageTimestamp(ctx context.Context, identity, channel string) error {
	meta, err := c.loadOrCreateMeta(ctx, identity, channel)
	if err != nil {
		return err
	}

	now := c.now()
	meta.LastClientMessageAt = &now
	meta.LastActivity = now
	meta.MessageCount++

	return c.store.SetMeta(ctx, identity, channel, meta, c.metaTTL(meta))
}

// UpdateOperatorMessageTimestamp records an outbound operator message,
// independent of status.
func (c *Coordinator) UpdateOperatorMessageTimestamp(ctx context.Context, identity, channel string) error {
	meta, err := c.loadOrCreateMeta(ctx, identity, channel)
	if err != nil {
		return err
	}

	now := c.now()
	meta.LastOperatorMessageAt = &now
	meta.LastActivity = now

	return c.store.SetMeta(ctx, identity, channel, meta, c.metaTTL(meta))
}

// CheckConversationTimeout evaluates the dual timeout rule on a
// human-owned session. The client window is checked first: both windows
// can have elapsed at once and client_timeout must win.
func (c *Coordinator) CheckConversationTimeout(ctx context.Context, identity, channel string) (models.TimeoutSignal, error) {
	status, err := c.store.GetStatus(ctx, identity, channel)
	if err != nil {
		return models.TimeoutNone, err
	}
	if !status.HumanOwned() {
		return models.TimeoutNone, nil
	}

	meta, err := c.store.GetMeta(ctx, identity, channel)
	if err != nil {
		return models.TimeoutNone, err
	}
	if meta == nil {
		return models.TimeoutNone, nil
	}

	now := c.now()
	clientTS := meta.LastClientMessageAt
	operatorTS := meta.LastOperatorMessageAt

	// Operator spoke last and the customer has gone silent.
	if operatorTS != nil && (clientTS == nil || operatorTS.After(*clientTS)) {
		if now.Sub(*operatorTS) >= c.clientTimeout {
			c.metrics.ConversationTimeouts.WithLabelValues(string(models.ClientTimeout)).Inc()
			return models.ClientTimeout, nil
		}
		return models.TimeoutNone, nil
	}

	// Customer spoke last (or the operator never engaged) and the operator
	// has not replied. The window is measured from the last client message
	// in both cases.
	if clientTS != nil {
		if now.Sub(*clientTS) >= c.advisorTimeout {
			c.metrics.ConversationTimeouts.WithLabelValues(string(models.AdvisorTimeout)).Inc()
			return models.AdvisorTimeout, nil
		}
	}

	return models.TimeoutNone, nil
}

// CloseConversation is terminal from any state: the full session record is
// deleted, legacy remnants included.
func (c *Coordinator) CloseConversation(ctx context.Context, identity, channel string) error {
	status, err := c.store.GetStatus(ctx, identity, channel)
	if err != nil {
		return err
	}

	if err := c.store.Delete(ctx, identity, channel); err != nil {
		return err
	}

	c.metrics.HandoffTransitions.WithLabelValues(string(models.StatusClosed)).Inc()
	if status.HumanOwned() {
		c.metrics.HumanActiveSessions.Dec()
	}

	return nil
}

func (c *Coordinator) loadOrCreateMeta(ctx context.Context, identity, channel string) (*models.ConversationMeta, error) {
	meta, err := c.store.GetMeta(ctx, identity, channel)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		now := c.now()
		meta = &models.ConversationMeta{
			Identity:     identity,
			Channel:      channel,
			Status:       models.StatusBotActive,
			CreatedAt:    now,
			LastActivity: now,
		}
	}
	return meta, nil
}

// metaTTL keeps timestamp writes from shortening an operator lease.
func (c *Coordinator) metaTTL(meta *models.ConversationMeta) time.Duration {
	if meta.Status.HumanOwned() {
		return c.humanTTL
	}
	return 0
}
