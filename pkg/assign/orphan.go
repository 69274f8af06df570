package assign

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"conversation-coordinator/pkg/constants"
	"conversation-coordinator/pkg/metrics"
	"conversation-coordinator/pkg/models"
)

// OrphanLog keeps the most recent unassignable leads in a capped list for
// manual review. Recording is fire-and-forget: a store failure is logged,
// never surfaced to the caller.
type OrphanLog struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewOrphanLog(rdb *redis.Client, logger *logrus.Logger, m *metrics.Metrics) *OrphanLog {
	return &OrphanLog{rdb: rdb, logger: logger, metrics: m}
}

func (l *OrphanLog) Record(ctx context.Context, lead models.OrphanLead) {
	l.metrics.OrphanLeads.Inc()
	l.logger.WithFields(logrus.Fields{
		"identity": lead.Identity,
		"channel":  lead.Channel,
		"reason":   lead.Reason,
	}).Warn("Orphan lead, manual assignment required")

	payload, err := json.Marshal(lead)
	if err != nil {
		l.logger.WithError(err).Error("Failed to encode orphan lead alert")
		return
	}

	pipe := l.rdb.Pipeline()
	pipe.LPush(ctx, constants.OrphanAlertsKey, payload)
	pipe.LTrim(ctx, constants.OrphanAlertsKey, 0, constants.OrphanAlertsMax-1)

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.WithError(err).Error("Failed to persist orphan lead alert")
	}
}

// Pending returns the newest alerts, most recent first.
func (l *OrphanLog) Pending(ctx context.Context, limit int) ([]models.OrphanLead, error) {
	if limit <= 0 || limit > constants.OrphanAlertsMax {
		limit = constants.OrphanAlertsMax
	}

	raw, err := l.rdb.LRange(ctx, constants.OrphanAlertsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read orphan lead alerts: %w", err)
	}

	leads := make([]models.OrphanLead, 0, len(raw))
	for _, item := range raw {
		var lead models.OrphanLead
		if err := json.Unmarshal([]byte(item), &lead); err != nil {
			l.logger.WithError(err).Warn("Skipping undecodable orphan alert")
			continue
		}
		leads = append(leads, lead)
	}
	return leads, nil
}
