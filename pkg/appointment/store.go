package appointment

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

// Store persists scheduled visits. Each appointment lives under a
// per-session record key and is mirrored into a single sorted index
// scored by the scheduled time, so the reminder and follow-up sweeps are
// range queries instead of keyspace scans.
//
// One active appointment per session: booking again overwrites.
type Store struct {
	rdb     *redis.Client
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewStore(rdb *redis.Client, logger *logrus.Logger, m *metrics.Metrics) *Store {
	return &Store{rdb: rdb, logger: logger, metrics: m}
}

func recordKey(sessionID string) string {
	return constants.AppointmentPrefix + sessionID
}

// Book stores the appointment and indexes it by scheduled time.
func (s *Store) Book(ctx context.Context, appt models.Appointment) error {
	start := time.Now()
	defer func() {
		s.metrics.StoreOperationDuration.WithLabelValues("appointment_book").Observe(time.Since(start).Seconds())
	}()

	if appt.Status == "" {
		appt.Status = models.AppointmentPending
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = time.Now()
	}

	sessionID := session.ID(appt.Identity, appt.Channel)
	payload, err := json.Marshal(appt)
	if err != nil {
		return fmt.Errorf("failed to encode appointment: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, recordKey(sessionID), payload, constants.AppointmentTTL)
	pipe.ZAdd(ctx, constants.AppointmentIndexKey, &redis.Z{
		Score:  float64(appt.ScheduledAt.UnixMilli()),
		Member: sessionID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store appointment: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"identity":     appt.Identity,
		"channel":      appt.Channel,
		"scheduled_at": appt.ScheduledAt,
	}).Info("Appointment booked")

	return nil
}

// Get returns the session's appointment, nil when none exists.
func (s *Store) Get(ctx context.Context, identity, channel string) (*models.Appointment, error) {
	raw, err := s.rdb.Get(ctx, recordKey(session.ID(identity, channel))).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read appointment: %w", err)
	}

	var appt models.Appointment
	if err := json.Unmarshal([]byte(raw), &appt); err != nil {
		return nil, fmt.Errorf("failed to decode appointment: %w", err)
	}
	return &appt, nil
}

// Reschedule moves the appointment and rescores its index entry. The
// reminder flag resets so the new slot gets its own reminder.
func (s *Store) Reschedule(ctx context.Context, identity, channel string, newTime time.Time) error {
	return s.update(ctx, identity, channel, func(appt *models.Appointment) error {
		if !appt.Active() {
			return fmt.Errorf("appointment is %s, cannot reschedule", appt.Status)
		}
		appt.ScheduledAt = newTime
		appt.ReminderSent = false
		return nil
	}, true)
}

// Confirm marks a pending appointment confirmed.
func (s *Store) Confirm(ctx context.Context, identity, channel string) error {
	return s.update(ctx, identity, channel, func(appt *models.Appointment) error {
		if !appt.Active() {
			return fmt.Errorf("appointment is %s, cannot confirm", appt.Status)
		}
		appt.Status = models.AppointmentConfirmed
		return nil
	}, false)
}

// Complete marks the visit as having happened; the follow-up sweep picks
// it up a day later.
func (s *Store) Complete(ctx context.Context, identity, channel string) error {
	return s.update(ctx, identity, channel, func(appt *models.Appointment) error {
		appt.Status = models.AppointmentCompleted
		return nil
	}, false)
}

// NoShow marks a missed visit.
func (s *Store) NoShow(ctx context.Context, identity, channel string) error {
	return s.update(ctx, identity, channel, func(appt *models.Appointment) error {
		appt.Status = models.AppointmentNoShow
		return nil
	}, false)
}

// Cancel drops the index entry so no reminder fires, but keeps the record
// until its TTL for audit.
func (s *Store) Cancel(ctx context.Context, identity, channel string) error {
	sessionID := session.ID(identity, channel)

	err := s.update(ctx, identity, channel, func(appt *models.Appointment) error {
		appt.Status = models.AppointmentCancelled
		return nil
	}, false)
	if err != nil {
		return err
	}

	if err := s.rdb.ZRem(ctx, constants.AppointmentIndexKey, sessionID).Err(); err != nil {
		return fmt.Errorf("failed to deindex cancelled appointment: %w", err)
	}

	s.logger.WithField("session_id", sessionID).Info("Appointment cancelled")
	return nil
}

func (s *Store) MarkReminderSent(ctx context.Context, identity, channel string) error {
	return s.update(ctx, identity, channel, func(appt *models.Appointment) error {
		appt.ReminderSent = true
		return nil
	}, false)
}

func (s *Store) MarkFollowupSent(ctx context.Context, identity, channel string) error {
	return s.update(ctx, identity, channel, func(appt *models.Appointment) error {
		appt.FollowupSent = true
		return nil
	}, false)
}

// update rewrites the record in place, preserving the remaining TTL, and
// optionally rescores the index entry.
func (s *Store) update(ctx context.Context, identity, channel string, mutate func(*models.Appointment) error, rescore bool) error {
	appt, err := s.Get(ctx, identity, channel)
	if err != nil {
		return err
	}
	if appt == nil {
		return fmt.Errorf("no appointment for %s on %s", identity, channel)
	}

	if err := mutate(appt); err != nil {
		return err
	}

	payload, err := json.Marshal(appt)
	if err != nil {
		return fmt.Errorf("failed to encode appointment: %w", err)
	}

	sessionID := session.ID(identity, channel)
	if err := s.rdb.Set(ctx, recordKey(sessionID), payload, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to update appointment: %w", err)
	}

	if rescore {
		if err := s.rdb.ZAdd(ctx, constants.AppointmentIndexKey, &redis.Z{
			Score:  float64(appt.ScheduledAt.UnixMilli()),
			Member: sessionID,
		}).Err(); err != nil {
			return fmt.Errorf("failed to rescore appointment index: %w", err)
		}
	}

	return nil
}

// DueForReminder returns active appointments scheduled roughly a day from
// now whose reminder has not gone out. The window is wider than the sweep
// cadence so boundary appointments cannot be skipped.
func (s *Store) DueForReminder(ctx context.Context, now time.Time) ([]models.Appointment, error) {
	return s.inWindow(ctx,
		now.Add(constants.ReminderWindowMin),
		now.Add(constants.ReminderWindowMax),
		func(appt models.Appointment) bool {
			return appt.Active() && !appt.ReminderSent
		})
}

// DueForFollowup returns completed visits roughly a day old whose
// follow-up has not gone out.
func (s *Store) DueForFollowup(ctx context.Context, now time.Time) ([]models.Appointment, error) {
	return s.inWindow(ctx,
		now.Add(-constants.ReminderWindowMax),
		now.Add(-constants.ReminderWindowMin),
		func(appt models.Appointment) bool {
			return appt.Status == models.AppointmentCompleted && !appt.FollowupSent
		})
}

// Upcoming lists future appointments in scheduled order. A non-empty
// identity restricts to that contact's sessions.
func (s *Store) Upcoming(ctx context.Context, now time.Time, identity string, limit int) ([]models.Appointment, error) {
	appts, err := s.inWindow(ctx, now, now.Add(365*24*time.Hour), func(appt models.Appointment) bool {
		if !appt.Active() {
			return false
		}
		return identity == "" || appt.Identity == identity
	})
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(appts) > limit {
		appts = appts[:limit]
	}
	return appts, nil
}

func (s *Store) inWindow(ctx context.Context, from, to time.Time, keep func(models.Appointment) bool) ([]models.Appointment, error) {
	sessionIDs, err := s.rdb.ZRangeByScore(ctx, constants.AppointmentIndexKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", from.UnixMilli()),
		Max: fmt.Sprintf("%d", to.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query appointment index: %w", err)
	}

	appts := make([]models.Appointment, 0, len(sessionIDs))
	for _, sessionID := range sessionIDs {
		identity, channel := session.SplitID(sessionID)
		appt, err := s.Get(ctx, identity, channel)
		if err != nil {
			return nil, err
		}
		if appt == nil {
			// Record expired under the index entry: drop the stale pointer.
			s.rdb.ZRem(ctx, constants.AppointmentIndexKey, sessionID)
			continue
		}
		if keep(*appt) {
			appts = append(appts, *appt)
		}
	}
	return appts, nil
}
