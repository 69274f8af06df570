package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-coordinator/pkg/appointment"
	"conversation-coordinator/pkg/config"
	"conversation-coordinator/pkg/metrics"
	"conversation-coordinator/pkg/models"
	"conversation-coordinator/pkg/session"
	"conversation-coordinator/pkg/state"
)

// ReclaimFunc is notified after the sweeper returns a timed-out session
// to the assistant.
type ReclaimFunc func(ctx context.Context, identity, channel string, signal models.TimeoutSignal)

// AppointmentFunc delivers one reminder or follow-up. A non-nil error
// leaves the sent flag unset so the next sweep retries.
type AppointmentFunc func(ctx context.Context, appt models.Appointment) error

// Sweeper runs the leader-only periodic jobs: the human-active timeout
// sweep and the appointment reminder/follow-up scans. TTL expiry already
// reverts abandoned sessions on read; the sweep exists to make the
// reclaim eager and observable instead of waiting for the next inbound
// message.
type Sweeper struct {
	coordinator  *state.Coordinator
	store        *state.Store
	appointments *appointment.Store
	leader       *Leader
	config       *config.Config
	logger       *logrus.Logger
	metrics      *metrics.Metrics

	onReclaim  ReclaimFunc
	onReminder AppointmentFunc
	onFollowup AppointmentFunc

	stopCh chan struct{}
}

func NewSweeper(coordinator *state.Coordinator, store *state.Store, appointments *appointment.Store, leader *Leader, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		coordinator:  coordinator,
		store:        store,
		appointments: appointments,
		leader:       leader,
		config:       cfg,
		logger:       logger,
		metrics:      m,
		stopCh:       make(chan struct{}),
	}
}

// OnReclaim, OnReminder and OnFollowup wire the outbound side. Unset
// callbacks are skipped, not errors.
func (s *Sweeper) OnReclaim(fn ReclaimFunc) { s.onReclaim = fn }

func (s *Sweeper) OnReminder(fn AppointmentFunc) { s.onReminder = fn }

func (s *Sweeper) OnFollowup(fn AppointmentFunc) { s.onFollowup = fn }

func (s *Sweeper) Start(ctx context.Context) error {
	go s.loop(ctx, s.config.ReclaimSweepInterval(), s.reclaimSweep)
	go s.loop(ctx, s.config.AppointmentSweepInterval(), s.appointmentSweep)

	s.logger.Info("Background sweeper started")
	return nil
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration, run func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.leader.IsLeader() {
				run(ctx)
			}
		}
	}
}

// reclaimSweep walks the human-active index and applies the dual timeout
// rule to each session. Both signals return the session to the assistant;
// they differ only in what the notification says.
func (s *Sweeper) reclaimSweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		s.metrics.ReclaimSweepDuration.Observe(time.Since(start).Seconds())
	}()

	sessionIDs, err := s.store.HumanActiveSessions(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list human-active sessions")
		return
	}

	for _, sessionID := range sessionIDs {
		identity, channel := session.SplitID(sessionID)

		status, err := s.coordinator.Status(ctx, identity, channel)
		if err != nil {
			s.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to read session status")
			continue
		}

		// Lease expired or session closed since indexing: drop the stale
		// index entry and move on.
		if !status.HumanOwned() {
			if err := s.store.DropHumanActive(ctx, identity, channel); err != nil {
				s.logger.WithError(err).WithField("session_id", sessionID).Warn("Failed to prune stale index entry")
			}
			continue
		}

		signal, err := s.coordinator.CheckConversationTimeout(ctx, identity, channel)
		if err != nil {
			s.logger.WithError(err).WithField("session_id", sessionID).Error("Timeout check failed")
			continue
		}
		if signal == models.TimeoutNone {
			continue
		}

		if err := s.coordinator.ActivateBot(ctx, identity, channel); err != nil {
			s.logger.WithError(err).WithField("session_id", sessionID).Error("Failed to reclaim session")
			continue
		}

		s.logger.WithFields(logrus.Fields{
			"identity": identity,
			"channel":  channel,
			"signal":   signal,
		}).Info("Session reclaimed by timeout sweep")

		if s.onReclaim != nil {
			s.onReclaim(ctx, identity, channel, signal)
		}
	}
}

func (s *Sweeper) appointmentSweep(ctx context.Context) {
	now := time.Now()
	s.runAppointmentJobs(ctx, "reminder", s.onReminder, now,
		s.appointments.DueForReminder, s.appointments.MarkReminderSent)
	s.runAppointmentJobs(ctx, "followup", s.onFollowup, now,
		s.appointments.DueForFollowup, s.appointments.MarkFollowupSent)
}

func (s *Sweeper) runAppointmentJobs(
	ctx context.Context,
	kind string,
	deliver AppointmentFunc,
	now time.Time,
	query func(context.Context, time.Time) ([]models.Appointment, error),
	mark func(context.Context, string, string) error,
) {
	due, err := query(ctx, now)
	if err != nil {
		s.logger.WithError(err).WithField("kind", kind).Error("Failed to query due appointments")
		return
	}

	for _, appt := range due {
		if deliver != nil {
			if err := deliver(ctx, appt); err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"kind":     kind,
					"identity": appt.Identity,
				}).Error("Failed to deliver appointment notification")
				continue
			}
		}

		// Mark only after delivery so a crash retries rather than drops.
		if err := mark(ctx, appt.Identity, appt.Channel); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"kind":     kind,
				"identity": appt.Identity,
			}).Error("Failed to mark appointment notification sent")
			continue
		}

		s.metrics.AppointmentJobsRun.WithLabelValues(kind).Inc()
	}
}
