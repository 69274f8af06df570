package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-coordinator/pkg/aggregate"
	"conversation-coordinator/pkg/assign"
	"conversation-coordinator/pkg/identity"
	"conversation-coordinator/pkg/metrics"
	"conversation-coordinator/pkg/models"
	"conversation-coordinator/pkg/session"
	"conversation-coordinator/pkg/state"
	"conversation-coordinator/pkg/worker"
)

// Assistant produces the automated reply for a combined message unit. The
// pipeline consumes only the structured signal; the text goes straight to
// the responder.
type Assistant interface {
	Reply(ctx context.Context, identity, channel, combined string, meta *models.ConversationMeta) (string, models.AssistantSignal, error)
}

// CRM mirrors assignments into the external contact system. Sync failures
// must not block the conversation.
type CRM interface {
	SyncAssignment(ctx context.Context, assignment models.Assignment) error
}

// Alerter notifies the human team out of band.
type Alerter interface {
	HandoffRequested(ctx context.Context, assignment models.Assignment) error
	OrphanLead(ctx context.Context, lead models.OrphanLead) error
	OutOfHours(ctx context.Context, identity, channel string) error
}

// Responder delivers text back to the customer on their channel.
type Responder interface {
	Send(ctx context.Context, identity, channel, text string) error
}

// InboundResult tells the transport adapter what happened to a message.
type InboundResult struct {
	Identity string                    `json:"identity"`
	Channel  string                    `json:"channel"`
	Status   models.ConversationStatus `json:"status"`
	Action   string                    `json:"action"`
}

const (
	ActionAggregating  = "aggregating"
	ActionProcessedNow = "processed"
	ActionHumanOwned   = "human_owned"
	ActionPendingHuman = "pending_handoff"
)

// Pipeline is the inbound message path: identity normalization, channel
// detection, the status gate, and aggregation. Combined units come back
// through ProcessCombined, either from the drain worker or inline when
// the store is degraded.
type Pipeline struct {
	normalizer  *identity.Normalizer
	coordinator *state.Coordinator
	assigner    *assign.Assigner
	orphans     *assign.OrphanLog
	aggregator  *aggregate.Aggregator
	hours       *BusinessHours
	assistant   Assistant
	crm         CRM
	alerter     Alerter
	responder   Responder
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Deps struct {
	Normalizer  *identity.Normalizer
	Coordinator *state.Coordinator
	Assigner    *assign.Assigner
	Orphans     *assign.OrphanLog
	Aggregator  *aggregate.Aggregator
	Hours       *BusinessHours
	Assistant   Assistant
	CRM         CRM
	Alerter     Alerter
	Responder   Responder
	Logger      *logrus.Logger
	Metrics     *metrics.Metrics
}

func New(deps Deps) *Pipeline {
	return &Pipeline{
		normalizer:  deps.Normalizer,
		coordinator: deps.Coordinator,
		assigner:    deps.Assigner,
		orphans:     deps.Orphans,
		aggregator:  deps.Aggregator,
		hours:       deps.Hours,
		assistant:   deps.Assistant,
		crm:         deps.CRM,
		alerter:     deps.Alerter,
		responder:   deps.Responder,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		now:         time.Now,
	}
}

// HandleInbound runs one customer message through the gate. The client
// timestamp is recorded whatever the status, so the timeout detector sees
// activity even while an operator owns the session.
func (p *Pipeline) HandleInbound(ctx context.Context, msg models.InboundMessage) (*InboundResult, error) {
	canonical, err := p.normalizer.Normalize(msg.RawIdentity)
	if err != nil {
		return nil, err
	}

	channel := p.assigner.DetectChannelOrigin(msg.Metadata, msg.ChannelHint)

	if err := p.coordinator.UpdateClientMessageTimestamp(ctx, canonical, channel); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"identity": canonical,
			"channel":  channel,
		}).Warn("Failed to record client message timestamp")
	}

	status, err := p.coordinator.Status(ctx, canonical, channel)
	if err != nil {
		return nil, err
	}

	result := &InboundResult{Identity: canonical, Channel: channel, Status: status}

	// Operator-owned or pending sessions bypass the assistant entirely.
	if status.HumanOwned() {
		result.Action = ActionHumanOwned
		return result, nil
	}
	if status == models.StatusPendingHandoff {
		result.Action = ActionPendingHuman
		return result, nil
	}

	res := p.aggregator.Add(ctx, session.ID(canonical, channel), msg.Text)
	if res.ProcessNow {
		if err := p.ProcessCombined(ctx, session.ID(canonical, channel), msg.Text, 1); err != nil {
			return nil, err
		}
		result.Action = ActionProcessedNow
		return result, nil
	}

	result.Action = ActionAggregating
	return result, nil
}

// ProcessCombined handles one drained unit: ask the assistant, deliver the
// reply, and act on the escalation signal. Returning an error leaves the
// drain job pending for retry, so only failures before any external
// side effect may propagate.
func (p *Pipeline) ProcessCombined(ctx context.Context, sessionID, combined string, messageCount int) error {
	canonical, channel := session.SplitID(sessionID)

	meta, err := p.coordinator.Meta(ctx, canonical, channel)
	if err != nil {
		return err
	}

	reply, signal, err := p.assistant.Reply(ctx, canonical, channel, combined, meta)
	if err != nil {
		return fmt.Errorf("assistant failed for %s: %w", sessionID, err)
	}

	if reply != "" {
		if err := p.responder.Send(ctx, canonical, channel, reply); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"identity": canonical,
				"channel":  channel,
			}).Error("Failed to deliver assistant reply")
		}
	}

	p.logger.WithFields(logrus.Fields{
		"identity":      canonical,
		"channel":       channel,
		"message_count": messageCount,
		"priority":      signal.HandoffPriority,
		"visit_intent":  signal.VisitIntent,
	}).Info("Combined unit processed")

	if signal.HandoffPriority.Escalates() {
		p.escalate(ctx, canonical, channel, signal)
	}

	return nil
}

// escalate moves the session to PENDING_HANDOFF and routes it to an
// owner. The operator confirms takeover through the panel; until then the
// assistant stays silent. Everything here is best effort: the state
// transition is the one step that must not fail quietly.
func (p *Pipeline) escalate(ctx context.Context, canonical, channel string, signal models.AssistantSignal) {
	reason := fmt.Sprintf("assistant escalation (%s priority)", signal.HandoffPriority)

	if err := p.coordinator.RequestHandoff(ctx, canonical, channel, reason); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"identity": canonical,
			"channel":  channel,
		}).Error("Failed to request handoff")
		return
	}

	ownerID, err := p.assigner.GetNextOwner(ctx, channel)
	if err != nil {
		if errors.Is(err, assign.ErrNoActiveOwners) {
			lead := models.OrphanLead{
				Identity:  canonical,
				Channel:   channel,
				Reason:    err.Error(),
				Timestamp: p.now(),
			}
			p.orphans.Record(ctx, lead)
			if p.alerter != nil {
				if aerr := p.alerter.OrphanLead(ctx, lead); aerr != nil {
					p.logger.WithError(aerr).Warn("Failed to alert orphan lead")
				}
			}
			return
		}
		p.logger.WithError(err).WithFields(logrus.Fields{
			"identity": canonical,
			"channel":  channel,
		}).Error("Owner assignment failed")
		return
	}

	assignment := models.Assignment{
		Identity:      canonical,
		Channel:       channel,
		OwnerID:       ownerID,
		HandoffReason: reason,
	}

	if p.crm != nil {
		if err := p.crm.SyncAssignment(ctx, assignment); err != nil {
			p.logger.WithError(err).WithField("owner_id", ownerID).Warn("CRM assignment sync failed")
		}
	}

	if p.alerter != nil {
		if err := p.alerter.HandoffRequested(ctx, assignment); err != nil {
			p.logger.WithError(err).WithField("owner_id", ownerID).Warn("Handoff alert failed")
		}
		if p.hours != nil && !p.hours.Open(p.now()) {
			if err := p.alerter.OutOfHours(ctx, canonical, channel); err != nil {
				p.logger.WithError(err).Warn("Out-of-hours alert failed")
			}
		}
	}
}

// DrainProcessFunc adapts ProcessCombined to the drain worker callback.
func (p *Pipeline) DrainProcessFunc() worker.ProcessFunc {
	return func(ctx context.Context, sessionID, combined string, messageCount int) error {
		return p.ProcessCombined(ctx, sessionID, combined, messageCount)
	}
}
