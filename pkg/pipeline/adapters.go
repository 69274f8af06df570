package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"conversation-coordinator/pkg/models"
)

// Log-only integration stubs. Deployments replace these with the real
// assistant, messaging and CRM clients at wiring time; the stubs keep the
// coordination core runnable without any of them.

type LogAssistant struct {
	Logger *logrus.Logger
}

func (a *LogAssistant) Reply(ctx context.Context, identity, channel, combined string, meta *models.ConversationMeta) (string, models.AssistantSignal, error) {
	a.Logger.WithFields(logrus.Fields{
		"identity": identity,
		"channel":  channel,
		"combined": combined,
	}).Info("Assistant stub invoked")
	return "", models.AssistantSignal{}, nil
}

type LogResponder struct {
	Logger *logrus.Logger
}

func (r *LogResponder) Send(ctx context.Context, identity, channel, text string) error {
	r.Logger.WithFields(logrus.Fields{
		"identity": identity,
		"channel":  channel,
		"text":     text,
	}).Info("Outbound message")
	return nil
}

type LogAlerter struct {
	Logger *logrus.Logger
}

func (a *LogAlerter) HandoffRequested(ctx context.Context, assignment models.Assignment) error {
	a.Logger.WithFields(logrus.Fields{
		"identity": assignment.Identity,
		"owner_id": assignment.OwnerID,
	}).Info("Handoff alert")
	return nil
}

func (a *LogAlerter) OrphanLead(ctx context.Context, lead models.OrphanLead) error {
	a.Logger.WithFields(logrus.Fields{
		"identity": lead.Identity,
		"channel":  lead.Channel,
	}).Warn("Orphan lead alert")
	return nil
}

func (a *LogAlerter) OutOfHours(ctx context.Context, identity, channel string) error {
	a.Logger.WithFields(logrus.Fields{
		"identity": identity,
		"channel":  channel,
	}).Info("Out-of-hours handoff alert")
	return nil
}

type LogCRM struct {
	Logger *logrus.Logger
}

func (c *LogCRM) SyncAssignment(ctx context.Context, assignment models.Assignment) error {
	c.Logger.WithFields(logrus.Fields{
		"identity": assignment.Identity,
		"owner_id": assignment.OwnerID,
	}).Info("CRM assignment sync")
	return nil
}
