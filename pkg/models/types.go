package models

import "time"

// ConversationStatus says who is allowed to answer a session right now.
type ConversationStatus string

const (
	// StatusBotActive - the assistant handles the conversation. Implicit
	// default for sessions with no stored record.
	StatusBotActive ConversationStatus = "BOT_ACTIVE"

	// StatusPendingHandoff - the assistant requested a transfer and is
	// waiting for an operator to take over.
	StatusPendingHandoff ConversationStatus = "PENDING_HANDOFF"

	// StatusHumanActive - an operator owns the conversation.
	StatusHumanActive ConversationStatus = "HUMAN_ACTIVE"

	// StatusInConversation - operator-visible sub-state of HUMAN_ACTIVE with
	// the same reclaim semantics.
	StatusInConversation ConversationStatus = "IN_CONVERSATION"

	// StatusClosed - terminal.
	StatusClosed ConversationStatus = "CLOSED"
)

// ParseStatus maps a stored string back to a status. Unknown values are
// reported so callers can decide whether to default.
func ParseStatus(s string) (ConversationStatus, bool) {
	switch ConversationStatus(s) {
	case StatusBotActive, StatusPendingHandoff, StatusHumanActive, StatusInConversation, StatusClosed:
		return ConversationStatus(s), true
	}
	return StatusBotActive, false
}

// HumanOwned reports whether an operator currently owns the session.
func (s ConversationStatus) HumanOwned() bool {
	return s == StatusHumanActive || s == StatusInConversation
}

// ConversationMeta is the session record persisted next to the status key.
// Optional fields are pointers or omitempty so older record shapes decode
// cleanly; Normalize fills the gaps on read.
type ConversationMeta struct {
	Identity              string             `json:"identity"`
	Channel               string             `json:"channel,omitempty"`
	ContactID             string             `json:"contact_id,omitempty"`
	Status                ConversationStatus `json:"status"`
	DisplayName           string             `json:"display_name,omitempty"`
	HandoffReason         string             `json:"handoff_reason,omitempty"`
	AssignedOwnerID       string             `json:"assigned_owner_id,omitempty"`
	MessageCount          int                `json:"message_count"`
	CreatedAt             time.Time          `json:"created_at"`
	LastActivity          time.Time          `json:"last_activity"`
	LastClientMessageAt   *time.Time         `json:"last_client_message_at,omitempty"`
	LastOperatorMessageAt *time.Time         `json:"last_operator_message_at,omitempty"`
}

// Normalize migrates older record shapes on read: records written before
// channel segregation carry no channel, and very early ones no status.
func (m *ConversationMeta) Normalize(identity, channel string) {
	if m.Identity == "" {
		m.Identity = identity
	}
	if m.Channel == "" {
		m.Channel = channel
	}
	if _, ok := ParseStatus(string(m.Status)); !ok || m.Status == "" {
		m.Status = StatusBotActive
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.LastActivity
	}
}

// TimeoutSignal is the outcome of the dual wall-clock timeout check on a
// human-owned session.
type TimeoutSignal string

const (
	// TimeoutNone - neither window has elapsed.
	TimeoutNone TimeoutSignal = ""

	// ClientTimeout - the operator spoke last and the customer has been
	// silent past the client window. Takes precedence when both windows
	// have elapsed.
	ClientTimeout TimeoutSignal = "client_timeout"

	// AdvisorTimeout - the customer spoke last and the operator has not
	// replied past the advisor window; the bot reclaims the session.
	AdvisorTimeout TimeoutSignal = "advisor_timeout"
)

// AppointmentStatus tracks the lifecycle of a scheduled visit.
type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentNoShow    AppointmentStatus = "no_show"
)

// Appointment is a scheduled visit, mirrored into a time-ordered index
// keyed by ScheduledAt for range queries.
type Appointment struct {
	Identity     string            `json:"identity"`
	Channel      string            `json:"channel"`
	ScheduledAt  time.Time         `json:"scheduled_at"`
	Status       AppointmentStatus `json:"status"`
	ReminderSent bool              `json:"reminder_sent"`
	FollowupSent bool              `json:"followup_sent"`
	CreatedAt    time.Time         `json:"created_at"`
	ContactName  string            `json:"contact_name,omitempty"`
	ContactID    string            `json:"contact_id,omitempty"`
	Notes        string            `json:"notes,omitempty"`
}

// Active reports whether the appointment still counts as upcoming.
func (a Appointment) Active() bool {
	return a.Status == AppointmentPending || a.Status == AppointmentConfirmed
}

// HandoffPriority is the assistant's escalation hint.
type HandoffPriority string

const (
	PriorityNone      HandoffPriority = "none"
	PriorityLow       HandoffPriority = "low"
	PriorityMedium    HandoffPriority = "medium"
	PriorityHigh      HandoffPriority = "high"
	PriorityImmediate HandoffPriority = "immediate"
)

// Escalates reports whether the priority warrants a handoff request.
func (p HandoffPriority) Escalates() bool {
	return p == PriorityHigh || p == PriorityImmediate
}

// AssistantSignal is the structured part of an assistant reply. The
// coordinator consumes only this, never the generated text.
type AssistantSignal struct {
	HandoffPriority HandoffPriority `json:"handoff_priority"`
	VisitIntent     bool            `json:"visit_intent"`
	SentimentScore  int             `json:"sentiment_score"`
}

// InboundMessage is the parsed payload delivered by the transport adapter.
type InboundMessage struct {
	RawIdentity string            `json:"raw_identity"`
	ChannelHint string            `json:"channel_hint,omitempty"`
	Text        string            `json:"text"`
	DisplayName string            `json:"display_name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// Assignment is what the CRM client consumes after a lead is routed to an
// owner. This core never writes CRM fields itself.
type Assignment struct {
	Identity      string `json:"identity"`
	Channel       string `json:"channel"`
	OwnerID       string `json:"owner_id"`
	HandoffReason string `json:"handoff_reason,omitempty"`
}

// OrphanLead records an inbound contact that could not be assigned to any
// active owner and needs manual routing.
type OrphanLead struct {
	Identity  string    `json:"identity"`
	Channel   string    `json:"channel"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// DrainJob is published to the drain stream when a session's aggregation
// window elapses; a consumer-group worker drains the buffer exactly once.
type DrainJob struct {
	SessionID  string    `json:"session_id"`
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
