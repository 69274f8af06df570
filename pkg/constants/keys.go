package constants

import "time"

// Redis key prefixes for session state. Channel-qualified keys are
// "<prefix><identity>:<channel>"; legacy keys predate channel segregation
// and are "<prefix><identity>". Reads fall back to the legacy form, writes
// never produce it.
const (
	ConversationStatePrefix = "conv_state:"
	ConversationMetaPrefix  = "conv_meta:"
)

// Message aggregation keys, one set per session.
const (
	MessageBufferPrefix     = "msg_buffer:"
	MessageLockPrefix       = "msg_lock:"
	MessageProcessingPrefix = "msg_processing:"
)

// Shared coordination keys.
const (
	HumanActiveIndexKey = "human_active_sessions"
	DrainDueIndexKey    = "msg_drain_due"
	DrainJobsStream     = "aggregation_drain_jobs"
	LeaderElectionKey   = "coordinator:leader"

	RotationCounterPrefix = "lead_assigner:index:"
	OrphanAlertsKey       = "lead_assigner:orphan_alerts"
)

// OrphanAlertsMax caps the orphan alert list; older entries are trimmed.
const OrphanAlertsMax = 100

// Appointment storage.
const (
	AppointmentPrefix   = "appointment:"
	AppointmentIndexKey = "appointment_index"
)

// TTLs and detection windows.
const (
	// DefaultSessionTTL bounds the lifetime of an inactive session record.
	DefaultSessionTTL = 7 * 24 * time.Hour

	// HumanActiveTTL is the ownership lease an operator holds after taking
	// over a conversation. Refreshable while HUMAN_ACTIVE.
	HumanActiveTTL = 72 * time.Hour

	// ClientTimeoutAfter: the operator spoke last and the customer has been
	// silent for this long.
	ClientTimeoutAfter = 24 * time.Hour

	// AdvisorTimeoutAfter: the customer spoke last and the operator has not
	// replied for this long.
	AdvisorTimeoutAfter = 72 * time.Hour

	// AppointmentTTL keeps appointment records around for audit.
	AppointmentTTL = 30 * 24 * time.Hour
)

// Aggregation window and the TTL margins layered on top of it. The lock
// must always outlive the window or it could be stolen mid-wait.
const (
	DefaultAggregationWindow = 30 * time.Second

	AggregationLockMargin       = 5 * time.Second
	AggregationProcessingMargin = 10 * time.Second
	AggregationBufferMargin     = 60 * time.Second
)

// Reminder and follow-up query windows: 24h before/after the appointment,
// widened to 23-25h so an hourly job cannot miss the boundary.
const (
	ReminderWindowMin = 23 * time.Hour
	ReminderWindowMax = 25 * time.Hour
)
