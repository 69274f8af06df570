package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	HandoffTransitions     *prometheus.CounterVec
	ConversationTimeouts   *prometheus.CounterVec
	HumanActiveSessions    prometheus.Gauge
	LeadAssignments        *prometheus.CounterVec
	OrphanLeads            prometheus.Counter
	MessagesBuffered       prometheus.Counter
	AggregationBatchSize   prometheus.Histogram
	DrainJobsProcessed     *prometheus.CounterVec
	AppointmentJobsRun     *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	LeaderChanges          prometheus.Counter
	LeaderElectionDuration prometheus.Histogram
	ReclaimSweepDuration   prometheus.Histogram
}

// NewMetrics registers the metric set with reg. The daemon passes the
// default registerer; tests pass a fresh registry so repeated construction
// does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HandoffTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "handoff_transitions_total",
			Help: "Total number of conversation state transitions",
		}, []string{"to"}),
		ConversationTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conversation_timeouts_total",
			Help: "Total number of conversation timeout signals detected",
		}, []string{"signal"}),
		HumanActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "human_active_sessions",
			Help: "Current number of operator-owned sessions",
		}),
		LeadAssignments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lead_assignments_total",
			Help: "Total number of round-robin lead assignments",
		}, []string{"team"}),
		OrphanLeads: factory.NewCounter(prometheus.CounterOpts{
			Name: "orphan_leads_total",
			Help: "Total number of leads that could not be assigned to any active owner",
		}),
		MessagesBuffered: factory.NewCounter(prometheus.CounterOpts{
			Name: "messages_buffered_total",
			Help: "Total number of inbound messages appended to aggregation buffers",
		}),
		AggregationBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aggregation_batch_size",
			Help:    "Number of messages combined per aggregation drain",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		DrainJobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drain_jobs_processed_total",
			Help: "Total number of aggregation drain jobs processed",
		}, []string{"status"}),
		AppointmentJobsRun: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appointment_jobs_run_total",
			Help: "Total number of appointment reminder/followup jobs processed",
		}, []string{"kind"}),
		StoreOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Time taken for coordination store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		LeaderChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "leader_changes_total",
			Help: "Total number of scheduler leader changes",
		}),
		LeaderElectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "leader_election_duration_seconds",
			Help:    "Time taken for leader election operations",
			Buckets: prometheus.DefBuckets,
		}),
		ReclaimSweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reclaim_sweep_duration_seconds",
			Help:    "Time taken to sweep human-active sessions for timeouts",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
