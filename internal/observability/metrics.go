package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the mesh services and the node
// agent. It uses a custom registry to avoid polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	// Node registry
	RegistryNodes            *prometheus.GaugeVec
	RegistryAnnouncements    *prometheus.CounterVec
	RegistryHeartbeats       *prometheus.CounterVec
	RegistrySweepTransitions *prometheus.CounterVec

	// Reservation engine
	ReservationRequests *prometheus.CounterVec
	ReservationReleases *prometheus.CounterVec
	ReservationsActive  prometheus.Gauge
	ReservedMB          *prometheus.GaugeVec
	LedgerViolations    prometheus.Counter
	OOMRisk             *prometheus.GaugeVec

	// Work marshaling
	WorkTransitions  *prometheus.CounterVec
	WorkItems        *prometheus.GaugeVec
	WorkQueueDepth   prometheus.Gauge
	DispatchDuration prometheus.Histogram
	BlacklistTrips   *prometheus.CounterVec
	BlacklistedNodes prometheus.Gauge

	// Planner
	PlansTotal   *prometheus.CounterVec
	PlanDuration prometheus.Histogram

	// Transport
	BusMessages        *prometheus.CounterVec
	BusPayloadBytes    *prometheus.HistogramVec
	BusRequestDuration *prometheus.HistogramVec
	CompressionRatio   prometheus.Gauge

	// History
	HistoryWrites  *prometheus.CounterVec
	HistoryDropped prometheus.Counter

	// Kubernetes discovery
	InformerEventsTotal *prometheus.CounterVec
	MetricsAPIDuration  prometheus.Histogram

	// Node agent
	AgentExecutions        *prometheus.CounterVec
	AgentExecutionDuration prometheus.Histogram

	// Process lifecycle
	ServiceState *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	sizeBuckets := prometheus.ExponentialBuckets(256, 4, 10)

	m := &Metrics{
		Registry: reg,

		RegistryNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_registry_nodes",
			Help: "Known nodes by tier and liveness.",
		}, []string{"tier", "status"}),
		RegistryAnnouncements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_registry_announcements_total",
			Help: "Node announcements by outcome.",
		}, []string{"result"}),
		RegistryHeartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_registry_heartbeats_total",
			Help: "Heartbeats by outcome.",
		}, []string{"result"}),
		RegistrySweepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_registry_sweep_transitions_total",
			Help: "Liveness transitions applied by the eviction sweep.",
		}, []string{"transition"}),

		ReservationRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_reservation_requests_total",
			Help: "Reserve calls by outcome.",
		}, []string{"result"}),
		ReservationReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_reservation_releases_total",
			Help: "Reservations released, by reason.",
		}, []string{"reason"}),
		ReservationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_reservations_active",
			Help: "Currently held reservations.",
		}),
		ReservedMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_reservation_reserved_mb",
			Help: "Reserved VRAM per GPU in MiB.",
		}, []string{"node", "gpu"}),
		LedgerViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_reservation_ledger_violations_total",
			Help: "Ledger mutations rejected because they would break reserved <= total.",
		}),
		OOMRisk: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_reservation_oom_risk",
			Help: "1 when the node's RAM trend predicts exhaustion within the lookahead.",
		}, []string{"node"}),

		WorkTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_work_transitions_total",
			Help: "Work item state transitions.",
		}, []string{"from", "to"}),
		WorkItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_work_items",
			Help: "Retained work items by state.",
		}, []string{"state"}),
		WorkQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_work_queue_depth",
			Help: "Pending work items waiting for assignment.",
		}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mesh_work_dispatch_duration_seconds",
			Help:    "Duration of work dispatch publishes in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		BlacklistTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_work_blacklist_trips_total",
			Help: "Times a node entered a blacklist cool-down.",
		}, []string{"node"}),
		BlacklistedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_work_blacklisted_nodes",
			Help: "Nodes currently in cool-down.",
		}),

		PlansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_planner_plans_total",
			Help: "Plan requests by chosen strategy (or no_capacity).",
		}, []string{"strategy"}),
		PlanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mesh_planner_duration_seconds",
			Help:    "Duration of plan computation in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		BusMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_bus_messages_total",
			Help: "Bus messages by direction and subject domain.",
		}, []string{"direction", "domain"}),
		BusPayloadBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mesh_bus_payload_bytes",
			Help:    "Encoded envelope size in bytes.",
			Buckets: sizeBuckets,
		}, []string{"direction"}),
		BusRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mesh_bus_request_duration_seconds",
			Help:    "Request/reply round trip in seconds, by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		CompressionRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_bus_compression_ratio",
			Help: "Last compression ratio (compressed/original).",
		}),

		HistoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_history_writes_total",
			Help: "History records written, by kind and status.",
		}, []string{"kind", "status"}),
		HistoryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_history_dropped_total",
			Help: "History records dropped because the write buffer was full.",
		}),

		InformerEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_kube_informer_events_total",
			Help: "Total number of node informer events received.",
		}, []string{"event"}),
		MetricsAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mesh_kube_metrics_api_duration_seconds",
			Help:    "Duration of metrics API calls in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		AgentExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_agent_executions_total",
			Help: "Assignments executed by the node agent, by status.",
		}, []string{"status"}),
		AgentExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mesh_agent_execution_duration_seconds",
			Help:    "Duration of executor calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),

		ServiceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesh_service_state",
			Help: "Current service state (1 = active, 0 = inactive).",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.RegistryNodes,
		m.RegistryAnnouncements,
		m.RegistryHeartbeats,
		m.RegistrySweepTransitions,
		m.ReservationRequests,
		m.ReservationReleases,
		m.ReservationsActive,
		m.ReservedMB,
		m.LedgerViolations,
		m.OOMRisk,
		m.WorkTransitions,
		m.WorkItems,
		m.WorkQueueDepth,
		m.DispatchDuration,
		m.BlacklistTrips,
		m.BlacklistedNodes,
		m.PlansTotal,
		m.PlanDuration,
		m.BusMessages,
		m.BusPayloadBytes,
		m.BusRequestDuration,
		m.CompressionRatio,
		m.HistoryWrites,
		m.HistoryDropped,
		m.InformerEventsTotal,
		m.MetricsAPIDuration,
		m.AgentExecutions,
		m.AgentExecutionDuration,
		m.ServiceState,
	)

	return m
}
