package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lab lifecycle metrics
	LabsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "octolab_labs_by_status",
			Help: "Number of labs by lifecycle status",
		},
		[]string{"status"},
	)

	LabsByRuntime = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "octolab_labs_by_runtime",
			Help: "Number of non-terminal labs by runtime backend",
		},
		[]string{"runtime"},
	)

	ProvisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_provisions_total",
			Help: "Total provisioning attempts by runtime and outcome",
		},
		[]string{"runtime", "outcome"},
	)

	ProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "octolab_provision_duration_seconds",
			Help: "Time from provisioning start to READY or rollback",
			// Labs pull images and boot desktops; seconds to minutes.
			Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 90, 120, 180, 300},
		},
		[]string{"runtime"},
	)

	TeardownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_teardowns_total",
			Help: "Total teardown attempts by runtime and outcome",
		},
		[]string{"runtime", "outcome"},
	)

	TeardownDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "octolab_teardown_duration_seconds",
			Help:    "Time spent destroying lab resources",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"runtime"},
	)

	// Port allocator metrics
	PortsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "octolab_ports_in_use",
			Help: "Number of host ports currently bound to labs",
		},
	)

	PortExhaustions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octolab_port_exhaustions_total",
			Help: "Total allocation attempts that found no free port",
		},
	)

	// Evidence metrics
	EvidenceByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "octolab_evidence_by_state",
			Help: "Number of labs by evidence state",
		},
		[]string{"state"},
	)

	EvidenceEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_evidence_events_total",
			Help: "Evidence event ingest results (accepted, duplicate, rate_limited, rejected)",
		},
		[]string{"result"},
	)

	EvidencePurgesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octolab_evidence_purges_total",
			Help: "Total labs whose evidence artifacts were purged",
		},
	)

	// GC and watchdog metrics
	GCActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_gc_actions_total",
			Help: "Garbage collector actions by kind (expired_lab, stale_provisioning, orphan_volume, pruned_bundle)",
		},
		[]string{"kind"},
	)

	WatchdogActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_watchdog_actions_total",
			Help: "Watchdog interventions by action (force, fail)",
		},
		[]string{"action"},
	)

	// Runtime selection metrics
	RuntimeOverridesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octolab_runtime_overrides_total",
			Help: "Total admin-applied runtime overrides",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "octolab_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(LabsByStatus)
	prometheus.MustRegister(LabsByRuntime)
	prometheus.MustRegister(ProvisionsTotal)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(TeardownsTotal)
	prometheus.MustRegister(TeardownDuration)
	prometheus.MustRegister(PortsInUse)
	prometheus.MustRegister(PortExhaustions)
	prometheus.MustRegister(EvidenceByState)
	prometheus.MustRegister(EvidenceEventsTotal)
	prometheus.MustRegister(EvidencePurgesTotal)
	prometheus.MustRegister(GCActionsTotal)
	prometheus.MustRegister(WatchdogActionsTotal)
	prometheus.MustRegister(RuntimeOverridesTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
