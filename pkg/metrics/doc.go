/*
Package metrics provides Prometheus metrics collection and exposition for OctoLab.

The metrics package defines and registers all OctoLab metrics using the
Prometheus client library, covering lab lifecycle throughput, provisioning
and teardown latency, port allocator pressure, evidence pipeline results,
and API traffic. Metrics are exposed via HTTP endpoint for scraping.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                          │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry               │          │
	│  │  - Global DefaultRegistry                  │          │
	│  │  - MustRegister at package init            │          │
	│  │  - Automatic Go runtime metrics            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                │          │
	│  │                                            │          │
	│  │  Labs: count by status and runtime         │          │
	│  │  Provisioning: attempts, duration          │          │
	│  │  Teardown: attempts, duration              │          │
	│  │  Ports: in use, exhaustion events          │          │
	│  │  Evidence: states, ingest results, purges  │          │
	│  │  GC/Watchdog: actions by kind              │          │
	│  │  API: request count, duration              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                    │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint             │          │
	│  │  - Path: /metrics                          │          │
	│  │  - Format: Prometheus text exposition      │          │
	│  │  - Handler: promhttp.Handler()             │          │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

# Core Components

## Metric Variables

Metrics are package-level variables registered at init:

	metrics.ProvisionsTotal.WithLabelValues("compose", "ready").Inc()
	metrics.PortsInUse.Set(42)
	metrics.EvidenceEventsTotal.WithLabelValues("duplicate").Inc()

Counter outcome labels are small fixed vocabularies: provisioning
outcomes are "ready", "failed", "timeout"; teardown outcomes are
"clean", "incomplete", "error"; ingest results are "accepted",
"duplicate", "rate_limited", "rejected". Never put lab IDs or owner
IDs in label values; both are unbounded and the owner ID is tenant
data.

## Timer

Timer wraps duration measurement for the histograms:

	timer := metrics.NewTimer()
	// ... provision the lab ...
	timer.ObserveDurationVec(metrics.ProvisionDuration, string(lab.Runtime))

## Collector

Collector derives gauges from the lab store every 15 seconds:

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

Gauges are zero-filled across the full status/runtime/state vocabulary
so a label that empties out reads 0 instead of holding its last value.

## Component Health

The package also tracks process-level component health for /healthz and
/readyz. Components register themselves and flip their status as they
start and stop:

	metrics.RegisterComponent("store", true, "")
	metrics.UpdateComponent("runtime", false, "doctor: kvm unavailable")

Readiness requires the critical components (store, runtime, api) to be
registered and healthy. This is the control plane's own health; lab
endpoint probing lives in pkg/health.

# Histogram Buckets

Provisioning buckets run 1s to 300s because labs pull images and boot
desktop sessions. Teardown buckets run 0.5s to 120s. API buckets use
the Prometheus defaults.

# Usage

	// In main
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

# See Also

  - pkg/manager - Observes provisioning outcomes and durations
  - pkg/reconciler - Observes teardown, GC, and watchdog actions
  - pkg/evidence - Observes ingest and purge results
  - pkg/api - Request metrics middleware
*/
package metrics
