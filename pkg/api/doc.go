/*
Package api implements OctoLab's internal HTTP API.

This is a service-to-service surface, not the user-facing one. The
public gateway in front of it owns end-user authentication, RBAC and
rate limiting; it forwards requests here with a shared internal token
and the resolved tenant in the X-Owner-ID header. Lab sensors inside
the deployment push evidence events through the same surface.

# Architecture

	┌────────────── GATEWAY / SENSORS ──────────────┐
	│                                                 │
	│   Authorization: Bearer <internal token>        │
	│   X-Owner-ID: <tenant resolved upstream>        │
	└──────────────────────┬──────────────────────────┘
	                       │ HTTP (loopback / private net)
	┌──────────────────────▼──── LIFECYCLE CORE ─────┐
	│                                                 │
	│  mux.Router                                     │
	│   ├── instrument (metrics + request log)        │
	│   ├── authenticate (constant-time token check)  │
	│   └── handlers                                  │
	│        ├── manager     (create/get/list/stop)   │
	│        ├── ingestor    (evidence events)        │
	│        ├── selector    (runtime, override)      │
	│        ├── doctor      (preflight report)       │
	│        └── retention / gc / watchdog (admin)    │
	└─────────────────────────────────────────────────┘

# Routes

Lab lifecycle (owner-scoped via X-Owner-ID):

	POST /internal/v1/labs             create, 201 + lab
	GET  /internal/v1/labs             list own labs, newest first
	GET  /internal/v1/labs/{id}        read one lab
	POST /internal/v1/labs/{id}/stop   request teardown, 202 + lab

Evidence ingest (sensors, token only):

	POST /internal/v1/labs/{id}/events batch of sensor events, 202;
	                                   429 when the whole batch was
	                                   rate limited

Operations:

	GET  /internal/v1/runtime          active backend + override flag
	POST /internal/v1/runtime/override switch backend for new labs
	GET  /internal/v1/doctor           preflight report (?runtime=)
	POST /internal/v1/retention        evidence purge run (dry by default)
	POST /internal/v1/gc               expiry/stale/orphan sweep
	POST /internal/v1/watchdog         stuck-teardown actions

Probes, no token required:

	GET /healthz                       liveness
	GET /readyz                        storage + runtime readiness
	GET /metrics                       Prometheus exposition

# Error Taxonomy

Domain errors map onto four client-visible classes:

	400 validation   bad input: missing owner/recipe, malformed lab ID,
	                 unknown runtime kind, backend not ready, unknown
	                 watchdog action, undecodable body
	404 not_found    missing lab, or a lab owned by someone else; the
	                 two answers must not differ
	409 conflict     terminal-state writes, status races, port pool
	                 exhaustion
	429 (ingest)     an entire batch rejected by the per-lab rate cap

Everything else is a 500 with a sanitized message; the original error
goes to the log, not the wire.

# Response Hygiene

Lab responses are rendered through a view type: sealed credentials and
teardown-claim fields never appear in any payload. Error messages pass
through the redaction chain before leaving the process. Metric labels
use route templates, never raw paths, so lab IDs stay out of the
metrics namespace.
*/
package api
