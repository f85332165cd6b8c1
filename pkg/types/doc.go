/*
Package types defines the core data structures used throughout OctoLab.

This package contains the fundamental types of the lab lifecycle domain:
labs, recipes, evidence records, teardown results, and doctor reports.
All other packages consume these types for state management, persistence,
and orchestration logic.

# Core Types

Lab lifecycle:
  - Lab: one disposable lab environment owned by one user
  - LabStatus: requested, provisioning, ready, degraded, ending, finished, failed
  - RuntimeKind: compose, microvm, noop

Evidence:
  - Evidence: artifact counts, finalization and retention stamps
  - EvidenceState: pending, ready, partial, unavailable
  - EvidenceEvent: one ingested telemetry record (hash-deduplicated)

Runtime:
  - Recipe: launch definition (compose document or microVM images)
  - TeardownResult: verified destroy outcome with leftover counts
  - DoctorReport / DoctorCheck: preflight results per backend

# State Machine

Labs follow a one-way lifecycle:

	REQUESTED → PROVISIONING → READY ⇄ DEGRADED
	                 ↓            ↓        ↓
	               FAILED       ENDING ← ──┘
	                              ↓
	                      FINISHED / FAILED

Valid transitions are enforced by pkg/manager; FINISHED and FAILED are
terminal and reject further writes. FinishedAt is set exactly when a lab
enters a terminal state, never before and never cleared.

# Invariants

  - Lab.Runtime is stamped at creation and never rewritten.
  - Lab.Port is unique across live labs (enforced by the ports bucket
    in pkg/storage, not by anything in this package).
  - RuntimeMeta values are pre-redacted: no secrets, no absolute paths.
  - Evidence.State is decided once, from artifacts that actually exist.
  - Sealed credential fields (VNCPasswordEnc, LabTokenEnc) hold AES-GCM
    ciphertext and are never exposed over any API surface.

# Design Patterns

Enumeration pattern: all enums are typed string constants, stored as
their string values in BoltDB JSON rows.

Zero-value timestamps: optional times (FinishedAt, PurgedAt, ClaimExpires)
use the zero time.Time to mean "not set"; callers test with IsZero.

# Integration Points

  - pkg/storage: persists Lab, Recipe and EvidenceEvent as JSON rows
  - pkg/manager: drives LabStatus transitions
  - pkg/runtime: produces TeardownResult and DoctorReport
  - pkg/evidence: finalizes Evidence and enforces retention
  - pkg/reconciler: claims labs for teardown via ClaimOwner/ClaimExpires
*/
package types
