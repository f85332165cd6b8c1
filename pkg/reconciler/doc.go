/*
Package reconciler contains the background loops that keep lab rows and
backend resources in agreement: the teardown worker, the stuck-lab
watchdog, and the health observer.

# Architecture

	┌──────────────────────── RECONCILIATION ─────────────────────────┐
	│                                                                  │
	│  StopLab / GC expiry ──▶ row parked in ENDING                    │
	│                               │                                  │
	│                               ▼                                  │
	│   Worker tick ──ClaimEnding──▶ claimed batch (oldest first)      │
	│        │                                                         │
	│        │  per lab: guacamole deprovision (best effort)           │
	│        │           ResourcesExist? no ──▶ FINISHED               │
	│        │           DestroyLab (teardown timeout)                 │
	│        │             clean ──▶ FINISHED                          │
	│        │             dirty ──▶ FAILED + remaining counts         │
	│        ▼                                                         │
	│   finalize evidence, release port, clear claim                   │
	│                                                                  │
	│   Watchdog (operator): ENDING older than cutoff                  │
	│        force ──▶ destroy, FINISHED if verified gone else FAILED  │
	│        fail  ──▶ FAILED without touching the runtime             │
	│                                                                  │
	│   Observer: READY/DEGRADED labs probed each interval             │
	│        N consecutive misses ──▶ DEGRADED                         │
	│        first success again  ──▶ READY                            │
	└──────────────────────────────────────────────────────────────────┘

# Teardown Claims

Every actor that writes ENDING → terminal first stamps a claim on the
row inside a single store transaction. A row with a live claim is
skipped, never contested, so replicas sharing a database file and an
operator-run watchdog can all work the same table without
double-destroying a lab. Claims carry a TTL of the teardown timeout
plus a grace margin; a claim left behind by a crashed process simply
expires and the row returns to the candidate pool. No lab is ever lost
in ENDING.

The worker never kills a destroy mid-call. Stop lets the in-flight lab
finish or time out, hands back the rest of the claimed batch, and only
then returns; terminal states are always verified states.

# Truthful Terminal States

FINISHED means the backend confirmed every resource class gone. A
destroy that errors, times out, or reports leftovers marks the lab
FAILED with the remaining container and network counts in its runtime
metadata, and the volume sweep inherits the debris. The watchdog's
force action follows the same rule: it cannot make a lab FINISHED by
decree, only by a verified teardown. Its fail action is the emergency
drain for hosts where destroy attempts hang, and says so in the row.

Evidence is finalized inside the same settle path for all of them, so a
torn-down lab always has an honest evidence verdict and a free port.
*/
package reconciler
