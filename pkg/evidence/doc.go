/*
Package evidence owns everything that happens to a lab's forensic trail:
ingesting session events from sensors, deciding what artifacts actually
exist when a lab ends, purging them when their retention window passes,
and sweeping the garbage the happy path leaves behind.

# Architecture

	┌───────────────────────── EVIDENCE FLOW ─────────────────────────┐
	│                                                                  │
	│  lab sensors ──batch──▶ Ingestor                                 │
	│                           │  per-lab rate window (events/min)    │
	│                           │  SHA-256 dedup cache (TTL)           │
	│                           ▼                                      │
	│                      store (hash-keyed rows, replay = no-op)     │
	│                                                                  │
	│  lab enters terminal status                                      │
	│        │                                                         │
	│        ▼                                                         │
	│    Finalizer ──CountArtifacts──▶ lab's own backend               │
	│        │   logs>=1 && pcaps>=1 ⇒ READY                           │
	│        │   exactly one class   ⇒ PARTIAL                         │
	│        │   nothing / error     ⇒ UNAVAILABLE                     │
	│        ▼                                                         │
	│    evidence state + finalized_at + expires_at                    │
	│        │                                                         │
	│        │  (finished: 24h, failed: 6h)                            │
	│        ▼                                                         │
	│    Retention ──PurgeArtifacts──▶ backend, then UNAVAILABLE       │
	│                                                                  │
	│  GC: ttl-expired labs ▶ ENDING, stale rows ▶ FAILED,             │
	│      orphan volumes, old bundles                                 │
	└──────────────────────────────────────────────────────────────────┘

# Honesty Rules

The finalizer never assumes collection worked. It counts what the
backend can actually see and records that; an error while counting is
UNAVAILABLE, not a guess. Finalization happens exactly once per lab;
racing callers keep the first honest answer.

Purging follows the same rule in reverse: once artifacts are removed the
state is UNAVAILABLE with a purge stamp, and nothing ever flips it back.

# Ingest Defenses

Two layers protect the store from hostile or broken sensors. A fixed
per-lab window caps events per minute; past the cap the batch's excess
is counted and dropped. A dedup cache keyed by the SHA-256 of the
canonical event fields absorbs retries within the TTL, and the store's
hash-keyed rows absorb anything older. An attacker replaying a captured
batch gets a 200 and changes nothing.
*/
package evidence
