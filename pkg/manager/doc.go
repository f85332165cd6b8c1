/*
Package manager owns the user-facing lab lifecycle: creating labs,
admitting them into provisioning with bounded parallelism, serving
owner-scoped reads, and accepting stop requests.

# Architecture

	┌──────────────────────── LAB MANAGER ────────────────────────┐
	│                                                              │
	│  CreateLab(owner, recipe, intent)                            │
	│      │  backend preflight (fail-closed)                      │
	│      │  seal VNC password + lab token                        │
	│      ▼                                                       │
	│  REQUESTED row ──nudge──▶ admission loop                     │
	│                              │ slots: OCTOLAB_PROVISION_     │
	│                              │        MAX_PARALLEL           │
	│                              ▼                               │
	│                REQUESTED ▶ PROVISIONING  (guarded write      │
	│                              │            = admission claim) │
	│                              ▼                               │
	│                      provisioning pipeline                   │
	│            recipe ▶ port ▶ create ▶ probe ▶ READY            │
	│                              │                               │
	│                       error anywhere                         │
	│                              ▼                               │
	│            diagnostics ▶ destroy ▶ release port ▶ FAILED     │
	│                                                              │
	│  StopLab(owner, id) ───▶ ENDING  (teardown worker takes it)  │
	└──────────────────────────────────────────────────────────────┘

# Lifecycle Graph

The transition table in fsm.go is the single source of truth for which
status edges exist. The store enforces it mechanically: every status
write names the set of statuses it is valid from, terminal rows reject
everything except idempotent same-status writes, and finished_at is
stamped exactly once on entering a terminal state.

# Admission

Admission is crash-safe by construction. The loop scans REQUESTED rows
oldest first and claims each one by the guarded REQUESTED ->
PROVISIONING write; a process that dies mid-provision leaves a
PROVISIONING row that the garbage collector eventually fails, and its
un-admitted REQUESTED rows are simply picked up by the next process.
Parallelism is a semaphore, not a queue: when every slot is busy the
loop stops scanning until one frees.

# Rollback Ordering

The pipeline's failure path runs diagnostics capture, then resource
destruction, then port release, and only then writes FAILED. The reason
is observability: nothing that reads lab state ever sees FAILED while
backend resources are still alive. Rollback steps use fresh deadlines
because the provisioning context itself may be what expired.

# Tenancy

Every read and stop is owner-scoped through the store's owner-filtered
lookups. A lab belonging to someone else produces the same not-found
error as a lab that does not exist, so a tenant cannot probe for foreign
lab IDs.
*/
package manager
