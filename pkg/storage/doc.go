/*
Package storage provides BoltDB-backed state persistence for OctoLab's
lab lifecycle data.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for labs, port bindings,
recipes and evidence events. All data is serialized as JSON and stored in
separate buckets.

# Architecture

	┌──────────────────── BOLTDB STORAGE ───────────────────┐
	│                                                         │
	│  ┌───────────────────────────────────────────┐         │
	│  │            BoltStore                       │         │
	│  │  - File: <dataDir>/octolab.db              │         │
	│  │  - Format: B+tree with MVCC                │         │
	│  │  - Transactions: ACID with fsync           │         │
	│  └──────────────────┬────────────────────────┘         │
	│                     │                                   │
	│  ┌──────────────────▼────────────────────────┐         │
	│  │              Bucket Structure              │         │
	│  │  ┌─────────────────────────────────────┐  │         │
	│  │  │ labs            (Lab ID)            │  │         │
	│  │  │ ports           (port → Lab ID)     │  │         │
	│  │  │ recipes         (Recipe ID)         │  │         │
	│  │  │ evidence_events (labID/hash)        │  │         │
	│  │  │ schema          (fixed keys)        │  │         │
	│  │  └─────────────────────────────────────┘  │         │
	│  └──────────────────┬────────────────────────┘         │
	│                     │                                   │
	│  ┌──────────────────▼────────────────────────┐         │
	│  │        Transaction Management              │         │
	│  │  - Read: db.View() - concurrent reads      │         │
	│  │  - Write: db.Update() - serialized writes  │         │
	│  └────────────────────────────────────────────┘         │
	└─────────────────────────────────────────────────────────┘

# Concurrency Model

BoltDB admits exactly one write transaction at a time. Every operation
that must be atomic under concurrency runs entirely inside one Update
transaction and relies on that serialization:

  - BindPort: the ports bucket is the uniqueness registry. Two labs
    racing for the same port resolve deterministically; the loser gets
    ErrPortTaken and the allocator probes the next candidate.
  - ClaimEnding / ClaimLab: teardown claims are check-and-stamp on the
    lab row. A row with a live claim (ClaimExpires in the future) is
    skipped, never contended; expired claims are silently reclaimable,
    so a crashed worker cannot strand its labs.
  - TransitionLab: the status guard, the terminal-state rejection and
    the FinishedAt stamp happen in the same transaction as the write,
    so observers never see a half-applied transition.

Multiple worker goroutines in one process all serialize on these
transactions; the bolt file lock keeps a second process from opening
the same database.

# Terminal State Rules

Once a lab reaches FINISHED or FAILED:

  - TransitionLab rejects any status change with ErrLabTerminal, except
    an idempotent write of the same terminal status.
  - FinishedAt is stamped exactly once, when the terminal state is
    entered, and never modified after.
  - UpdateLabEvidence remains allowed: retention stamps purge markers
    onto terminal rows without touching lifecycle fields.

# Evidence Events

Ingested telemetry is keyed `<labID>/<sha256>`, which makes replayed
batches a structural no-op: PutEvidenceEvents reports how many events
were genuinely new. The in-memory dedup cache in pkg/evidence handles
the hot path; this bucket is the durable backstop across restarts.

# Usage

	store, err := storage.NewBoltStore("/var/lib/octolab")
	if err != nil {
		return err
	}
	defer store.Close()

	lab, err := store.TransitionLab(labID,
		[]types.LabStatus{types.LabStatusEnding},
		types.LabStatusFinished,
		func(l *types.Lab) error {
			l.Evidence.State = types.EvidenceReady
			return nil
		})

# Security

File permissions:
  - Database file: 0600 (owner read/write only)
  - Lab credentials are sealed with AES-256-GCM before they reach a row

# See Also

  - pkg/types for the persisted structures
  - pkg/manager for the transition table that feeds TransitionLab
  - cmd/octolab-migrate for schema migrations
  - BoltDB documentation: https://github.com/etcd-io/bbolt
*/
package storage
