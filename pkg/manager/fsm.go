package manager

import (
	"github.com/octolab/octolab/pkg/types"
)

// transitions is the lab lifecycle graph. A lab may only move along these
// edges; the store's guarded TransitionLab enforces the from-set on every
// write, so concurrent writers race on the row instead of on stale reads.
//
//	REQUESTED ──▶ PROVISIONING ──▶ READY ◀──▶ DEGRADED
//	    │               │            │            │
//	    │               │            ▼            │
//	    └───────────────┼─────────▶ ENDING ◀──────┘
//	                    │            │
//	                    ▼            ├──▶ FINISHED
//	                  FAILED ◀───────┘
//
// Every non-terminal state may additionally land in FAILED directly:
// provisioning errors, stale-row sweeps, and watchdog drains all fail a
// lab without passing through ENDING. FINISHED and FAILED are terminal;
// the store rejects any write to a terminal row except the idempotent
// same-status case.
var transitions = map[types.LabStatus][]types.LabStatus{
	types.LabStatusRequested:    {types.LabStatusProvisioning, types.LabStatusEnding, types.LabStatusFailed},
	types.LabStatusProvisioning: {types.LabStatusReady, types.LabStatusEnding, types.LabStatusFailed},
	types.LabStatusReady:        {types.LabStatusDegraded, types.LabStatusEnding, types.LabStatusFailed},
	types.LabStatusDegraded:     {types.LabStatusReady, types.LabStatusEnding, types.LabStatusFailed},
	types.LabStatusEnding:       {types.LabStatusFinished, types.LabStatusFailed},
	types.LabStatusFinished:     {},
	types.LabStatusFailed:       {},
}

// CanTransition reports whether the edge from -> to exists in the
// lifecycle graph. Same-status writes are allowed everywhere; the store
// absorbs them as no-ops.
func CanTransition(from, to types.LabStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status that may legally transition into to.
// Callers pass this as the from-set of a guarded store write when any
// legal source is acceptable.
func SourcesOf(to types.LabStatus) []types.LabStatus {
	var sources []types.LabStatus
	for _, from := range types.AllLabStatuses() {
		if from != to && CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

// StoppableStatuses are the states a user-initiated stop acts on: every
// state the graph lets reach ENDING. A lab that never provisioned can
// still be stopped; the teardown worker's existence probe turns it into
// a cheap FINISHED.
func StoppableStatuses() []types.LabStatus {
	return SourcesOf(types.LabStatusEnding)
}
