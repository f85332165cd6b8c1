package storage

import (
	"errors"
	"time"

	"github.com/octolab/octolab/pkg/types"
)

// Sentinel errors. Callers match with errors.Is; the API layer maps them
// onto HTTP status codes (404, 409) and the CLI onto exit codes.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrPortTaken      = errors.New("port already bound")
	ErrLabTerminal    = errors.New("lab is in a terminal state")
	ErrStatusConflict = errors.New("lab status conflict")
	ErrClaimHeld      = errors.New("claim held by another worker")
)

// Store defines the interface for lab state storage.
// Implemented by BoltDB-backed storage; every method that must be atomic
// (port binding, claims, status transitions) runs inside a single write
// transaction, which is the serialization point for all replicas sharing
// a database file.
type Store interface {
	// Labs
	CreateLab(lab *types.Lab) error
	GetLab(id string) (*types.Lab, error)
	// GetLabForOwner returns ErrNotFound when the lab exists but belongs
	// to a different owner. Cross-tenant probes are indistinguishable
	// from missing labs.
	GetLabForOwner(id, ownerID string) (*types.Lab, error)
	ListLabs() ([]*types.Lab, error)
	ListLabsByOwner(ownerID string) ([]*types.Lab, error)
	ListLabsByStatus(statuses ...types.LabStatus) ([]*types.Lab, error)
	CountActiveLabsForOwner(ownerID string) (int, error)
	DeleteLab(id string) error

	// TransitionLab moves a lab between statuses under a guard: the
	// current status must be in from, terminal rows reject everything
	// except an idempotent same-status write, and FinishedAt is stamped
	// exactly when a terminal status is entered. The mutate hook runs
	// inside the same write transaction.
	TransitionLab(id string, from []types.LabStatus, to types.LabStatus, mutate func(*types.Lab) error) (*types.Lab, error)

	// UpdateLabEvidence mutates only the evidence subrecord. Unlike
	// lifecycle fields, evidence stamps (finalization, purge) remain
	// writable after a lab is terminal.
	UpdateLabEvidence(id string, mutate func(*types.Evidence) error) (*types.Lab, error)

	// UpdateLabMeta merges redacted diagnostic entries into RuntimeMeta
	// without touching lifecycle fields.
	UpdateLabMeta(id string, meta map[string]string) error

	// Ports. BindPort fails with ErrPortTaken unless the port is free or
	// already bound to the same lab. ReleasePort is idempotent and works
	// regardless of lab status or owner; it reports whether a binding was
	// actually removed so callers can tell first release from repeats.
	BindPort(port int, labID string) error
	ReleasePort(labID string) (bool, error)
	PortBindings() (map[int]string, error)

	// Teardown claims. ClaimEnding stamps up to batch ENDING rows that
	// carry no live claim, oldest first, and returns the claimed copies.
	// Rows claimed by a crashed worker become claimable again once their
	// claim TTL passes.
	ClaimEnding(workerID string, batch int, ttl time.Duration) ([]*types.Lab, error)
	// ClaimLab claims one specific lab when its status is in expect.
	ClaimLab(id, workerID string, ttl time.Duration, expect ...types.LabStatus) (*types.Lab, error)
	ReleaseClaim(labID, workerID string) error

	// Recipes
	PutRecipe(recipe *types.Recipe) error
	GetRecipe(id string) (*types.Recipe, error)
	ListRecipes() ([]*types.Recipe, error)
	DeleteRecipe(id string) error

	// Evidence events. PutEvidenceEvents is keyed by event hash, so a
	// replayed batch stores nothing new; the returned count is the
	// number of events actually written.
	PutEvidenceEvents(events []*types.EvidenceEvent) (int, error)
	ListEvidenceEvents(labID string) ([]*types.EvidenceEvent, error)

	// Utility
	Close() error
}
