package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/octolab/octolab/pkg/types"
)

// NoopBackend is an in-memory runtime for tests and local development.
// It tracks which labs "exist" without launching anything, and exposes
// knobs for failure injection and artificial latency so lifecycle paths
// can be exercised deterministically.
//
// Artifact counts survive DestroyLab, matching the real backends where
// evidence outlives the lab's compute resources until retention purges
// it.
type NoopBackend struct {
	mu   sync.Mutex
	labs map[string]*noopLab

	// Failure injection. Non-nil errors are returned verbatim.
	FailCreate  error
	FailDestroy error

	// DirtyTeardown makes DestroyLab report leftover resources without
	// removing the lab.
	DirtyTeardown bool

	// CreateDelay and DestroyDelay simulate slow backends. Both respect
	// context cancellation.
	CreateDelay  time.Duration
	DestroyDelay time.Duration
}

type noopLab struct {
	running      bool
	terminalLogs int
	pcaps        int
}

// NewNoopBackend creates an empty in-memory backend
func NewNoopBackend() *NoopBackend {
	return &NoopBackend{
		labs: make(map[string]*noopLab),
	}
}

// Kind returns the backend kind
func (b *NoopBackend) Kind() types.RuntimeKind {
	return types.RuntimeNoop
}

// CreateLab records the lab as running
func (b *NoopBackend) CreateLab(ctx context.Context, lab *types.Lab, recipe *types.Recipe, env LaunchEnv) error {
	if err := b.sleep(ctx, b.CreateDelay); err != nil {
		return err
	}
	if b.FailCreate != nil {
		return b.FailCreate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entry(lab.ID).running = true
	return nil
}

// DestroyLab stops the lab. Destroying an absent lab succeeds cleanly;
// artifact counts are kept for later finalization.
func (b *NoopBackend) DestroyLab(ctx context.Context, lab *types.Lab) (types.TeardownResult, error) {
	if err := b.sleep(ctx, b.DestroyDelay); err != nil {
		return types.TeardownResult{}, err
	}
	if b.FailDestroy != nil {
		return types.TeardownResult{}, b.FailDestroy
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.DirtyTeardown {
		return types.TeardownResult{Success: false, ContainersRemaining: 1}, nil
	}

	if l, ok := b.labs[lab.ID]; ok {
		l.running = false
	}
	return types.TeardownResult{Success: true}, nil
}

// ResourcesExist reports whether the lab was created and not destroyed
func (b *NoopBackend) ResourcesExist(ctx context.Context, lab *types.Lab) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.labs[lab.ID]
	return ok && l.running, nil
}

// CountArtifacts returns the artificially seeded artifact counts
func (b *NoopBackend) CountArtifacts(ctx context.Context, lab *types.Lab) (terminalLogs, pcaps int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.labs[lab.ID]; ok {
		return l.terminalLogs, l.pcaps, nil
	}
	return 0, 0, nil
}

// PurgeArtifacts clears seeded artifacts and reports how many were removed
func (b *NoopBackend) PurgeArtifacts(ctx context.Context, lab *types.Lab) (removed int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.labs[lab.ID]; ok {
		removed = l.terminalLogs + l.pcaps
		l.terminalLogs, l.pcaps = 0, 0
	}
	return removed, nil
}

// SetArtifacts seeds artifact counts for a lab.
// To be used for testing only
func (b *NoopBackend) SetArtifacts(labID string, terminalLogs, pcaps int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.entry(labID)
	l.terminalLogs = terminalLogs
	l.pcaps = pcaps
}

// LabCount reports how many labs are currently running
func (b *NoopBackend) LabCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, l := range b.labs {
		if l.running {
			count++
		}
	}
	return count
}

// entry returns the lab's record, creating it if needed. Caller holds b.mu.
func (b *NoopBackend) entry(labID string) *noopLab {
	l, ok := b.labs[labID]
	if !ok {
		l = &noopLab{}
		b.labs[labID] = l
	}
	return l
}

func (b *NoopBackend) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
