package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/evidence"
	"github.com/octolab/octolab/pkg/health"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/network"
	"github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

// admissionInterval is how often the admission loop scans for REQUESTED
// rows. Fresh creations nudge the loop directly; the ticker exists for
// rows inherited from a previous process.
const admissionInterval = time.Second

// Validation errors. The API layer maps these to invalid-input responses.
var (
	ErrOwnerRequired  = errors.New("owner id is required")
	ErrRecipeRequired = errors.New("recipe id is required")
)

// Manager owns the user-facing lab lifecycle: creation, admission into
// provisioning, reads, and stop requests. Everything it hands out is
// owner-scoped; a caller can never see or touch another tenant's labs.
//
// Admission is a background loop over REQUESTED rows with bounded
// parallelism. The REQUESTED -> PROVISIONING transition doubles as the
// admission claim: whichever loop pass wins the guarded write owns the
// pipeline for that lab, so rows left behind by a crashed process are
// picked up automatically on the next boot.
type Manager struct {
	cfg       *config.Config
	store     storage.Store
	selector  *runtime.Selector
	allocator *network.Allocator
	secrets   *security.SecretsManager
	finalizer *evidence.Finalizer
	prober    *health.Prober
	broker    *events.Broker
	logger    zerolog.Logger

	sem     chan struct{} // provisioning slots
	admitCh chan struct{} // nudge from CreateLab

	runCtx    context.Context
	cancelRun context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

// Deps are the collaborators a Manager is built from.
type Deps struct {
	Store     storage.Store
	Selector  *runtime.Selector
	Allocator *network.Allocator
	Secrets   *security.SecretsManager
	Finalizer *evidence.Finalizer
	Prober    *health.Prober
	Broker    *events.Broker
}

// NewManager creates a manager. Call Start to begin admitting labs.
func NewManager(cfg *config.Config, deps Deps) *Manager {
	runCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		store:     deps.Store,
		selector:  deps.Selector,
		allocator: deps.Allocator,
		secrets:   deps.Secrets,
		finalizer: deps.Finalizer,
		prober:    deps.Prober,
		broker:    deps.Broker,
		logger:    log.WithComponent("manager"),
		sem:       make(chan struct{}, cfg.ProvisionMaxParallel),
		admitCh:   make(chan struct{}, 1),
		runCtx:    runCtx,
		cancelRun: cancel,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the admission loop.
func (m *Manager) Start() {
	go m.admissionLoop()
	m.logger.Info().
		Int("max_parallel", m.cfg.ProvisionMaxParallel).
		Msg("lab manager started")
}

// Stop halts admission, cancels in-flight provisioning, and waits for
// the rollbacks to settle. Labs cut off mid-provision end up FAILED with
// their resources destroyed, never half-alive.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.cancelRun()
	})
	<-m.doneCh
	m.wg.Wait()
	m.logger.Info().Msg("lab manager stopped")
}

// CreateLab validates the request, verifies the active backend is
// willing to take a lab right now, and persists a REQUESTED row with
// freshly sealed credentials. Provisioning happens asynchronously;
// callers poll the lab until it leaves PROVISIONING.
func (m *Manager) CreateLab(ctx context.Context, ownerID, recipeID, intent string) (*types.Lab, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	if recipeID == "" {
		return nil, ErrRecipeRequired
	}

	// Fail-closed preflight: a backend that cannot take labs right now
	// must reject the request here, not twenty seconds into provisioning.
	if _, err := m.selector.ForLab(ctx); err != nil {
		return nil, err
	}
	kind := m.selector.Current()

	creds, err := issueCredentials(m.cfg.VNCAuthMode)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	lab := &types.Lab{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		RecipeID:  recipeID,
		Status:    types.LabStatusRequested,
		Runtime:   kind,
		Intent:    intent,
		Evidence:  types.Evidence{State: types.EvidencePending},
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.LabTTL),
	}
	if err := sealCredentials(m.secrets, lab, creds); err != nil {
		return nil, err
	}

	if err := m.store.CreateLab(lab); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("lab_id", lab.ID).
		Str("recipe_id", recipeID).
		Str("runtime", string(kind)).
		Time("expires_at", lab.ExpiresAt).
		Msg("lab created")
	m.broker.Publish(events.NewLabEvent(events.EventLabCreated, lab.ID, "lab created").
		WithMeta("recipe_id", recipeID).
		WithMeta("runtime", string(kind)))

	m.nudge()
	return lab, nil
}

// GetLab returns one lab scoped to its owner. A foreign or missing lab
// is the same not-found error either way.
func (m *Manager) GetLab(ctx context.Context, id, ownerID string) (*types.Lab, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	labID, err := security.ValidateLabID(id)
	if err != nil {
		return nil, err
	}
	return m.store.GetLabForOwner(labID, ownerID)
}

// ListLabs returns the owner's labs, newest first.
func (m *Manager) ListLabs(ctx context.Context, ownerID string) ([]*types.Lab, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	labs, err := m.store.ListLabsByOwner(ownerID)
	if err != nil {
		return nil, err
	}
	sort.Slice(labs, func(i, j int) bool {
		return labs[i].CreatedAt.After(labs[j].CreatedAt)
	})
	return labs, nil
}

// StopLab marks a lab ENDING on behalf of its owner. The teardown worker
// destroys the resources asynchronously. Stopping a lab that is already
// ENDING is an idempotent no-op; stopping a terminal lab is a conflict.
func (m *Manager) StopLab(ctx context.Context, id, ownerID string) (*types.Lab, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	labID, err := security.ValidateLabID(id)
	if err != nil {
		return nil, err
	}

	lab, err := m.store.GetLabForOwner(labID, ownerID)
	if err != nil {
		return nil, err
	}
	if lab.Status == types.LabStatusEnding {
		return lab, nil
	}

	updated, err := m.store.TransitionLab(labID, StoppableStatuses(), types.LabStatusEnding, nil)
	if err != nil {
		// A stop racing another stop is still a stop.
		if errors.Is(err, storage.ErrStatusConflict) {
			if current, gerr := m.store.GetLabForOwner(labID, ownerID); gerr == nil && current.Status == types.LabStatusEnding {
				return current, nil
			}
		}
		return nil, err
	}

	m.logger.Info().Str("lab_id", labID).Msg("lab stop requested")
	m.broker.Publish(events.NewLabEvent(events.EventLabEnding, labID, "lab stop requested"))
	return updated, nil
}

// ProvisionLab admits one REQUESTED lab and runs the pipeline
// synchronously. The admission loop normally does this in the
// background; the synchronous form exists for tools and tests that
// drive a single lab to completion.
func (m *Manager) ProvisionLab(ctx context.Context, labID string) error {
	lab, err := m.admit(labID)
	if err != nil {
		return err
	}
	return m.runPipeline(ctx, lab)
}

// nudge wakes the admission loop without waiting for the ticker.
func (m *Manager) nudge() {
	select {
	case m.admitCh <- struct{}{}:
	default:
	}
}

func (m *Manager) admissionLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(admissionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-m.admitCh:
		case <-ticker.C:
		}
		m.admitPending()
	}
}

// admitPending starts provisioning for REQUESTED rows, oldest first,
// until the slots run out. It stops at the first full slot instead of
// skipping ahead, which keeps admission FIFO per pass.
func (m *Manager) admitPending() {
	labs, err := m.store.ListLabsByStatus(types.LabStatusRequested)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list pending labs")
		return
	}
	if len(labs) == 0 {
		return
	}
	sort.Slice(labs, func(i, j int) bool {
		return labs[i].CreatedAt.Before(labs[j].CreatedAt)
	})

	for _, pending := range labs {
		select {
		case <-m.stopCh:
			return
		case m.sem <- struct{}{}:
		default:
			return
		}

		claimed, err := m.admit(pending.ID)
		if err != nil {
			<-m.sem
			if !errors.Is(err, storage.ErrStatusConflict) && !errors.Is(err, storage.ErrLabTerminal) {
				m.logger.Error().Err(err).Str("lab_id", pending.ID).Msg("failed to admit lab")
			}
			continue
		}

		m.wg.Add(1)
		go func(lab *types.Lab) {
			defer m.wg.Done()
			defer func() { <-m.sem }()

			ctx, cancel := context.WithTimeout(m.runCtx, m.cfg.StartupTimeout)
			defer cancel()
			if err := m.runPipeline(ctx, lab); err != nil {
				m.logger.Debug().Err(err).Str("lab_id", lab.ID).Msg("provisioning pipeline ended with error")
			}
		}(claimed)
	}
}

// admit claims a REQUESTED row by moving it to PROVISIONING. The guarded
// transition is the claim; losing it means someone else owns the lab.
func (m *Manager) admit(labID string) (*types.Lab, error) {
	claimed, err := m.store.TransitionLab(labID,
		[]types.LabStatus{types.LabStatusRequested},
		types.LabStatusProvisioning, nil)
	if err != nil {
		return nil, err
	}
	m.broker.Publish(events.NewLabEvent(events.EventLabProvisioning, labID, "lab admitted for provisioning"))
	return claimed, nil
}
