package reconciler

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/evidence"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/network"
	"github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

// claimGrace extends a claim past the destroy timeout so a slow but
// live teardown is not stolen by a peer the moment the timeout elapses.
const claimGrace = 30 * time.Second

// evidenceTimeout bounds the finalization pass after a terminal write.
const evidenceTimeout = 30 * time.Second

// Failure reasons stamped by the teardown paths. Stable strings: the
// requesting service and operators branch on them.
const (
	// ReasonTeardownFailed marks labs whose destroy attempt errored,
	// timed out, or left resources behind.
	ReasonTeardownFailed = "teardown_failed"

	// ReasonWatchdogFail marks labs drained by the watchdog without a
	// destroy attempt.
	ReasonWatchdogFail = "watchdog_fail"
)

// BackendResolver resolves the backend a lab was created on. Satisfied
// by the runtime selector; tests plug in a map-backed resolver.
type BackendResolver interface {
	Backend(kind types.RuntimeKind) (runtime.LabRuntime, error)
}

// Worker is the teardown loop. It claims ENDING labs through the store's
// claim registry, destroys their backend resources, finalizes evidence,
// and releases their ports. Replicas sharing the database never process
// the same lab twice: the claim stamp is the exclusivity mechanism, and
// claims left behind by a crashed process expire on their own.
type Worker struct {
	cfg       *config.Config
	store     storage.Store
	backends  BackendResolver
	allocator *network.Allocator
	finalizer *evidence.Finalizer
	desktop   Deprovisioner
	broker    *events.Broker
	logger    zerolog.Logger

	id string // claim owner, unique per process

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// WorkerDeps are the collaborators a Worker is built from. Desktop may
// be nil when no remote-desktop gateway is configured; Broker may be
// nil in CLI paths that run without an event bus.
type WorkerDeps struct {
	Store     storage.Store
	Backends  BackendResolver
	Allocator *network.Allocator
	Finalizer *evidence.Finalizer
	Desktop   Deprovisioner
	Broker    *events.Broker
}

// NewWorker creates a teardown worker. Call Start to begin ticking.
func NewWorker(cfg *config.Config, deps WorkerDeps) *Worker {
	desktop := deps.Desktop
	if desktop == nil {
		desktop = noopDeprovisioner{}
	}
	return &Worker{
		cfg:       cfg,
		store:     deps.Store,
		backends:  deps.Backends,
		allocator: deps.Allocator,
		finalizer: deps.Finalizer,
		desktop:   desktop,
		broker:    deps.Broker,
		logger:    log.WithComponent("teardown"),
		id:        claimOwnerID(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// claimOwnerID builds a claim owner unique per worker instance. The
// random suffix keeps two workers in one process (tests, embedded
// setups) from sharing claims.
func claimOwnerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "octolab"
	}
	return hostname + "-" + strconv.Itoa(os.Getpid()) + "-" + security.ShortLabID(uuid.New().String())
}

// ID returns the worker's claim owner identity.
func (w *Worker) ID() string {
	return w.id
}

// Start launches the tick loop.
func (w *Worker) Start() {
	go w.run()
	w.logger.Info().
		Str("worker_id", w.id).
		Dur("interval", w.cfg.TeardownWorkerInterval).
		Int("batch_size", w.cfg.TeardownWorkerBatchSize).
		Msg("teardown worker started")
}

// Stop halts the loop after the current lab settles. A destroy in
// flight is allowed to finish or time out; cutting it off mid-call
// would leave the row's terminal state unverified.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
	w.logger.Info().Msg("teardown worker stopped")
}

func (w *Worker) run() {
	defer close(w.doneCh)

	if w.cfg.TeardownWorkerStartupTick {
		// Sweep rows inherited from a previous process before the
		// first interval elapses.
		w.Tick(context.Background())
	}

	ticker := time.NewTicker(w.cfg.TeardownWorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Tick(context.Background())
		}
	}
}

// Tick claims one batch of ENDING labs and tears each down. Exported so
// the CLI and tests can force a sweep without waiting for the ticker.
func (w *Worker) Tick(ctx context.Context) {
	claimTTL := w.cfg.TeardownTimeout + claimGrace
	labs, err := w.store.ClaimEnding(w.id, w.cfg.TeardownWorkerBatchSize, claimTTL)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to claim ending labs")
		return
	}

	for i, lab := range labs {
		select {
		case <-w.stopCh:
			// Hand unprocessed claims back so a peer picks the rows up
			// immediately instead of waiting out the claim TTL.
			for _, rest := range labs[i:] {
				if err := w.store.ReleaseClaim(rest.ID, w.id); err != nil {
					w.logger.Warn().Err(err).Str("lab_id", rest.ID).Msg("failed to release claim on shutdown")
				}
			}
			return
		default:
		}
		w.teardown(ctx, lab)
	}
}

// teardown drives one claimed lab to FINISHED or FAILED. The claim is
// released on every path; rows that raced to a different status are
// left to their new owner.
func (w *Worker) teardown(ctx context.Context, lab *types.Lab) {
	start := time.Now()
	logger := w.logger.With().Str("lab_id", lab.ID).Str("runtime", string(lab.Runtime)).Logger()
	defer func() {
		if err := w.store.ReleaseClaim(lab.ID, w.id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Warn().Err(err).Msg("failed to release teardown claim")
		}
	}()
	defer func() {
		metrics.TeardownDuration.WithLabelValues(string(lab.Runtime)).Observe(time.Since(start).Seconds())
	}()

	// Deregister the remote-desktop connection first so nobody attaches
	// to a lab that is halfway gone. Best-effort: the gateway being
	// down never blocks a teardown.
	guacCtx, cancel := context.WithTimeout(ctx, deprovisionTimeout)
	if err := w.desktop.Deprovision(guacCtx, lab); err != nil {
		logger.Warn().Err(err).Msg("remote desktop deprovision failed")
	}
	cancel()

	backend, err := w.backends.Backend(lab.Runtime)
	if err != nil {
		logger.Error().Err(err).Msg("no backend for lab runtime")
		w.fail(lab, map[string]string{"teardown_error": "unknown runtime backend"}, logger)
		return
	}

	existsCtx, cancel := context.WithTimeout(ctx, w.cfg.TeardownTimeout)
	exists, err := backend.ResourcesExist(existsCtx, lab)
	cancel()
	if err != nil {
		// Cannot tell; destroying is the safe direction.
		logger.Warn().Err(err).Msg("resource check failed, destroying anyway")
		exists = true
	}
	if !exists {
		logger.Info().Msg("no resources left, finishing lab")
		w.finish(lab, "skipped", logger)
		return
	}

	destroyCtx, cancel := context.WithTimeout(ctx, w.cfg.TeardownTimeout)
	result, err := backend.DestroyLab(destroyCtx, lab)
	cancel()

	switch {
	case err != nil:
		w.fail(lab, map[string]string{
			"teardown_error": security.Sanitize(err.Error(), 512),
		}, logger)
	case !result.Success:
		w.fail(lab, map[string]string{
			"teardown_containers_remaining": strconv.Itoa(result.ContainersRemaining),
			"teardown_networks_remaining":   strconv.Itoa(result.NetworksRemaining),
		}, logger)
	default:
		w.finish(lab, "clean", logger)
	}
}

// finish moves an ENDING lab to FINISHED after its resources were
// verified gone.
func (w *Worker) finish(lab *types.Lab, outcome string, logger zerolog.Logger) {
	finished, err := w.store.TransitionLab(lab.ID,
		[]types.LabStatus{types.LabStatusEnding},
		types.LabStatusFinished,
		nil)
	if err != nil {
		w.logTransitionRace(logger, err, types.LabStatusFinished)
		return
	}

	settleTerminal(w.finalizer, w.allocator, finished, types.LabStatusFinished, logger)
	metrics.TeardownsTotal.WithLabelValues(string(lab.Runtime), outcome).Inc()
	logger.Info().Str("outcome", outcome).Msg("lab finished")
	w.publish(events.NewLabEvent(events.EventLabFinished, lab.ID, "lab finished"))
}

// fail moves an ENDING lab to FAILED when destroy errored or left
// resources behind. The row stays truthful: remaining counts go into
// runtime_meta in the same write as the status.
func (w *Worker) fail(lab *types.Lab, meta map[string]string, logger zerolog.Logger) {
	failed, err := w.store.TransitionLab(lab.ID,
		[]types.LabStatus{types.LabStatusEnding},
		types.LabStatusFailed,
		func(l *types.Lab) error {
			l.FailureReason = ReasonTeardownFailed
			mergeMeta(l, meta)
			return nil
		})
	if err != nil {
		w.logTransitionRace(logger, err, types.LabStatusFailed)
		return
	}

	settleTerminal(w.finalizer, w.allocator, failed, types.LabStatusFailed, logger)
	metrics.TeardownsTotal.WithLabelValues(string(lab.Runtime), "failed").Inc()
	logger.Error().Str("reason", ReasonTeardownFailed).Msg("teardown failed")
	w.publish(events.NewLabEvent(events.EventLabFailed, lab.ID, "teardown failed").
		WithMeta("reason", ReasonTeardownFailed))
}

func (w *Worker) logTransitionRace(logger zerolog.Logger, err error, to types.LabStatus) {
	if errors.Is(err, storage.ErrLabTerminal) || errors.Is(err, storage.ErrStatusConflict) {
		// The watchdog or a peer got the row first; their terminal
		// write already settled it.
		logger.Debug().Err(err).Str("target", string(to)).Msg("lab left ending before terminal write")
		return
	}
	logger.Error().Err(err).Str("target", string(to)).Msg("failed to write terminal status")
}

func (w *Worker) publish(event *events.Event) {
	if w.broker != nil {
		w.broker.Publish(event)
	}
}

// mergeMeta folds diagnostic entries into the lab's runtime metadata.
// Used inside transition mutate hooks so status and diagnostics land in
// one write.
func mergeMeta(lab *types.Lab, meta map[string]string) {
	if len(meta) == 0 {
		return
	}
	if lab.RuntimeMeta == nil {
		lab.RuntimeMeta = make(map[string]string, len(meta))
	}
	for k, v := range meta {
		lab.RuntimeMeta[k] = v
	}
}

// settleTerminal finalizes evidence and releases the port once a lab is
// terminal. Both steps are idempotent; failures are logged and swept up
// by the next GC pass.
func settleTerminal(fin *evidence.Finalizer, alloc *network.Allocator, lab *types.Lab, terminal types.LabStatus, logger zerolog.Logger) {
	finCtx, cancel := context.WithTimeout(context.Background(), evidenceTimeout)
	if _, err := fin.Finalize(finCtx, lab, terminal); err != nil {
		logger.Warn().Err(err).Msg("evidence finalization failed")
	}
	cancel()

	if err := alloc.Release(context.Background(), lab.ID); err != nil {
		logger.Warn().Err(err).Msg("failed to release port")
	}
}
