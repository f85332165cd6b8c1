package evidence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

// BackendResolver resolves the backend a lab was created on. Satisfied
// by the runtime selector; tests plug in a map-backed resolver.
type BackendResolver interface {
	Backend(kind types.RuntimeKind) (runtime.LabRuntime, error)
}

// Finalizer decides the evidence state of a lab entering a terminal
// status. The decision is made by counting artifacts that actually exist
// on disk or in volumes, never by assuming collection worked:
//
//	logs >= 1 and pcaps >= 1  ->  READY
//	exactly one class  > 0    ->  PARTIAL
//	nothing, or count failed  ->  UNAVAILABLE
//
// Finalization also stamps the retention deadline. Failed labs keep
// their artifacts for a shorter window than finished ones; they exist
// for debugging, not for grading.
type Finalizer struct {
	store    storage.Store
	backends BackendResolver
	broker   *events.Broker
	logger   zerolog.Logger

	retentionFinished time.Duration
	retentionFailed   time.Duration
}

// NewFinalizer creates a finalizer. The broker may be nil in CLI paths
// that run without an event bus.
func NewFinalizer(cfg *config.Config, store storage.Store, backends BackendResolver, broker *events.Broker) *Finalizer {
	return &Finalizer{
		store:             store,
		backends:          backends,
		broker:            broker,
		logger:            log.WithComponent("evidence"),
		retentionFinished: cfg.EvidenceRetention,
		retentionFailed:   cfg.EvidenceRetentionFailed,
	}
}

// Finalize counts the lab's artifacts and writes the evidence decision.
// It is idempotent: a lab whose evidence is already finalized is
// returned unchanged, so racing callers (worker, watchdog, provisioner
// rollback) cannot flip an earlier honest answer.
func (f *Finalizer) Finalize(ctx context.Context, lab *types.Lab, terminal types.LabStatus) (*types.Lab, error) {
	if !lab.Evidence.FinalizedAt.IsZero() {
		return lab, nil
	}

	logs, pcaps, countErr := f.countArtifacts(ctx, lab)
	state := decideState(logs, pcaps, countErr)

	now := time.Now().UTC()
	window := f.retentionFinished
	if terminal == types.LabStatusFailed {
		window = f.retentionFailed
	}

	updated, err := f.store.UpdateLabEvidence(lab.ID, func(ev *types.Evidence) error {
		if !ev.FinalizedAt.IsZero() {
			// Another finalizer won the race inside the store; keep its
			// decision.
			return nil
		}
		ev.State = state
		ev.TerminalLogs = logs
		ev.PcapFiles = pcaps
		ev.FinalizedAt = now
		ev.ExpiresAt = now.Add(window)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logEvent := f.logger.Info().
		Str("lab_id", lab.ID).
		Str("state", string(updated.Evidence.State)).
		Int("terminal_logs", updated.Evidence.TerminalLogs).
		Int("pcap_files", updated.Evidence.PcapFiles)
	if countErr != nil {
		logEvent = logEvent.Err(countErr)
	}
	logEvent.Msg("evidence finalized")

	f.publish(events.NewLabEvent(events.EventEvidenceFinalized, lab.ID, "evidence finalized").
		WithMeta("state", string(updated.Evidence.State)))

	return updated, nil
}

// countArtifacts asks the lab's own backend what exists. A backend that
// cannot count (or an unknown backend kind) yields an error, which
// decideState turns into UNAVAILABLE.
func (f *Finalizer) countArtifacts(ctx context.Context, lab *types.Lab) (int, int, error) {
	backend, err := f.backends.Backend(lab.Runtime)
	if err != nil {
		return 0, 0, err
	}
	prober, ok := backend.(runtime.EvidenceProber)
	if !ok {
		return 0, 0, runtime.ErrUnknownRuntime
	}
	return prober.CountArtifacts(ctx, lab)
}

func (f *Finalizer) publish(event *events.Event) {
	if f.broker != nil {
		f.broker.Publish(event)
	}
}

func decideState(logs, pcaps int, countErr error) types.EvidenceState {
	if countErr != nil {
		return types.EvidenceUnavailable
	}
	switch {
	case logs > 0 && pcaps > 0:
		return types.EvidenceReady
	case logs > 0 || pcaps > 0:
		return types.EvidencePartial
	default:
		return types.EvidenceUnavailable
	}
}
