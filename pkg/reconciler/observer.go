package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/health"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

// probeTimeout bounds a single health probe cycle per lab.
const probeTimeout = 10 * time.Second

// Observer keeps the READY/DEGRADED split honest. It probes each
// running lab's published endpoint on an interval; a lab that stops
// answering for enough consecutive sweeps turns DEGRADED, and one that
// answers again recovers to READY. The observer never ends labs:
// expiry belongs to the GC and teardown to the worker.
type Observer struct {
	cfg    *config.Config
	store  storage.Store
	prober *health.Prober
	broker *events.Broker
	logger zerolog.Logger

	// failures counts consecutive probe failures per lab. Touched only
	// by the observer goroutine (and by tests driving sweep directly).
	failures map[string]int

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewObserver creates a health observer. Call Start to begin sweeping.
func NewObserver(cfg *config.Config, store storage.Store, prober *health.Prober, broker *events.Broker) *Observer {
	return &Observer{
		cfg:      cfg,
		store:    store,
		prober:   prober,
		broker:   broker,
		logger:   log.WithComponent("observer"),
		failures: make(map[string]int),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (o *Observer) Start() {
	go o.run()
	o.logger.Info().
		Dur("interval", o.cfg.HealthObserverInterval).
		Int("failure_threshold", o.cfg.HealthObserverFailures).
		Msg("health observer started")
}

// Stop halts the loop after the current sweep completes.
func (o *Observer) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	<-o.doneCh
	o.logger.Info().Msg("health observer stopped")
}

func (o *Observer) run() {
	defer close(o.doneCh)

	ticker := time.NewTicker(o.cfg.HealthObserverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.sweep(context.Background())
		}
	}
}

// sweep probes every READY and DEGRADED lab once and applies the
// resulting transitions.
func (o *Observer) sweep(ctx context.Context) {
	labs, err := o.store.ListLabsByStatus(types.LabStatusReady, types.LabStatusDegraded)
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to list labs for health sweep")
		return
	}

	probed := make(map[string]bool, len(labs))
	for _, lab := range labs {
		if lab.Port <= 0 {
			continue
		}
		probed[lab.ID] = true

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := o.prober.Probe(probeCtx, o.cfg.BindHost, lab.Port)
		cancel()

		if err != nil {
			o.failures[lab.ID]++
			if lab.Status == types.LabStatusReady && o.failures[lab.ID] >= o.cfg.HealthObserverFailures {
				o.degrade(lab, err)
			}
			continue
		}

		o.failures[lab.ID] = 0
		if lab.Status == types.LabStatusDegraded {
			o.restore(lab)
		}
	}

	// Forget counters for labs that left the probed set.
	for id := range o.failures {
		if !probed[id] {
			delete(o.failures, id)
		}
	}
}

func (o *Observer) degrade(lab *types.Lab, cause error) {
	if _, err := o.store.TransitionLab(lab.ID,
		[]types.LabStatus{types.LabStatusReady},
		types.LabStatusDegraded,
		nil); err != nil {
		// Raced with a stop or expiry; the counter goes away when the
		// lab leaves the probed set.
		o.logger.Debug().Err(err).Str("lab_id", lab.ID).Msg("degrade lost a status race")
		return
	}

	o.logger.Warn().
		Str("lab_id", lab.ID).
		Int("consecutive_failures", o.failures[lab.ID]).
		Str("cause", security.Sanitize(cause.Error(), 256)).
		Msg("lab degraded")
	o.publish(events.NewLabEvent(events.EventLabDegraded, lab.ID, "lab stopped answering its endpoint"))
}

func (o *Observer) restore(lab *types.Lab) {
	if _, err := o.store.TransitionLab(lab.ID,
		[]types.LabStatus{types.LabStatusDegraded},
		types.LabStatusReady,
		nil); err != nil {
		o.logger.Debug().Err(err).Str("lab_id", lab.ID).Msg("recovery lost a status race")
		return
	}

	o.logger.Info().Str("lab_id", lab.ID).Msg("lab recovered")
	o.publish(events.NewLabEvent(events.EventLabRecovered, lab.ID, "lab answering again"))
}

func (o *Observer) publish(event *events.Event) {
	if o.broker != nil {
		o.broker.Publish(event)
	}
}
