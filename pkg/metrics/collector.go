package metrics

import (
	"time"

	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

// Collector periodically derives gauge values from the lab store
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectLabMetrics()
	c.collectPortMetrics()
}

func (c *Collector) collectLabMetrics() {
	labs, err := c.store.ListLabs()
	if err != nil {
		return
	}

	statusCounts := make(map[types.LabStatus]int)
	runtimeCounts := make(map[types.RuntimeKind]int)
	evidenceCounts := make(map[types.EvidenceState]int)

	for _, lab := range labs {
		statusCounts[lab.Status]++
		if !lab.Status.Terminal() {
			runtimeCounts[lab.Runtime]++
		}
		evidenceCounts[lab.Evidence.State]++
	}

	// Zero-fill so statuses that empty out drop back to 0 instead of
	// holding their last value.
	for _, status := range types.AllLabStatuses() {
		LabsByStatus.WithLabelValues(string(status)).Set(float64(statusCounts[status]))
	}
	for _, kind := range types.AllRuntimeKinds() {
		LabsByRuntime.WithLabelValues(string(kind)).Set(float64(runtimeCounts[kind]))
	}
	for _, state := range types.AllEvidenceStates() {
		EvidenceByState.WithLabelValues(string(state)).Set(float64(evidenceCounts[state]))
	}
}

func (c *Collector) collectPortMetrics() {
	bindings, err := c.store.PortBindings()
	if err != nil {
		return
	}

	PortsInUse.Set(float64(len(bindings)))
}
