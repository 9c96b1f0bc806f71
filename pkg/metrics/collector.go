package metrics

import (
	"context"
	"time"

	"github.com/calyptra/drover/pkg/storage"
	"github.com/calyptra/drover/pkg/types"
)

// Collector periodically snapshots store state into the gauges.
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
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectRunMetrics(ctx)
	c.collectQueueMetrics(ctx)
	c.collectHostMetrics(ctx)
}

func (c *Collector) collectRunMetrics(ctx context.Context) {
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return
	}

	runCounts := make(map[types.RunStatus]int)
	for _, run := range runs {
		runCounts[run.Status]++
	}
	for status, count := range runCounts {
		RunsTotal.WithLabelValues(string(status)).Set(float64(count))
	}

	jobCounts := make(map[types.JobStatus]int)
	for _, run := range runs {
		jobs, err := c.store.ListJobsByRun(ctx, run.ID)
		if err != nil {
			continue
		}
		for _, job := range jobs {
			jobCounts[job.Status]++
		}
	}
	for status, count := range jobCounts {
		JobsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectQueueMetrics(ctx context.Context) {
	pending, err := c.store.ListQueueItems(ctx, types.QueuePending)
	if err != nil {
		return
	}
	QueueDepth.Set(float64(len(pending)))
}

func (c *Collector) collectHostMetrics(ctx context.Context) {
	hosts, err := c.store.ListWorkerHosts(ctx)
	if err != nil {
		return
	}

	healthy, unhealthy := 0, 0
	gpusAvailable := 0
	for _, host := range hosts {
		if host.Healthy {
			healthy++
		} else {
			unhealthy++
		}
		gpus, err := c.store.ListGPUStatesByHost(ctx, host.ID)
		if err != nil {
			continue
		}
		for _, gpu := range gpus {
			if gpu.Available {
				gpusAvailable++
			}
		}
	}

	HostsTotal.WithLabelValues("true").Set(float64(healthy))
	HostsTotal.WithLabelValues("false").Set(float64(unhealthy))
	GPUsAvailable.Set(float64(gpusAvailable))
}
