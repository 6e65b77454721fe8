package metrics

import (
	"strconv"
	"time"

	"github.com/cuemby/warren/pkg/manager"
)

// Collector periodically samples the manager's desired-state store and
// publishes gauge/counter values derived from it.
type Collector struct {
	manager *manager.Manager
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(mgr *manager.Manager) *Collector {
	return &Collector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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
	c.collectNodeMetrics()
	c.collectVMMetrics()
	c.collectNICMetrics()
	c.collectNetworkMetrics()
	c.collectVolumeMetrics()
	c.collectTemplateMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectNodeMetrics() {
	nodes, err := c.manager.ListNodes()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, node := range nodes {
		counts[string(node.Status)]++
	}
	for status, count := range counts {
		NodesTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectVMMetrics() {
	vms, err := c.manager.Store().ListVMs()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, vm := range vms {
		counts[string(vm.Status)]++
	}
	for status, count := range counts {
		VMsTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectNICMetrics() {
	nics, err := c.manager.Store().ListNICs()
	if err != nil {
		return
	}
	NICsTotal.Set(float64(len(nics)))
}

func (c *Collector) collectNetworkMetrics() {
	networks, err := c.manager.Store().ListNetworks()
	if err != nil {
		return
	}
	NetworksTotal.Set(float64(len(networks)))
}

func (c *Collector) collectVolumeMetrics() {
	volumes, err := c.manager.Store().ListVolumes()
	if err != nil {
		return
	}
	VolumesTotal.Set(float64(len(volumes)))
}

func (c *Collector) collectTemplateMetrics() {
	templates, err := c.manager.Store().ListTemplates()
	if err != nil {
		return
	}
	TemplatesTotal.Set(float64(len(templates)))
}

func (c *Collector) collectRaftMetrics() {
	if c.manager.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	if rev, err := c.manager.CurrentRevision(); err == nil {
		RevisionApplied.Set(float64(rev))
	}

	stats := c.manager.RaftStats()
	if stats == nil {
		return
	}
	if v, ok := stats["last_log_index"]; ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			RaftLogIndex.Set(float64(n))
		}
	}
	if v, ok := stats["applied_index"]; ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			RaftAppliedIndex.Set(float64(n))
		}
	}
}
