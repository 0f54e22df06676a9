package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/luckiday/dreamgaussian-api/pkg/logging"
	"github.com/luckiday/dreamgaussian-api/pkg/models"
	"github.com/luckiday/dreamgaussian-api/pkg/store"
)

const collectTimeout = 5 * time.Second

// jobsCollector reports the durable job counts on every scrape
type jobsCollector struct {
	store  store.StatusStore
	logger *logging.Logger
	desc   *prometheus.Desc
}

func newJobsCollector(s store.StatusStore, logger *logging.Logger) *jobsCollector {
	return &jobsCollector{
		store:  s,
		logger: logger,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs"),
			"Jobs in the store by state",
			[]string{"state"}, nil,
		),
	}
}

func (c *jobsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *jobsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		c.logger.Warn("Failed to count jobs for metrics", map[string]interface{}{"error": err.Error()})
		return
	}
	// Every state is exported, even at zero
	for _, state := range models.AllStatuses() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[state]), string(state))
	}
}

// hostCollector samples CPU and memory of the machine running the stages
type hostCollector struct {
	cpuDesc   *prometheus.Desc
	memUsed   *prometheus.Desc
	memAvail  *prometheus.Desc
	cpuSample func() ([]float64, error)
	memSample func() (*mem.VirtualMemoryStat, error)
}

func newHostCollector() *hostCollector {
	return &hostCollector{
		cpuDesc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "host", "cpu_percent"), "Host CPU utilisation since the previous scrape", nil, nil),
		memUsed:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "host", "memory_used_bytes"), "Host memory in use", nil, nil),
		memAvail: prometheus.NewDesc(prometheus.BuildFQName(namespace, "host", "memory_available_bytes"), "Host memory available", nil, nil),
		cpuSample: func() ([]float64, error) {
			return cpu.Percent(0, false)
		},
		memSample: mem.VirtualMemory,
	}
}

func (c *hostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuDesc
	ch <- c.memUsed
	ch <- c.memAvail
}

func (c *hostCollector) Collect(ch chan<- prometheus.Metric) {
	if pct, err := c.cpuSample(); err == nil && len(pct) > 0 {
		ch <- prometheus.MustNewConstMetric(c.cpuDesc, prometheus.GaugeValue, pct[0])
	}
	if vm, err := c.memSample(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.memUsed, prometheus.GaugeValue, float64(vm.Used))
		ch <- prometheus.MustNewConstMetric(c.memAvail, prometheus.GaugeValue, float64(vm.Available))
	}
}
