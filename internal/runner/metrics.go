package runner

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const scrapeTimeout = 5 * time.Second

// metricsCollector exports per-runner gauges, reading the registry at scrape
// time so the gauges cannot drift from the store.
type metricsCollector struct {
	svc *Service

	currentJobs *prometheus.Desc
	maxJobs     *prometheus.Desc
	healthy     *prometheus.Desc
}

// NewMetricsCollector constructs a prometheus collector reporting per-runner
// job counts and health.
func NewMetricsCollector(svc *Service) prometheus.Collector {
	return &metricsCollector{
		svc: svc,
		currentJobs: prometheus.NewDesc(
			"tms_runner_current_jobs",
			"Number of executions currently allocated to the runner.",
			[]string{"runner_id", "name"}, nil),
		maxJobs: prometheus.NewDesc(
			"tms_runner_max_concurrent_jobs",
			"Runner's declared concurrent job capacity.",
			[]string{"runner_id", "name"}, nil),
		healthy: prometheus.NewDesc(
			"tms_runner_healthy",
			"Whether the runner's last health probe succeeded.",
			[]string{"runner_id", "name"}, nil),
	}
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.currentJobs
	ch <- c.maxJobs
	ch <- c.healthy
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	runners, err := c.svc.List(ctx)
	if err != nil {
		c.svc.Error(err, "collecting runner metrics")
		return
	}
	for _, r := range runners {
		labels := []string{r.ID.String(), r.Name}
		ch <- prometheus.MustNewConstMetric(c.currentJobs, prometheus.GaugeValue,
			float64(r.CurrentJobs), labels...)
		ch <- prometheus.MustNewConstMetric(c.maxJobs, prometheus.GaugeValue,
			float64(r.MaxConcurrentJobs), labels...)
		var healthy float64
		if r.HealthStatus == Healthy {
			healthy = 1
		}
		ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue,
			healthy, labels...)
	}
}
