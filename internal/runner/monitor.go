package runner

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/logr"
	"github.com/tmshq/tms/internal/metric"
	"github.com/tmshq/tms/internal/resource"
)

const (
	DefaultProbeInterval = 30 * time.Second
	probeTimeout         = 10 * time.Second
)

type (
	// monitor probes each runner's health check endpoint on an interval and
	// folds the outcomes into the registry. It writes only health fields;
	// assignment state is untouched.
	monitor struct {
		logr.Logger

		runners monitorClient
		metrics probeRecorder
		client  *retryablehttp.Client

		interval time.Duration
	}

	monitorClient interface {
		List(ctx context.Context) ([]*Runner, error)
		recordHealthProbe(ctx context.Context, id resource.ID, ok bool) (*Runner, error)
	}

	probeRecorder interface {
		Record(ctx context.Context, sample metric.Sample)
	}
)

func newMonitor(logger logr.Logger, runners monitorClient, metrics probeRecorder, interval time.Duration) *monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 1
	client.HTTPClient.Timeout = probeTimeout
	client.Logger = nil
	return &monitor{
		Logger:   logger.WithValues("component", "health-monitor"),
		runners:  runners,
		metrics:  metrics,
		client:   client,
		interval: interval,
	}
}

// Start runs the probe loop until the context is cancelled. Should be
// invoked in a go routine.
func (m *monitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.probeAll(ctx); err != nil {
				m.Error(err, "probing runners")
			}
		}
	}
}

func (m *monitor) probeAll(ctx context.Context) error {
	runners, err := m.runners.List(ctx)
	if err != nil {
		return err
	}
	for _, r := range runners {
		// only active runners are probed; runners without a health check
		// url keep unknown health
		if r.Status != Active || r.HealthCheckURL == "" {
			continue
		}
		started := internal.CurrentTimestamp(nil)
		ok := m.probe(ctx, r)
		if m.metrics != nil {
			m.metrics.Record(ctx, metric.Sample{
				RunnerID:    &r.ID,
				MetricType:  metric.HealthProbeTime,
				MetricValue: time.Since(started).Seconds(),
			})
		}
		updated, err := m.runners.recordHealthProbe(ctx, r.ID, ok)
		if err != nil {
			m.Error(err, "recording health probe", "runner", r)
			continue
		}
		if !ok {
			m.V(1).Info("health probe failed", "runner", updated,
				"consecutive_failures", updated.ConsecutiveFailures)
		}
	}
	return nil
}

func (m *monitor) probe(ctx context.Context, r *Runner) bool {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", r.HealthCheckURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
}
