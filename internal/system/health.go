// Package system reports aggregate daemon health: queue wait, runner health
// ratio and resource allocation pressure folded into one status.
package system

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/tmshq/tms/internal/allocation"
	"github.com/tmshq/tms/internal/api"
	"github.com/tmshq/tms/internal/logr"
	"github.com/tmshq/tms/internal/metric"
	"github.com/tmshq/tms/internal/runner"
)

// DefaultQueueWaitThreshold is the average queue wait beyond which the
// system reports degraded.
const DefaultQueueWaitThreshold = 5 * time.Minute

// Runner health ratio thresholds: below the first the system is degraded,
// below the second unhealthy.
const (
	degradedHealthRatio  = 0.8
	unhealthyHealthRatio = 0.5
)

type HealthState string

const (
	Healthy   HealthState = "healthy"
	Degraded  HealthState = "degraded"
	Unhealthy HealthState = "unhealthy"
)

type (
	Report struct {
		Status HealthState `json:"status"`
		// Ratio of healthy runners to runners expected to be healthy.
		RunnerHealthRatio float64 `json:"runner_health_ratio"`
		ActiveRunners     int     `json:"active_runners"`
		HealthyRunners    int     `json:"healthy_runners"`
		// Average time queued executions have been waiting.
		AverageQueueWaitSeconds float64                   `json:"average_queue_wait_seconds"`
		Resources               *allocation.SystemSummary `json:"resources"`
		Metrics                 []*metric.Summary         `json:"metrics"`
	}

	Service struct {
		logr.Logger

		executions  executionClient
		runners     runnerClient
		allocations allocationClient
		metrics     metricClient

		queueWaitThreshold time.Duration
	}

	Options struct {
		logr.Logger

		Executions  executionClient
		Runners     runnerClient
		Allocations allocationClient
		Metrics     metricClient

		QueueWaitThreshold time.Duration
	}

	executionClient interface {
		AverageQueueWait(ctx context.Context) (time.Duration, error)
	}

	runnerClient interface {
		List(ctx context.Context) ([]*runner.Runner, error)
	}

	allocationClient interface {
		SystemSummary(ctx context.Context) (*allocation.SystemSummary, error)
	}

	metricClient interface {
		Summarize(ctx context.Context) ([]*metric.Summary, error)
	}
)

func NewService(opts Options) *Service {
	svc := &Service{
		Logger:             opts.Logger,
		executions:         opts.Executions,
		runners:            opts.Runners,
		allocations:        opts.Allocations,
		metrics:            opts.Metrics,
		queueWaitThreshold: opts.QueueWaitThreshold,
	}
	if svc.queueWaitThreshold <= 0 {
		svc.queueWaitThreshold = DefaultQueueWaitThreshold
	}
	return svc
}

func (s *Service) AddHandlers(r *mux.Router) {
	r.HandleFunc("/system/health", s.healthHandler).Methods("GET")
}

// Health assembles the aggregate health report. Runners with unknown health
// count towards the expected total but not the healthy total; a system with
// no active runners and a non-empty queue is unhealthy.
func (s *Service) Health(ctx context.Context) (*Report, error) {
	runners, err := s.runners.List(ctx)
	if err != nil {
		return nil, err
	}
	wait, err := s.executions.AverageQueueWait(ctx)
	if err != nil {
		return nil, err
	}
	resources, err := s.allocations.SystemSummary(ctx)
	if err != nil {
		return nil, err
	}
	summaries, err := s.metrics.Summarize(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		AverageQueueWaitSeconds: wait.Seconds(),
		Resources:               resources,
		Metrics:                 summaries,
	}
	for _, r := range runners {
		if r.Status != runner.Active {
			continue
		}
		report.ActiveRunners++
		if r.HealthStatus != runner.Unhealthy {
			report.HealthyRunners++
		}
	}
	report.RunnerHealthRatio = 1
	if report.ActiveRunners > 0 {
		report.RunnerHealthRatio = float64(report.HealthyRunners) / float64(report.ActiveRunners)
	}

	switch {
	case report.ActiveRunners == 0 && wait > 0:
		// nothing can drain the queue
		report.Status = Unhealthy
	case report.RunnerHealthRatio < unhealthyHealthRatio:
		report.Status = Unhealthy
	case report.RunnerHealthRatio < degradedHealthRatio:
		report.Status = Degraded
	case wait > s.queueWaitThreshold:
		report.Status = Degraded
	default:
		report.Status = Healthy
	}
	return report, nil
}

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.Health(r.Context())
	if err != nil {
		s.Error(err, "assembling health report")
		api.Error(w, err)
		return
	}
	status := http.StatusOK
	if report.Status == Unhealthy {
		status = http.StatusServiceUnavailable
	}
	api.JSON(w, status, report)
}
