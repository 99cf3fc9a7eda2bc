package allocation

import (
	"context"
	"fmt"

	"github.com/tmshq/tms/internal/logr"
	"github.com/tmshq/tms/internal/resource"
	"github.com/tmshq/tms/internal/sql"
)

type (
	Service struct {
		logr.Logger

		db *pgdb
	}

	Options struct {
		logr.Logger
		*sql.DB
	}
)

func NewService(opts Options) *Service {
	return &Service{
		Logger: opts.Logger,
		db:     &pgdb{opts.DB},
	}
}

// Allocate reserves capacity on a runner for an execution. The runner's row
// is locked for the duration of the transaction, so concurrent allocations
// to the same runner serialise and cannot overshoot max_concurrent_jobs:
// exactly one of two races for the last slot succeeds.
func (s *Service) Allocate(ctx context.Context, runnerID, executionID resource.ID) error {
	return s.db.Tx(ctx, func(ctx context.Context) error {
		capacity, err := s.db.lockRunner(ctx, runnerID)
		if err != nil {
			return err
		}
		if capacity.Status != "active" || capacity.HealthStatus == "unhealthy" {
			return fmt.Errorf("%w: %s", ErrRunnerIneligible, runnerID)
		}
		if capacity.Live >= capacity.MaxConcurrentJobs {
			return fmt.Errorf("%w: %s has %d of %d jobs", ErrRunnerAtCapacity,
				runnerID, capacity.Live, capacity.MaxConcurrentJobs)
		}
		a := newAllocation(runnerID, executionID)
		if err := s.db.create(ctx, a); err != nil {
			return err
		}
		s.V(1).Info("allocated runner capacity", "allocation", a)
		return nil
	})
}

// Release hands back the capacity held by an execution. Releasing an
// execution that holds no live allocation is a no-op, so release is safe to
// call from every terminal transition.
func (s *Service) Release(ctx context.Context, executionID resource.ID) error {
	return s.db.Tx(ctx, func(ctx context.Context) error {
		a, err := s.db.getLiveByExecution(ctx, executionID)
		if err != nil {
			if sql.NoRows(err) {
				return nil
			}
			return err
		}
		a.release()
		if err := s.db.updateStatus(ctx, a); err != nil {
			return err
		}
		s.V(1).Info("released runner capacity", "allocation", a)
		return nil
	})
}

// Optimize recomputes a runner's allocations against its declared capacity:
// live allocations beyond the limit are flagged exceeded, newest first, and
// flagged rows back within the limit are restored. A signal only; no work is
// preempted.
func (s *Service) Optimize(ctx context.Context, runnerID resource.ID) error {
	return s.db.Tx(ctx, func(ctx context.Context) error {
		capacity, err := s.db.lockRunner(ctx, runnerID)
		if err != nil {
			return err
		}
		live, err := s.db.listLiveByRunner(ctx, runnerID)
		if err != nil {
			return err
		}
		for i, a := range live {
			want := Allocated
			if i >= capacity.MaxConcurrentJobs {
				want = Exceeded
			}
			if a.Status == want {
				continue
			}
			a.Status = want
			if err := s.db.updateStatus(ctx, a); err != nil {
				return err
			}
			s.V(0).Info("reflagged allocation", "allocation", a)
		}
		return nil
	})
}

// SystemSummary aggregates allocation and exceeded counts across all
// runners, for health reporting.
func (s *Service) SystemSummary(ctx context.Context) (*SystemSummary, error) {
	runners, err := s.db.listRunnerSummaries(ctx)
	if err != nil {
		return nil, err
	}
	summary := &SystemSummary{Runners: runners}
	for _, r := range runners {
		summary.TotalAllocated += r.Allocated
		summary.TotalExceeded += r.Exceeded
	}
	return summary, nil
}
