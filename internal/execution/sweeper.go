package execution

import (
	"context"
	"time"

	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/logr"
)

const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically force-fails executions that are still running past
// their deadline. It is the only component permitted to fail an execution
// without a webhook from its runner, covering runners that die mid-run and
// never call back.
type Sweeper struct {
	logr.Logger

	executions *Service
	interval   time.Duration
}

func NewSweeper(logger logr.Logger, svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		Logger:     logger.WithValues("component", "sweeper"),
		executions: svc,
		interval:   interval,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				s.Error(err, "sweeping timed out executions")
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) error {
	expired, err := s.executions.db.listExpired(ctx, internal.CurrentTimestamp(nil))
	if err != nil {
		return err
	}
	for _, e := range expired {
		s.V(0).Info("execution deadline elapsed", "execution", e, "timeout_at", e.TimeoutAt)
		if err := s.executions.forceFail(ctx, e.ID); err != nil {
			s.Error(err, "force-failing execution", "execution", e)
		}
	}
	return nil
}
