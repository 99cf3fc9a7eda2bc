package runner

import (
	"context"
	"time"

	"github.com/gorilla/mux"
	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/logr"
	"github.com/tmshq/tms/internal/pubsub"
	"github.com/tmshq/tms/internal/resource"
	"github.com/tmshq/tms/internal/sql"
)

type (
	Service struct {
		logr.Logger

		db     *pgdb
		broker *pubsub.Broker[*Runner]

		optimizer optimizerClient

		api *apiHandlers
	}

	Options struct {
		logr.Logger
		*sql.DB

		Optimizer optimizerClient
	}

	// optimizerClient re-evaluates a runner's allocations against its
	// declared capacity, flagging any beyond it.
	optimizerClient interface {
		Optimize(ctx context.Context, runnerID resource.ID) error
	}
)

func NewService(opts Options) *Service {
	svc := &Service{
		Logger:    opts.Logger,
		db:        &pgdb{opts.DB},
		broker:    pubsub.NewBroker[*Runner](opts.Logger),
		optimizer: opts.Optimizer,
	}
	svc.api = &apiHandlers{svc}
	return svc
}

func (s *Service) AddHandlers(r *mux.Router) {
	s.api.addHandlers(r)
}

// Register adds a runner to the registry. It starts active with unknown
// health; the health monitor determines its health from the first probe.
func (s *Service) Register(ctx context.Context, opts RegisterOptions) (*Runner, error) {
	r, err := newRunner(opts)
	if err != nil {
		s.Error(err, "registering runner")
		return nil, err
	}
	if err := s.db.create(ctx, r); err != nil {
		s.Error(err, "registering runner", "runner", r)
		return nil, err
	}
	s.V(0).Info("registered runner", "runner", r)
	s.broker.Publish(pubsub.NewCreatedEvent(r))
	return r, nil
}

func (s *Service) Get(ctx context.Context, id resource.ID) (*Runner, error) {
	r, err := s.db.get(ctx, id)
	if err != nil {
		s.Error(err, "retrieving runner", "runner_id", id)
		return nil, err
	}
	return r, nil
}

func (s *Service) List(ctx context.Context) ([]*Runner, error) {
	return s.db.list(ctx)
}

// ListEligible lists runners eligible for assignment: active and not known
// to be unhealthy. Capacity is not considered here.
func (s *Service) ListEligible(ctx context.Context) ([]*Runner, error) {
	return s.db.listEligible(ctx)
}

// Update applies a partial update restricted to the allow-list of mutable
// fields. Runners are never hard-deleted; decommissioning is an update to
// the inactive status.
func (s *Service) Update(ctx context.Context, id resource.ID, opts UpdateOptions) (*Runner, error) {
	r, err := s.db.update(ctx, id, func(ctx context.Context, r *Runner) error {
		return r.update(opts)
	})
	if err != nil {
		s.Error(err, "updating runner", "runner_id", id)
		return nil, err
	}
	s.V(1).Info("updated runner", "runner", r)
	s.broker.Publish(pubsub.NewUpdatedEvent(r))
	if opts.MaxConcurrentJobs != nil && s.optimizer != nil {
		if err := s.optimizer.Optimize(ctx, id); err != nil {
			s.Error(err, "optimizing allocations after capacity change", "runner_id", id)
		}
	}
	return r, nil
}

// NewAssigner constructs the assigner subsystem, which binds queued
// executions to runners from this registry.
func (s *Service) NewAssigner(executions assignerExecutionClient, rules assignerRuleClient, interval time.Duration) *assigner {
	return newAssigner(s.Logger, executions, s, rules, interval)
}

// NewMonitor constructs the health monitor subsystem, which probes the
// registry's runners.
func (s *Service) NewMonitor(metrics probeRecorder, interval time.Duration) *monitor {
	return newMonitor(s.Logger, s, metrics, interval)
}

// Watch subscribes the caller to a stream of runner events.
func (s *Service) Watch(name string) (<-chan pubsub.Event[*Runner], func()) {
	return s.broker.Subscribe(name)
}

// recordHealthProbe persists the outcome of one health probe. Only the
// health monitor calls this. An event is published only when the derived
// health status changes, sparing subscribers a refresh per probe.
func (s *Service) recordHealthProbe(ctx context.Context, id resource.ID, ok bool) (*Runner, error) {
	var changed bool
	r, err := s.db.update(ctx, id, func(ctx context.Context, r *Runner) error {
		before := r.HealthStatus
		r.recordHealthProbe(ok, internal.CurrentTimestamp(nil))
		changed = before != r.HealthStatus
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.V(0).Info("runner health changed", "runner", r)
		s.broker.Publish(pubsub.NewUpdatedEvent(r))
	}
	return r, nil
}
