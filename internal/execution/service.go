package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/logr"
	"github.com/tmshq/tms/internal/pubsub"
	"github.com/tmshq/tms/internal/resource"
	"github.com/tmshq/tms/internal/sql"
)

type (
	Service struct {
		logr.Logger

		db     store
		broker *pubsub.Broker[*Execution]

		allocations allocationClient

		api *apiHandlers
	}

	// store is the persistence surface the service depends on, implemented
	// by pgdb.
	store interface {
		Tx(ctx context.Context, fn func(context.Context) error) error
		create(ctx context.Context, e *Execution) error
		get(ctx context.Context, id resource.ID) (*Execution, error)
		list(ctx context.Context, opts ListOptions) ([]*Execution, error)
		listQueued(ctx context.Context) ([]*Execution, error)
		listExpired(ctx context.Context, now time.Time) ([]*Execution, error)
		queuedAge(ctx context.Context, now time.Time) (float64, error)
		update(ctx context.Context, id resource.ID, fn func(context.Context, *Execution) error) (*Execution, error)
		insertShard(ctx context.Context, parentID resource.ID, index int, shardID resource.ID) error
		listShards(ctx context.Context, parentID resource.ID) ([]*Shard, error)
		shardBelongsTo(ctx context.Context, parentID, shardID resource.ID) (bool, error)
		parentOf(ctx context.Context, shardID resource.ID) (resource.ID, bool, error)
	}

	Options struct {
		logr.Logger
		*sql.DB

		Allocations allocationClient
	}

	// allocationClient is the subset of the allocation tracker the execution
	// service depends on. Allocate performs the capacity check against the
	// runner's declared limits and reserves a slot; Release frees it.
	allocationClient interface {
		Allocate(ctx context.Context, runnerID, executionID resource.ID) error
		Release(ctx context.Context, executionID resource.ID) error
	}

	// ListOptions filters the executions returned by List.
	ListOptions struct {
		Status      *Status `schema:"status"`
		Environment *string `schema:"environment"`
		TestSuite   *string `schema:"testSuite"`
	}
)

func NewService(opts Options) *Service {
	svc := &Service{
		Logger:      opts.Logger,
		db:          &pgdb{opts.DB},
		broker:      pubsub.NewBroker[*Execution](opts.Logger),
		allocations: opts.Allocations,
	}
	svc.api = &apiHandlers{svc}
	return svc
}

// Create submits a new execution request to the queue and publishes an event
// notifying subscribers, chief among them the assigner.
func (s *Service) Create(ctx context.Context, opts CreateOptions) (*Execution, error) {
	if opts.ParallelShards > 1 {
		return s.createParallel(ctx, opts)
	}
	e, err := newExecution(opts)
	if err != nil {
		s.Error(err, "creating execution")
		return nil, err
	}
	if err := s.db.create(ctx, e); err != nil {
		s.Error(err, "creating execution", "execution", e)
		return nil, err
	}
	s.V(1).Info("created execution", "execution", e)
	s.publish(pubsub.ExecutionQueued, e)
	return e, nil
}

func (s *Service) Get(ctx context.Context, id resource.ID) (*Execution, error) {
	e, err := s.db.get(ctx, id)
	if err != nil {
		s.Error(err, "retrieving execution", "execution_id", id)
		return nil, err
	}
	return e, nil
}

func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Execution, error) {
	return s.db.list(ctx, opts)
}

// ListQueued lists queued executions awaiting assignment, highest priority
// first. Parallel parents are excluded: their shards are queued in their own
// right.
func (s *Service) ListQueued(ctx context.Context) ([]*Execution, error) {
	return s.db.listQueued(ctx)
}

// AverageQueueWait reports how long queued executions have been waiting on
// average, for health reporting.
func (s *Service) AverageQueueWait(ctx context.Context) (time.Duration, error) {
	seconds, err := s.db.queuedAge(ctx, internal.CurrentTimestamp(nil))
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Watch subscribes the caller to a stream of execution events.
func (s *Service) Watch(name string) (<-chan pubsub.Event[*Execution], func()) {
	return s.broker.Subscribe(name)
}

// Allocate atomically assigns a queued execution to a runner: the execution
// moves to assigned and a resource allocation is reserved against the runner,
// in one transaction. If the runner is at capacity or ineligible the
// transaction rolls back and the execution remains queued.
func (s *Service) Allocate(ctx context.Context, executionID, runnerID resource.ID) (*Execution, error) {
	var e *Execution
	err := s.db.Tx(ctx, func(ctx context.Context) error {
		var err error
		e, err = s.db.update(ctx, executionID, func(ctx context.Context, e *Execution) error {
			return e.assign(runnerID)
		})
		if err != nil {
			return err
		}
		return s.allocations.Allocate(ctx, runnerID, executionID)
	})
	if err != nil {
		return nil, err
	}
	s.V(1).Info("assigned execution", "execution", e)
	s.publish(pubsub.ExecutionAssigned, e)
	return e, nil
}

// Start moves an assigned execution to running, on receipt of a progress
// report from its runner. Starting an already terminal execution is a no-op.
func (s *Service) Start(ctx context.Context, id resource.ID) (*Execution, error) {
	e, err := s.updateIgnoringTerminal(ctx, id, func(ctx context.Context, e *Execution) error {
		return e.start()
	})
	if err != nil || e == nil {
		return e, err
	}
	s.V(1).Info("started execution", "execution", e)
	s.publish(pubsub.ExecutionStarted, e)
	return e, nil
}

// Finish moves an execution to completed or failed, recording the runner's
// results and releasing its resource allocation. Finishing an already
// terminal execution is a no-op, protecting against webhook redelivery. A
// finished execution may be a shard: once its siblings are all terminal the
// parent completes, regardless of which path finished the last shard
// (webhook, cancel, or timeout sweep). The parent check also runs on the
// no-op path so a redelivered webhook heals a parent stranded by an earlier
// transient failure.
func (s *Service) Finish(ctx context.Context, id resource.ID, to Status, results *Results) (*Execution, error) {
	var e *Execution
	err := s.db.Tx(ctx, func(ctx context.Context) error {
		var err error
		e, err = s.updateIgnoringTerminal(ctx, id, func(ctx context.Context, e *Execution) error {
			return e.finish(to, results)
		})
		if err != nil || e == nil {
			return err
		}
		return s.allocations.Release(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if e != nil {
		s.V(1).Info("finished execution", "execution", e)
		switch to {
		case Completed:
			s.publish(pubsub.ExecutionCompleted, e)
		case Failed:
			s.publish(pubsub.ExecutionFailed, e)
		}
	}
	if err := s.checkParent(ctx, id); err != nil {
		return nil, err
	}
	return e, nil
}

// Cancel marks an execution cancelled. Cancellation is cooperative: work
// already dispatched to a runner is not retracted, and the runner's late
// completion webhook is discarded as a no-op. An allocation held by the
// execution is released.
func (s *Service) Cancel(ctx context.Context, id resource.ID) (*Execution, error) {
	var e *Execution
	var hadRunner bool
	err := s.db.Tx(ctx, func(ctx context.Context) error {
		var err error
		e, err = s.db.update(ctx, id, func(ctx context.Context, e *Execution) error {
			if e.IsParent() {
				return e.finishParent(Cancelled)
			}
			hadRunner = e.AssignedRunnerID != nil
			return e.cancel()
		})
		if err != nil {
			return err
		}
		if hadRunner {
			return s.allocations.Release(ctx, id)
		}
		return nil
	})
	if err != nil {
		s.Error(err, "cancelling execution", "execution_id", id)
		return nil, err
	}
	s.V(0).Info("cancelled execution", "execution", e)
	s.publish(pubsub.ExecutionCancelled, e)
	if e.IsParent() {
		// cooperative fan-out: cancel whichever shards are still in flight
		if err := s.cancelShards(ctx, id); err != nil {
			s.Error(err, "cancelling shards", "execution", e)
		}
	} else if err := s.checkParent(ctx, id); err != nil {
		// the cancellation itself stands; a failed parent check is healed by
		// the next shard callback or a redelivery
		s.Error(err, "checking parent aggregate", "execution_id", id)
	}
	return e, nil
}

// Retry creates a new execution from a terminal one, preserving its
// configuration and recording the lineage. The new execution joins the back
// of the queue like any other.
func (s *Service) Retry(ctx context.Context, id resource.ID) (*Execution, error) {
	original, err := s.db.get(ctx, id)
	if err != nil {
		return nil, err
	}
	re, err := original.retry()
	if err != nil {
		s.Error(err, "retrying execution", "execution", original)
		return nil, err
	}
	if err := s.db.create(ctx, re); err != nil {
		s.Error(err, "retrying execution", "execution", original)
		return nil, err
	}
	s.V(0).Info("retried execution", "execution", re, "retry_of", id)
	s.publish(pubsub.ExecutionQueued, re)
	return re, nil
}

// createShard persists a pre-constructed shard execution. Used by the
// parallel coordinator, which creates an entire batch of shards within a
// single transaction.
func (s *Service) createShard(ctx context.Context, e *Execution) error {
	return s.db.create(ctx, e)
}

// finishParent moves a parallel parent to its aggregate terminal status once
// all of its shards have finished.
func (s *Service) finishParent(ctx context.Context, id resource.ID, to Status, results *Results) (*Execution, error) {
	e, err := s.updateIgnoringTerminal(ctx, id, func(ctx context.Context, e *Execution) error {
		if err := e.finishParent(to); err != nil {
			return err
		}
		e.Results = results
		return nil
	})
	if err != nil || e == nil {
		return e, err
	}
	s.V(0).Info("finished parallel execution", "execution", e)
	switch to {
	case Completed:
		s.publish(pubsub.ExecutionCompleted, e)
	case Failed:
		s.publish(pubsub.ExecutionFailed, e)
	case Cancelled:
		s.publish(pubsub.ExecutionCancelled, e)
	}
	return e, nil
}

// updateIgnoringTerminal applies fn under a row lock, treating a transition
// attempted on an already terminal execution as a no-op rather than an error.
// Returns a nil execution when the no-op case is taken.
func (s *Service) updateIgnoringTerminal(ctx context.Context, id resource.ID, fn func(context.Context, *Execution) error) (*Execution, error) {
	var noop bool
	e, err := s.db.update(ctx, id, func(ctx context.Context, e *Execution) error {
		if e.Status.IsTerminal() {
			noop = true
			return errTerminalNoop
		}
		return fn(ctx, e)
	})
	if noop {
		s.V(1).Info("ignoring transition for terminal execution", "execution_id", id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// errTerminalNoop aborts an updater transaction without surfacing an error to
// the caller.
var errTerminalNoop = errors.New("execution already terminal")

func (s *Service) publish(t pubsub.EventType, e *Execution) {
	s.broker.Publish(pubsub.Event[*Execution]{Type: t, Payload: e})
}

// forceFail fails a running execution whose deadline has elapsed. Only the
// timeout sweeper calls this; it is the one path permitted to fail an
// execution without a webhook from its runner.
func (s *Service) forceFail(ctx context.Context, id resource.ID) error {
	_, err := s.Finish(ctx, id, Failed, nil)
	if err != nil {
		return fmt.Errorf("force-failing timed out execution %s: %w", id, err)
	}
	return nil
}
