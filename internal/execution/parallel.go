package execution

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/pubsub"
	"github.com/tmshq/tms/internal/resource"
	"github.com/tmshq/tms/internal/sql"
)

type (
	// Shard is a shard execution together with its index within its parent.
	Shard struct {
		Execution
		ShardIndex int `json:"shard_index"`
	}

	// ShardRollup aggregates the progress of a parent's shards. Running
	// counts every shard not yet terminal.
	ShardRollup struct {
		TotalShards     int      `json:"total_shards"`
		CompletedShards int      `json:"completed_shards"`
		FailedShards    int      `json:"failed_shards"`
		RunningShards   int      `json:"running_shards"`
		Shards          []*Shard `json:"shards"`
	}

	// StatusSummary is the status of an execution; for a parallel parent it
	// additionally carries the shard rollup.
	StatusSummary struct {
		*Execution
		Rollup *ShardRollup `json:"rollup,omitempty"`
	}
)

// createParallel creates a parallel parent and its shard executions in one
// transaction: either the entire batch exists or none of it does. Each shard
// is a regular execution in its own right, queued for assignment like any
// other, inheriting the parent's runner preferences as its pinning hint.
func (s *Service) createParallel(ctx context.Context, opts CreateOptions) (*Execution, error) {
	shards := opts.ParallelShards
	if shards < 2 {
		return nil, internal.InvalidParameterError(
			fmt.Sprintf("parallel_shards must be at least 2, got %d", shards))
	}
	parent, err := newExecution(opts)
	if err != nil {
		return nil, err
	}
	parent.TotalShards = shards

	children := make([]*Execution, shards)
	err = s.db.Tx(ctx, func(ctx context.Context) error {
		if err := s.db.create(ctx, parent); err != nil {
			return err
		}
		for i := range shards {
			child, err := newExecution(CreateOptions{
				TestSuite:           opts.TestSuite,
				Environment:         opts.Environment,
				Priority:            opts.Priority,
				RequestedRunnerType: opts.RequestedRunnerType,
				RequestedRunnerID:   opts.RequestedRunnerID,
				EstimatedDuration:   opts.EstimatedDuration,
				TimeoutSeconds:      opts.TimeoutSeconds,
				Metadata:            opts.Metadata,
			})
			if err != nil {
				return err
			}
			if err := s.db.create(ctx, child); err != nil {
				return err
			}
			if err := s.db.insertShard(ctx, parent.ID, i, child.ID); err != nil {
				return err
			}
			children[i] = child
		}
		return nil
	})
	if err != nil {
		s.Error(err, "creating parallel execution", "execution", parent)
		return nil, err
	}
	s.V(0).Info("created parallel execution", "execution", parent)
	s.publish(pubsub.ExecutionQueued, parent)
	for _, child := range children {
		s.publish(pubsub.ExecutionQueued, child)
	}
	return parent, nil
}

// StatusSummary reports an execution's status; for a parallel parent the
// summary includes per-shard statuses and rollup counts.
func (s *Service) StatusSummary(ctx context.Context, id resource.ID) (*StatusSummary, error) {
	e, err := s.db.get(ctx, id)
	if err != nil {
		return nil, err
	}
	summary := &StatusSummary{Execution: e}
	if e.IsParent() {
		summary.Rollup, err = s.rollup(ctx, e)
		if err != nil {
			return nil, err
		}
	}
	return summary, nil
}

func (s *Service) rollup(ctx context.Context, parent *Execution) (*ShardRollup, error) {
	shards, err := s.db.listShards(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	return newShardRollup(parent.TotalShards, shards), nil
}

// newShardRollup counts shard progress. Running counts every shard not yet
// terminal; cancelled shards are terminal but counted as neither completed
// nor failed.
func newShardRollup(totalShards int, shards []*Shard) *ShardRollup {
	rollup := &ShardRollup{
		TotalShards: totalShards,
		Shards:      shards,
	}
	for _, shard := range shards {
		switch shard.Status {
		case Completed:
			rollup.CompletedShards++
		case Failed:
			rollup.FailedShards++
		default:
			if !shard.Status.IsTerminal() {
				rollup.RunningShards++
			}
		}
	}
	return rollup
}

// HandleShardResult applies a runner callback to one shard of a parallel
// parent. Finish runs the aggregate completion check, so a callback for the
// last outstanding shard completes the parent.
func (s *Service) HandleShardResult(ctx context.Context, parentID, shardID resource.ID, to Status, results *Results) error {
	belongs, err := s.db.shardBelongsTo(ctx, parentID, shardID)
	if err != nil {
		return err
	}
	if !belongs {
		return fmt.Errorf("%w: execution %s is not a shard of %s", internal.ErrResourceNotFound, shardID, parentID)
	}
	switch to {
	case Running:
		_, err = s.Start(ctx, shardID)
	case Completed, Failed:
		_, err = s.Finish(ctx, shardID, to, results)
	default:
		return internal.ErrInvalidStateTransition
	}
	return err
}

// checkParent runs the aggregate completion check for the parent of the
// given shard, if it has one: once every shard is terminal the parent
// completes, its results summing the shard results. Shard failures and
// cancellations surface in the aggregate counts rather than failing the
// parent; judging partial failure is left to the caller.
func (s *Service) checkParent(ctx context.Context, shardID resource.ID) error {
	parentID, found, err := s.db.parentOf(ctx, shardID)
	if err != nil || !found {
		return err
	}
	parent, err := s.db.get(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Status.IsTerminal() {
		return nil
	}
	rollup, err := s.rollup(ctx, parent)
	if err != nil {
		return err
	}
	if rollup.RunningShards > 0 {
		return nil
	}
	_, err = s.finishParent(ctx, parentID, Completed, sumResults(rollup.Shards))
	return err
}

// cancelShards cancels every non-terminal shard of a parent. Called after the
// parent itself is cancelled.
func (s *Service) cancelShards(ctx context.Context, parentID resource.ID) error {
	shards, err := s.db.listShards(ctx, parentID)
	if err != nil {
		return err
	}
	for _, shard := range shards {
		if shard.Status.IsTerminal() {
			continue
		}
		if _, err := s.Cancel(ctx, shard.ID); err != nil {
			return err
		}
	}
	return nil
}

func sumResults(shards []*Shard) *Results {
	sum := &Results{}
	for _, shard := range shards {
		if shard.Results == nil {
			continue
		}
		sum.Total += shard.Results.Total
		sum.Passed += shard.Results.Passed
		sum.Failed += shard.Results.Failed
		sum.Skipped += shard.Results.Skipped
		if shard.Results.Duration > sum.Duration {
			// shards run concurrently so the slowest shard bounds the elapsed
			// time
			sum.Duration = shard.Results.Duration
		}
		sum.Artifacts = append(sum.Artifacts, shard.Results.Artifacts...)
	}
	return sum
}

func (db *pgdb) insertShard(ctx context.Context, parentID resource.ID, index int, shardID resource.ID) error {
	_, err := db.Exec(ctx, `
INSERT INTO execution_shards (parent_execution_id, shard_index, execution_id)
VALUES (@parent_execution_id, @shard_index, @execution_id)
`, pgx.NamedArgs{
		"parent_execution_id": parentID,
		"shard_index":         index,
		"execution_id":        shardID,
	})
	return err
}

func (db *pgdb) listShards(ctx context.Context, parentID resource.ID) ([]*Shard, error) {
	rows := db.Query(ctx, `
SELECT `+executionColumns+`, s.shard_index
FROM execution_shards s
JOIN executions USING (execution_id)
WHERE s.parent_execution_id = $1
ORDER BY s.shard_index
`, parentID)
	return sql.CollectRows(rows, pgx.RowToAddrOfStructByName[Shard])
}

// parentOf looks up the parallel parent of an execution, reporting false if
// the execution is not a shard.
func (db *pgdb) parentOf(ctx context.Context, shardID resource.ID) (resource.ID, bool, error) {
	rows := db.Query(ctx, `
SELECT parent_execution_id
FROM execution_shards
WHERE execution_id = $1
`, shardID)
	parentID, err := sql.CollectOneRow(rows, pgx.RowTo[resource.ID])
	if err != nil {
		if sql.NoRows(err) {
			return resource.EmptyID, false, nil
		}
		return resource.EmptyID, false, err
	}
	return parentID, true, nil
}

func (db *pgdb) shardBelongsTo(ctx context.Context, parentID, shardID resource.ID) (bool, error) {
	rows := db.Query(ctx, `
SELECT count(*)
FROM execution_shards
WHERE parent_execution_id = $1
AND   execution_id = $2
`, parentID, shardID)
	n, err := sql.CollectOneRow(rows, pgx.RowTo[int64])
	return n > 0, err
}
