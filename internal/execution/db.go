package execution

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tmshq/tms/internal/resource"
	"github.com/tmshq/tms/internal/sql"
)

type pgdb struct {
	*sql.DB
}

const executionColumns = `
    execution_id, test_suite, environment, priority, status,
    requested_runner_type, requested_runner_id, assigned_runner_id,
    estimated_duration, retry_count, retry_of, total_shards, metadata,
    results, created_at, assigned_at, started_at, completed_at, timeout_at`

func (db *pgdb) create(ctx context.Context, e *Execution) error {
	_, err := db.Exec(ctx, `
INSERT INTO executions (
    execution_id,
    test_suite,
    environment,
    priority,
    status,
    requested_runner_type,
    requested_runner_id,
    assigned_runner_id,
    estimated_duration,
    retry_count,
    retry_of,
    total_shards,
    metadata,
    results,
    created_at,
    assigned_at,
    started_at,
    completed_at,
    timeout_at
) VALUES (
    @execution_id,
    @test_suite,
    @environment,
    @priority,
    @status,
    @requested_runner_type,
    @requested_runner_id,
    @assigned_runner_id,
    @estimated_duration,
    @retry_count,
    @retry_of,
    @total_shards,
    @metadata,
    @results,
    @created_at,
    @assigned_at,
    @started_at,
    @completed_at,
    @timeout_at
)`, pgx.NamedArgs{
		"execution_id":          e.ID,
		"test_suite":            e.TestSuite,
		"environment":           e.Environment,
		"priority":              e.Priority,
		"status":                e.Status,
		"requested_runner_type": e.RequestedRunnerType,
		"requested_runner_id":   e.RequestedRunnerID,
		"assigned_runner_id":    e.AssignedRunnerID,
		"estimated_duration":    e.EstimatedDuration,
		"retry_count":           e.RetryCount,
		"retry_of":              e.RetryOf,
		"total_shards":          e.TotalShards,
		"metadata":              e.Metadata,
		"results":               e.Results,
		"created_at":            e.CreatedAt,
		"assigned_at":           e.AssignedAt,
		"started_at":            e.StartedAt,
		"completed_at":          e.CompletedAt,
		"timeout_at":            e.TimeoutAt,
	})
	return err
}

func (db *pgdb) get(ctx context.Context, id resource.ID) (*Execution, error) {
	rows := db.Query(ctx, `
SELECT `+executionColumns+`
FROM executions
WHERE execution_id = $1
`, id)
	return sql.CollectOneRow(rows, scanExecution)
}

func (db *pgdb) list(ctx context.Context, opts ListOptions) ([]*Execution, error) {
	rows := db.Query(ctx, `
SELECT `+executionColumns+`
FROM executions
WHERE (($1::text IS NULL) OR status = $1)
AND   (($2::text IS NULL) OR environment = $2)
AND   (($3::text IS NULL) OR test_suite = $3)
ORDER BY priority DESC, created_at ASC
`,
		opts.Status,
		opts.Environment,
		opts.TestSuite,
	)
	return sql.CollectRows(rows, scanExecution)
}

// listQueued returns queued, non-parent executions in assignment order:
// priority descending, oldest first.
func (db *pgdb) listQueued(ctx context.Context) ([]*Execution, error) {
	rows := db.Query(ctx, `
SELECT `+executionColumns+`
FROM executions
WHERE status = 'queued'
AND   total_shards = 0
ORDER BY priority DESC, created_at ASC
`)
	return sql.CollectRows(rows, scanExecution)
}

// update retrieves the execution with a row lock, applies fn and writes the
// modified execution back, all within a transaction. Every status transition
// goes through here, enforcing single-writer semantics.
func (db *pgdb) update(ctx context.Context, id resource.ID, fn func(context.Context, *Execution) error) (*Execution, error) {
	return sql.Updater(
		ctx,
		db.DB,
		func(ctx context.Context, conn sql.Connection) (*Execution, error) {
			rows := db.Query(ctx, `
SELECT `+executionColumns+`
FROM executions
WHERE execution_id = $1
FOR UPDATE
`, id)
			return sql.CollectOneRow(rows, scanExecution)
		},
		fn,
		func(ctx context.Context, conn sql.Connection, e *Execution) error {
			_, err := db.Exec(ctx, `
UPDATE executions
SET status = @status,
    assigned_runner_id = @assigned_runner_id,
    results = @results,
    assigned_at = @assigned_at,
    started_at = @started_at,
    completed_at = @completed_at
WHERE execution_id = @execution_id
`, pgx.NamedArgs{
				"status":             e.Status,
				"assigned_runner_id": e.AssignedRunnerID,
				"results":            e.Results,
				"assigned_at":        e.AssignedAt,
				"started_at":         e.StartedAt,
				"completed_at":       e.CompletedAt,
				"execution_id":       e.ID,
			})
			return err
		},
	)
}

// listExpired returns executions still running past their deadline as of the
// given time.
func (db *pgdb) listExpired(ctx context.Context, now time.Time) ([]*Execution, error) {
	rows := db.Query(ctx, `
SELECT `+executionColumns+`
FROM executions
WHERE status = 'running'
AND   timeout_at IS NOT NULL
AND   timeout_at < $1
`, now)
	return sql.CollectRows(rows, scanExecution)
}

// queuedAge returns the average time in seconds queued executions have been
// waiting.
func (db *pgdb) queuedAge(ctx context.Context, now time.Time) (float64, error) {
	rows := db.Query(ctx, `
SELECT coalesce(avg(extract(epoch FROM ($1 - created_at))), 0)
FROM executions
WHERE status = 'queued'
`, now)
	return sql.CollectOneRow(rows, pgx.RowTo[float64])
}

func scanExecution(row pgx.CollectableRow) (*Execution, error) {
	e, err := pgx.RowToAddrOfStructByName[Execution](row)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}
