package allocation

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/tmshq/tms/internal/resource"
	"github.com/tmshq/tms/internal/sql"
)

type pgdb struct {
	*sql.DB
}

const allocationColumns = `
    allocation_id, runner_id, execution_id, cpu_allocation,
    memory_allocation, status, created_at, released_at`

// runnerCapacity is a runner's declared limit plus its live allocation
// count, read under a row lock so that two concurrent allocations to the
// same runner serialise.
type runnerCapacity struct {
	Status            string `db:"status"`
	HealthStatus      string `db:"health_status"`
	MaxConcurrentJobs int    `db:"max_concurrent_jobs"`
	Live              int    `db:"live"`
}

func (db *pgdb) lockRunner(ctx context.Context, runnerID resource.ID) (runnerCapacity, error) {
	// the row lock alone serialises concurrent allocations; the live count
	// is read in a second query inside the same transaction
	rows := db.Query(ctx, `
SELECT status, health_status, max_concurrent_jobs, 0 AS live
FROM runners
WHERE runner_id = $1
FOR UPDATE
`, runnerID)
	capacity, err := sql.CollectOneRow(rows, pgx.RowToStructByName[runnerCapacity])
	if err != nil {
		return runnerCapacity{}, err
	}
	live, err := db.Int(ctx, `
SELECT count(*)
FROM resource_allocations
WHERE runner_id = $1
AND   status = 'allocated'
`, runnerID)
	if err != nil {
		return runnerCapacity{}, err
	}
	capacity.Live = int(live)
	return capacity, nil
}

func (db *pgdb) create(ctx context.Context, a *Allocation) error {
	_, err := db.Exec(ctx, `
INSERT INTO resource_allocations (
    allocation_id,
    runner_id,
    execution_id,
    cpu_allocation,
    memory_allocation,
    status,
    created_at,
    released_at
) VALUES (
    @allocation_id,
    @runner_id,
    @execution_id,
    @cpu_allocation,
    @memory_allocation,
    @status,
    @created_at,
    @released_at
)`, pgx.NamedArgs{
		"allocation_id":     a.ID,
		"runner_id":         a.RunnerID,
		"execution_id":      a.ExecutionID,
		"cpu_allocation":    a.CPUAllocation,
		"memory_allocation": a.MemoryAllocation,
		"status":            a.Status,
		"created_at":        a.CreatedAt,
		"released_at":       a.ReleasedAt,
	})
	return err
}

// getLiveByExecution retrieves an execution's live allocation with a row
// lock.
func (db *pgdb) getLiveByExecution(ctx context.Context, executionID resource.ID) (*Allocation, error) {
	rows := db.Query(ctx, `
SELECT `+allocationColumns+`
FROM resource_allocations
WHERE execution_id = $1
AND   status IN ('allocated', 'exceeded')
FOR UPDATE
`, executionID)
	return sql.CollectOneRow(rows, scanAllocation)
}

func (db *pgdb) updateStatus(ctx context.Context, a *Allocation) error {
	_, err := db.Exec(ctx, `
UPDATE resource_allocations
SET status = @status,
    released_at = @released_at
WHERE allocation_id = @allocation_id
`, pgx.NamedArgs{
		"status":        a.Status,
		"released_at":   a.ReleasedAt,
		"allocation_id": a.ID,
	})
	return err
}

// listLiveByRunner retrieves a runner's live allocations, oldest first, with
// row locks.
func (db *pgdb) listLiveByRunner(ctx context.Context, runnerID resource.ID) ([]*Allocation, error) {
	rows := db.Query(ctx, `
SELECT `+allocationColumns+`
FROM resource_allocations
WHERE runner_id = $1
AND   status IN ('allocated', 'exceeded')
ORDER BY created_at ASC
FOR UPDATE
`, runnerID)
	return sql.CollectRows(rows, scanAllocation)
}

func (db *pgdb) listRunnerSummaries(ctx context.Context) ([]*RunnerSummary, error) {
	rows := db.Query(ctx, `
SELECT r.runner_id,
       r.max_concurrent_jobs,
       count(*) FILTER (WHERE a.status = 'allocated')::int AS allocated,
       count(*) FILTER (WHERE a.status = 'exceeded')::int AS exceeded
FROM runners r
LEFT JOIN resource_allocations a USING (runner_id)
GROUP BY r.runner_id, r.max_concurrent_jobs
ORDER BY r.runner_id
`)
	return sql.CollectRows(rows, pgx.RowToAddrOfStructByName[RunnerSummary])
}

func scanAllocation(row pgx.CollectableRow) (*Allocation, error) {
	return pgx.RowToAddrOfStructByName[Allocation](row)
}
