package runner

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/tmshq/tms/internal/resource"
	"github.com/tmshq/tms/internal/sql"
)

type pgdb struct {
	*sql.DB
}

// current_jobs is never stored; it is derived from live allocations so the
// two can not drift apart.
const runnerColumns = `
    r.runner_id, r.name, r.runner_type, r.endpoint_url, r.webhook_url,
    r.health_check_url, r.capabilities, r.max_concurrent_jobs, r.priority,
    r.status, r.health_status, r.consecutive_failures, r.last_health_check,
    r.created_at,
    (SELECT count(*)
     FROM resource_allocations a
     WHERE a.runner_id = r.runner_id
     AND   a.status = 'allocated')::int AS current_jobs`

func (db *pgdb) create(ctx context.Context, r *Runner) error {
	_, err := db.Exec(ctx, `
INSERT INTO runners (
    runner_id,
    name,
    runner_type,
    endpoint_url,
    webhook_url,
    health_check_url,
    capabilities,
    max_concurrent_jobs,
    priority,
    status,
    health_status,
    consecutive_failures,
    last_health_check,
    created_at
) VALUES (
    @runner_id,
    @name,
    @runner_type,
    @endpoint_url,
    @webhook_url,
    @health_check_url,
    @capabilities,
    @max_concurrent_jobs,
    @priority,
    @status,
    @health_status,
    @consecutive_failures,
    @last_health_check,
    @created_at
)`, pgx.NamedArgs{
		"runner_id":            r.ID,
		"name":                 r.Name,
		"runner_type":          r.Type,
		"endpoint_url":         r.EndpointURL,
		"webhook_url":          r.WebhookURL,
		"health_check_url":     r.HealthCheckURL,
		"capabilities":         r.Capabilities,
		"max_concurrent_jobs":  r.MaxConcurrentJobs,
		"priority":             r.Priority,
		"status":               r.Status,
		"health_status":        r.HealthStatus,
		"consecutive_failures": r.ConsecutiveFailures,
		"last_health_check":    r.LastHealthCheck,
		"created_at":           r.CreatedAt,
	})
	return err
}

func (db *pgdb) get(ctx context.Context, id resource.ID) (*Runner, error) {
	rows := db.Query(ctx, `
SELECT `+runnerColumns+`
FROM runners r
WHERE r.runner_id = $1
`, id)
	return sql.CollectOneRow(rows, scanRunner)
}

func (db *pgdb) list(ctx context.Context) ([]*Runner, error) {
	rows := db.Query(ctx, `
SELECT `+runnerColumns+`
FROM runners r
ORDER BY r.priority DESC, r.runner_id ASC
`)
	return sql.CollectRows(rows, scanRunner)
}

// listEligible returns runners the assigner may consider: active and not
// known to be unhealthy, in deterministic order.
func (db *pgdb) listEligible(ctx context.Context) ([]*Runner, error) {
	rows := db.Query(ctx, `
SELECT `+runnerColumns+`
FROM runners r
WHERE r.status = 'active'
AND   r.health_status <> 'unhealthy'
ORDER BY r.priority DESC, r.runner_id ASC
`)
	return sql.CollectRows(rows, scanRunner)
}

// update retrieves the runner with a row lock, applies fn and writes the
// mutable fields back, within a transaction.
func (db *pgdb) update(ctx context.Context, id resource.ID, fn func(context.Context, *Runner) error) (*Runner, error) {
	return sql.Updater(
		ctx,
		db.DB,
		func(ctx context.Context, conn sql.Connection) (*Runner, error) {
			rows := db.Query(ctx, `
SELECT `+runnerColumns+`
FROM runners r
WHERE r.runner_id = $1
FOR UPDATE OF r
`, id)
			return sql.CollectOneRow(rows, scanRunner)
		},
		fn,
		func(ctx context.Context, conn sql.Connection, r *Runner) error {
			_, err := db.Exec(ctx, `
UPDATE runners
SET name = @name,
    runner_type = @runner_type,
    endpoint_url = @endpoint_url,
    webhook_url = @webhook_url,
    health_check_url = @health_check_url,
    capabilities = @capabilities,
    max_concurrent_jobs = @max_concurrent_jobs,
    priority = @priority,
    status = @status,
    health_status = @health_status,
    consecutive_failures = @consecutive_failures,
    last_health_check = @last_health_check
WHERE runner_id = @runner_id
`, pgx.NamedArgs{
				"name":                 r.Name,
				"runner_type":          r.Type,
				"endpoint_url":         r.EndpointURL,
				"webhook_url":          r.WebhookURL,
				"health_check_url":     r.HealthCheckURL,
				"capabilities":         r.Capabilities,
				"max_concurrent_jobs":  r.MaxConcurrentJobs,
				"priority":             r.Priority,
				"status":               r.Status,
				"health_status":        r.HealthStatus,
				"consecutive_failures": r.ConsecutiveFailures,
				"last_health_check":    r.LastHealthCheck,
				"runner_id":            r.ID,
			})
			return err
		},
	)
}

func scanRunner(row pgx.CollectableRow) (*Runner, error) {
	r, err := pgx.RowToAddrOfStructByName[Runner](row)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}
