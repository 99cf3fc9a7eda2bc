package rule

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/tmshq/tms/internal/resource"
	"github.com/tmshq/tms/internal/sql"
)

type pgdb struct {
	*sql.DB
}

const ruleColumns = `
    rule_id, name, rule_type, test_suite_pattern, environment_pattern,
    runner_type_filter, priority, active, rule_config, created_at`

func (db *pgdb) create(ctx context.Context, r *Rule) error {
	_, err := db.Exec(ctx, `
INSERT INTO load_balancing_rules (
    rule_id,
    name,
    rule_type,
    test_suite_pattern,
    environment_pattern,
    runner_type_filter,
    priority,
    active,
    rule_config,
    created_at
) VALUES (
    @rule_id,
    @name,
    @rule_type,
    @test_suite_pattern,
    @environment_pattern,
    @runner_type_filter,
    @priority,
    @active,
    @rule_config,
    @created_at
)`, pgx.NamedArgs{
		"rule_id":             r.ID,
		"name":                r.Name,
		"rule_type":           r.Type,
		"test_suite_pattern":  r.TestSuitePattern,
		"environment_pattern": r.EnvironmentPattern,
		"runner_type_filter":  r.RunnerTypeFilter,
		"priority":            r.Priority,
		"active":              r.Active,
		"rule_config":         r.Config,
		"created_at":          r.CreatedAt,
	})
	return err
}

func (db *pgdb) get(ctx context.Context, id resource.ID) (*Rule, error) {
	rows := db.Query(ctx, `
SELECT `+ruleColumns+`
FROM load_balancing_rules
WHERE rule_id = $1
`, id)
	return sql.CollectOneRow(rows, scanRule)
}

func (db *pgdb) list(ctx context.Context) ([]*Rule, error) {
	rows := db.Query(ctx, `
SELECT `+ruleColumns+`
FROM load_balancing_rules
ORDER BY priority DESC, created_at ASC
`)
	return sql.CollectRows(rows, scanRule)
}

func (db *pgdb) listActive(ctx context.Context) ([]*Rule, error) {
	rows := db.Query(ctx, `
SELECT `+ruleColumns+`
FROM load_balancing_rules
WHERE active
ORDER BY priority DESC, created_at ASC
`)
	return sql.CollectRows(rows, scanRule)
}

func (db *pgdb) update(ctx context.Context, id resource.ID, fn func(context.Context, *Rule) error) (*Rule, error) {
	return sql.Updater(
		ctx,
		db.DB,
		func(ctx context.Context, conn sql.Connection) (*Rule, error) {
			rows := db.Query(ctx, `
SELECT `+ruleColumns+`
FROM load_balancing_rules
WHERE rule_id = $1
FOR UPDATE
`, id)
			return sql.CollectOneRow(rows, scanRule)
		},
		fn,
		func(ctx context.Context, conn sql.Connection, r *Rule) error {
			_, err := db.Exec(ctx, `
UPDATE load_balancing_rules
SET priority = $1,
    active = $2,
    rule_config = $3
WHERE rule_id = $4
`,
				r.Priority,
				r.Active,
				r.Config,
				r.ID,
			)
			return err
		},
	)
}

func (db *pgdb) delete(ctx context.Context, id resource.ID) (*Rule, error) {
	r, err := db.get(ctx, id)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(ctx, `
DELETE
FROM load_balancing_rules
WHERE rule_id = $1
`, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func scanRule(row pgx.CollectableRow) (*Rule, error) {
	r, err := pgx.RowToAddrOfStructByName[Rule](row)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}
