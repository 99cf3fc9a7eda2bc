// Package rule contains the load balancing rules that bias the assignment of
// executions to runners.
package rule

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gobwas/glob"
	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/resource"
)

type Type string

const (
	// RoundRobin cycles through matching runners in turn.
	RoundRobin Type = "round-robin"
	// Weighted picks among matching runners with probability proportional to
	// their priority.
	Weighted Type = "weighted"
	// Pinned directs matching executions at a single configured runner.
	Pinned Type = "pinned"
)

type (
	// Rule is a pattern-matching policy that influences which runner an
	// execution is assigned to. Rules are read-only at assignment time;
	// ordering by priority descending determines precedence and the first
	// matching active rule wins.
	Rule struct {
		ID resource.ID `json:"id" db:"rule_id"`
		// Descriptive name.
		Name string `json:"name"`
		// Runner-selection strategy the rule applies.
		Type Type `json:"rule_type" db:"rule_type"`
		// Glob patterns; an empty pattern is a wildcard.
		TestSuitePattern   string `json:"test_suite_pattern"`
		EnvironmentPattern string `json:"environment_pattern"`
		// Restricts candidate runners to this type. Empty means any type.
		RunnerTypeFilter string `json:"runner_type_filter"`
		// Precedence; higher is evaluated first.
		Priority int  `json:"priority"`
		Active   bool `json:"active"`
		// Strategy-specific parameters.
		Config    Config    `json:"rule_config" db:"rule_config"`
		CreatedAt time.Time `json:"created_at"`
	}

	// Config holds strategy-specific rule parameters.
	Config struct {
		// RunnerID is the target of a pinned rule.
		RunnerID *resource.ID `json:"runner_id,omitempty"`
		// Advisory relaxes a pin: when the pinned runner is ineligible the
		// assigner may fall back to the default strategy instead of leaving
		// the execution queued.
		Advisory bool `json:"advisory,omitempty"`
	}

	CreateOptions struct {
		Name               string          `json:"name"`
		Type               Type            `json:"rule_type"`
		TestSuitePattern   string          `json:"test_suite_pattern"`
		EnvironmentPattern string          `json:"environment_pattern"`
		RunnerTypeFilter   string          `json:"runner_type_filter"`
		Priority           int             `json:"priority"`
		Active             *bool           `json:"active"`
		Config             json.RawMessage `json:"rule_config"`
	}

	// UpdateOptions is the allow-list of mutable rule fields. A nil field
	// leaves the current value unchanged.
	UpdateOptions struct {
		Priority *int            `json:"priority"`
		Active   *bool           `json:"active"`
		Config   json.RawMessage `json:"rule_config"`
	}
)

func newRule(opts CreateOptions) (*Rule, error) {
	if err := resource.ValidateName(&opts.Name); err != nil {
		return nil, err
	}
	switch opts.Type {
	case RoundRobin, Weighted, Pinned:
	default:
		return nil, internal.InvalidParameterError("unknown rule type: " + string(opts.Type))
	}
	r := &Rule{
		ID:                 resource.NewID(resource.RuleKind),
		Name:               opts.Name,
		Type:               opts.Type,
		TestSuitePattern:   opts.TestSuitePattern,
		EnvironmentPattern: opts.EnvironmentPattern,
		RunnerTypeFilter:   opts.RunnerTypeFilter,
		Priority:           opts.Priority,
		Active:             true,
		CreatedAt:          internal.CurrentTimestamp(nil),
	}
	if opts.Active != nil {
		r.Active = *opts.Active
	}
	if opts.Config != nil {
		if err := json.Unmarshal(opts.Config, &r.Config); err != nil {
			return nil, internal.InvalidParameterError("malformed rule_config: " + err.Error())
		}
	}
	if r.Type == Pinned && r.Config.RunnerID == nil {
		return nil, internal.InvalidParameterError("pinned rule requires rule_config.runner_id")
	}
	// reject malformed patterns upfront rather than at assignment time
	for _, pattern := range []string{r.TestSuitePattern, r.EnvironmentPattern} {
		if pattern == "" {
			continue
		}
		if _, err := glob.Compile(pattern); err != nil {
			return nil, internal.InvalidParameterError("malformed pattern: " + pattern)
		}
	}
	return r, nil
}

func (r *Rule) update(opts UpdateOptions) error {
	if opts.Priority != nil {
		r.Priority = *opts.Priority
	}
	if opts.Active != nil {
		r.Active = *opts.Active
	}
	if opts.Config != nil {
		var cfg Config
		if err := json.Unmarshal(opts.Config, &cfg); err != nil {
			return internal.InvalidParameterError("malformed rule_config: " + err.Error())
		}
		r.Config = cfg
	}
	return nil
}

// Matches reports whether the rule applies to an execution of the given test
// suite and environment. An unset pattern matches anything.
func (r *Rule) Matches(testSuite, environment string) bool {
	return matchPattern(r.TestSuitePattern, testSuite) &&
		matchPattern(r.EnvironmentPattern, environment)
}

// MatchesRunnerType reports whether a runner of the given type is a candidate
// under this rule.
func (r *Rule) MatchesRunnerType(runnerType string) bool {
	return r.RunnerTypeFilter == "" || r.RunnerTypeFilter == runnerType
}

func matchPattern(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		// malformed patterns are rejected at creation; treat as non-match
		return false
	}
	return g.Match(value)
}

func (r *Rule) String() string { return r.ID.String() }

func (r *Rule) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", r.ID.String()),
		slog.String("name", r.Name),
		slog.String("type", string(r.Type)),
		slog.Int("priority", r.Priority),
		slog.Bool("active", r.Active),
	)
}
