package rule

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/resource"
)

func TestNewRule(t *testing.T) {
	t.Run("defaults to active", func(t *testing.T) {
		r, err := newRule(CreateOptions{Name: "smoke-rule", Type: RoundRobin})
		require.NoError(t, err)
		assert.True(t, r.Active)
		assert.Equal(t, resource.RuleKind, r.ID.Kind)
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := newRule(CreateOptions{Type: RoundRobin})
		assert.ErrorIs(t, err, internal.ErrRequiredName)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := newRule(CreateOptions{Name: "r1", Type: "sticky"})
		assert.Error(t, err)
	})

	t.Run("pinned rule requires target runner", func(t *testing.T) {
		_, err := newRule(CreateOptions{Name: "r1", Type: Pinned})
		assert.Error(t, err)
	})

	t.Run("pinned rule with target runner", func(t *testing.T) {
		cfg, err := json.Marshal(Config{RunnerID: internal.Ptr(resource.NewID(resource.RunnerKind))})
		require.NoError(t, err)
		r, err := newRule(CreateOptions{Name: "r1", Type: Pinned, Config: cfg})
		require.NoError(t, err)
		assert.NotNil(t, r.Config.RunnerID)
	})

	t.Run("malformed pattern", func(t *testing.T) {
		_, err := newRule(CreateOptions{Name: "r1", Type: RoundRobin, TestSuitePattern: "[unterminated"})
		assert.Error(t, err)
	})
}

func TestRule_Matches(t *testing.T) {
	tests := []struct {
		name        string
		rule        Rule
		testSuite   string
		environment string
		want        bool
	}{
		{
			name: "exact match",
			rule: Rule{TestSuitePattern: "smoke", EnvironmentPattern: "staging"},

			testSuite:   "smoke",
			environment: "staging",
			want:        true,
		},
		{
			name:        "glob match",
			rule:        Rule{TestSuitePattern: "smoke-*", EnvironmentPattern: "stag*"},
			testSuite:   "smoke-api",
			environment: "staging",
			want:        true,
		},
		{
			name:        "unset patterns are wildcards",
			rule:        Rule{},
			testSuite:   "anything",
			environment: "anywhere",
			want:        true,
		},
		{
			name:        "environment mismatch",
			rule:        Rule{TestSuitePattern: "smoke", EnvironmentPattern: "production"},
			testSuite:   "smoke",
			environment: "staging",
			want:        false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Matches(tt.testSuite, tt.environment))
		})
	}
}

func TestRule_MatchesRunnerType(t *testing.T) {
	r := Rule{RunnerTypeFilter: "playwright"}
	assert.True(t, r.MatchesRunnerType("playwright"))
	assert.False(t, r.MatchesRunnerType("selenium"))

	unfiltered := Rule{}
	assert.True(t, unfiltered.MatchesRunnerType("anything"))
}

func TestRule_update(t *testing.T) {
	r, err := newRule(CreateOptions{Name: "r1", Type: RoundRobin, Priority: 10})
	require.NoError(t, err)

	err = r.update(UpdateOptions{Priority: internal.Int(99), Active: internal.Bool(false)})
	require.NoError(t, err)
	assert.Equal(t, 99, r.Priority)
	assert.False(t, r.Active)
}
