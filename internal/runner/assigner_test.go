package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/allocation"
	"github.com/tmshq/tms/internal/execution"
	"github.com/tmshq/tms/internal/logr"
	"github.com/tmshq/tms/internal/pubsub"
	"github.com/tmshq/tms/internal/resource"
	"github.com/tmshq/tms/internal/rule"
)

type fakeAssignerExecutions struct {
	queued []*execution.Execution
	// runner chosen per execution id
	assigned map[resource.ID]resource.ID
	// executions for which Allocate returns this error
	allocateErr error
}

func (f *fakeAssignerExecutions) Watch(name string) (<-chan pubsub.Event[*execution.Execution], func()) {
	ch := make(chan pubsub.Event[*execution.Execution])
	return ch, func() { close(ch) }
}

func (f *fakeAssignerExecutions) ListQueued(ctx context.Context) ([]*execution.Execution, error) {
	return f.queued, nil
}

func (f *fakeAssignerExecutions) Allocate(ctx context.Context, executionID, runnerID resource.ID) (*execution.Execution, error) {
	if f.allocateErr != nil {
		return nil, f.allocateErr
	}
	if f.assigned == nil {
		f.assigned = make(map[resource.ID]resource.ID)
	}
	f.assigned[executionID] = runnerID
	return nil, nil
}

type fakeAssignerRunners struct {
	eligible []*Runner
}

func (f *fakeAssignerRunners) Watch(name string) (<-chan pubsub.Event[*Runner], func()) {
	ch := make(chan pubsub.Event[*Runner])
	return ch, func() { close(ch) }
}

func (f *fakeAssignerRunners) ListEligible(ctx context.Context) ([]*Runner, error) {
	return f.eligible, nil
}

type fakeAssignerRules struct {
	rules []*rule.Rule
}

func (f *fakeAssignerRules) ListActive(ctx context.Context) ([]*rule.Rule, error) {
	return f.rules, nil
}

func TestAssigner_selectRunner(t *testing.T) {
	runner1ID := resource.NewID(resource.RunnerKind)
	runner2ID := resource.NewID(resource.RunnerKind)
	runner3ID := resource.NewID(resource.RunnerKind)

	tests := []struct {
		name    string
		exec    *execution.Execution
		runners []*Runner
		rules   []*rule.Rule
		want    *resource.ID
	}{
		{
			name: "no runners leaves execution queued",
			exec: &execution.Execution{TestSuite: "smoke", Environment: "staging"},
			want: nil,
		},
		{
			name: "skips runners without free capacity",
			exec: &execution.Execution{TestSuite: "smoke", Environment: "staging"},
			runners: []*Runner{
				{ID: runner1ID, Status: Active, MaxConcurrentJobs: 1, CurrentJobs: 1},
				{ID: runner2ID, Status: Active, MaxConcurrentJobs: 2, CurrentJobs: 1},
			},
			want: &runner2ID,
		},
		{
			name: "skips unhealthy runners",
			exec: &execution.Execution{TestSuite: "smoke", Environment: "staging"},
			runners: []*Runner{
				{ID: runner1ID, Status: Active, HealthStatus: Unhealthy, MaxConcurrentJobs: 5},
				{ID: runner2ID, Status: Active, HealthStatus: Healthy, MaxConcurrentJobs: 1},
			},
			want: &runner2ID,
		},
		{
			name: "runner of unknown health is assignable",
			exec: &execution.Execution{TestSuite: "smoke", Environment: "staging"},
			runners: []*Runner{
				{ID: runner1ID, Status: Active, HealthStatus: Unknown, MaxConcurrentJobs: 1},
			},
			want: &runner1ID,
		},
		{
			name: "honours requested runner type",
			exec: &execution.Execution{
				TestSuite:           "smoke",
				Environment:         "staging",
				RequestedRunnerType: internal.Ptr("k6"),
			},
			runners: []*Runner{
				{ID: runner1ID, Type: "playwright", Status: Active, MaxConcurrentJobs: 5},
				{ID: runner2ID, Type: "k6", Status: Active, MaxConcurrentJobs: 1},
			},
			want: &runner2ID,
		},
		{
			name: "pinned runner wins over higher capacity",
			exec: &execution.Execution{
				TestSuite:         "smoke",
				Environment:       "staging",
				RequestedRunnerID: &runner1ID,
			},
			runners: []*Runner{
				{ID: runner1ID, Status: Active, MaxConcurrentJobs: 1},
				{ID: runner2ID, Status: Active, MaxConcurrentJobs: 10},
			},
			want: &runner1ID,
		},
		{
			name: "pinned runner at capacity leaves execution queued",
			exec: &execution.Execution{
				TestSuite:         "smoke",
				Environment:       "staging",
				RequestedRunnerID: &runner1ID,
			},
			runners: []*Runner{
				{ID: runner1ID, Status: Active, MaxConcurrentJobs: 1, CurrentJobs: 1},
				{ID: runner2ID, Status: Active, MaxConcurrentJobs: 10},
			},
			want: nil,
		},
		{
			name: "most free capacity wins",
			exec: &execution.Execution{TestSuite: "smoke", Environment: "staging"},
			runners: []*Runner{
				{ID: runner1ID, Status: Active, MaxConcurrentJobs: 3, CurrentJobs: 2},
				{ID: runner2ID, Status: Active, MaxConcurrentJobs: 5, CurrentJobs: 1},
				{ID: runner3ID, Status: Active, MaxConcurrentJobs: 2},
			},
			want: &runner2ID,
		},
		{
			name: "priority breaks capacity ties",
			exec: &execution.Execution{TestSuite: "smoke", Environment: "staging"},
			runners: []*Runner{
				{ID: runner1ID, Status: Active, MaxConcurrentJobs: 2, Priority: 10},
				{ID: runner2ID, Status: Active, MaxConcurrentJobs: 2, Priority: 90},
			},
			want: &runner2ID,
		},
		{
			name: "pinned rule directs matching executions",
			exec: &execution.Execution{TestSuite: "smoke-chrome", Environment: "staging"},
			runners: []*Runner{
				{ID: runner1ID, Status: Active, MaxConcurrentJobs: 1},
				{ID: runner2ID, Status: Active, MaxConcurrentJobs: 10},
			},
			rules: []*rule.Rule{
				{
					ID:               resource.NewID(resource.RuleKind),
					Type:             rule.Pinned,
					TestSuitePattern: "smoke-*",
					Config:           rule.Config{RunnerID: &runner1ID},
				},
			},
			want: &runner1ID,
		},
		{
			name: "non-matching rule is ignored",
			exec: &execution.Execution{TestSuite: "load", Environment: "staging"},
			runners: []*Runner{
				{ID: runner1ID, Status: Active, MaxConcurrentJobs: 1},
				{ID: runner2ID, Status: Active, MaxConcurrentJobs: 10},
			},
			rules: []*rule.Rule{
				{
					ID:               resource.NewID(resource.RuleKind),
					Type:             rule.Pinned,
					TestSuitePattern: "smoke-*",
					Config:           rule.Config{RunnerID: &runner1ID},
				},
			},
			want: &runner2ID,
		},
		{
			name: "strict pinned rule with exhausted target leaves execution queued",
			exec: &execution.Execution{TestSuite: "smoke", Environment: "staging"},
			runners: []*Runner{
				{ID: runner1ID, Status: Active, MaxConcurrentJobs: 1, CurrentJobs: 1},
				{ID: runner2ID, Status: Active, MaxConcurrentJobs: 10},
			},
			rules: []*rule.Rule{
				{
					ID:     resource.NewID(resource.RuleKind),
					Type:   rule.Pinned,
					Config: rule.Config{RunnerID: &runner1ID},
				},
			},
			want: nil,
		},
		{
			name: "advisory pinned rule falls back",
			exec: &execution.Execution{TestSuite: "smoke", Environment: "staging"},
			runners: []*Runner{
				{ID: runner1ID, Status: Active, MaxConcurrentJobs: 1, CurrentJobs: 1},
				{ID: runner2ID, Status: Active, MaxConcurrentJobs: 10},
			},
			rules: []*rule.Rule{
				{
					ID:     resource.NewID(resource.RuleKind),
					Type:   rule.Pinned,
					Config: rule.Config{RunnerID: &runner1ID, Advisory: true},
				},
			},
			want: &runner2ID,
		},
		{
			name: "rule runner type filter restricts candidates",
			exec: &execution.Execution{TestSuite: "smoke", Environment: "staging"},
			runners: []*Runner{
				{ID: runner1ID, Type: "playwright", Status: Active, MaxConcurrentJobs: 10},
				{ID: runner2ID, Type: "k6", Status: Active, MaxConcurrentJobs: 1},
			},
			rules: []*rule.Rule{
				{
					ID:               resource.NewID(resource.RuleKind),
					Type:             rule.RoundRobin,
					RunnerTypeFilter: "k6",
				},
			},
			want: &runner2ID,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAssigner(logr.Discard(), nil, nil, nil, 0)
			got := a.selectRunner(tt.exec, tt.runners, tt.rules)
			if tt.want == nil {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.Equal(t, *tt.want, got.ID)
			}
		})
	}
}

func TestAssigner_selectRunner_roundRobin(t *testing.T) {
	runner1 := &Runner{ID: resource.NewID(resource.RunnerKind), Status: Active, MaxConcurrentJobs: 10}
	runner2 := &Runner{ID: resource.NewID(resource.RunnerKind), Status: Active, MaxConcurrentJobs: 10}
	rules := []*rule.Rule{
		{ID: resource.NewID(resource.RuleKind), Type: rule.RoundRobin},
	}
	exec := &execution.Execution{TestSuite: "smoke", Environment: "staging"}

	a := newAssigner(logr.Discard(), nil, nil, nil, 0)
	first := a.selectRunner(exec, []*Runner{runner1, runner2}, rules)
	second := a.selectRunner(exec, []*Runner{runner1, runner2}, rules)
	third := a.selectRunner(exec, []*Runner{runner1, runner2}, rules)

	assert.Equal(t, runner1, first)
	assert.Equal(t, runner2, second)
	assert.Equal(t, runner1, third)
}

func TestAssigner_assignAll(t *testing.T) {
	t.Run("assigns queued executions", func(t *testing.T) {
		exec1 := &execution.Execution{ID: resource.NewID(resource.ExecutionKind), TestSuite: "smoke", Environment: "staging"}
		exec2 := &execution.Execution{ID: resource.NewID(resource.ExecutionKind), TestSuite: "load", Environment: "staging"}
		runner1 := &Runner{ID: resource.NewID(resource.RunnerKind), Status: Active, MaxConcurrentJobs: 2}

		executions := &fakeAssignerExecutions{queued: []*execution.Execution{exec1, exec2}}
		a := newAssigner(logr.Discard(), executions, &fakeAssignerRunners{eligible: []*Runner{runner1}}, &fakeAssignerRules{}, 0)
		require.NoError(t, a.assignAll(context.Background()))

		assert.Equal(t, runner1.ID, executions.assigned[exec1.ID])
		assert.Equal(t, runner1.ID, executions.assigned[exec2.ID])
	})

	t.Run("does not oversubscribe a runner within one pass", func(t *testing.T) {
		exec1 := &execution.Execution{ID: resource.NewID(resource.ExecutionKind), TestSuite: "smoke", Environment: "staging"}
		exec2 := &execution.Execution{ID: resource.NewID(resource.ExecutionKind), TestSuite: "load", Environment: "staging"}
		runner1 := &Runner{ID: resource.NewID(resource.RunnerKind), Status: Active, MaxConcurrentJobs: 1}

		executions := &fakeAssignerExecutions{queued: []*execution.Execution{exec1, exec2}}
		a := newAssigner(logr.Discard(), executions, &fakeAssignerRunners{eligible: []*Runner{runner1}}, &fakeAssignerRules{}, 0)
		require.NoError(t, a.assignAll(context.Background()))

		assert.Len(t, executions.assigned, 1)
		assert.Contains(t, executions.assigned, exec1.ID)
	})

	t.Run("lost capacity race leaves execution queued", func(t *testing.T) {
		exec1 := &execution.Execution{ID: resource.NewID(resource.ExecutionKind), TestSuite: "smoke", Environment: "staging"}
		runner1 := &Runner{ID: resource.NewID(resource.RunnerKind), Status: Active, MaxConcurrentJobs: 1}

		executions := &fakeAssignerExecutions{
			queued:      []*execution.Execution{exec1},
			allocateErr: allocation.ErrRunnerAtCapacity,
		}
		a := newAssigner(logr.Discard(), executions, &fakeAssignerRunners{eligible: []*Runner{runner1}}, &fakeAssignerRules{}, 0)
		require.NoError(t, a.assignAll(context.Background()))

		assert.Empty(t, executions.assigned)
	})
}
