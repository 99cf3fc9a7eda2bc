// Package execution contains the execution queue: the lifecycle of a request
// to run a test suite, from submission through assignment to a runner and on
// to a terminal status reported back by the runner's webhook.
package execution

import (
	"log/slog"
	"time"

	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/resource"
)

// DefaultTimeout is the deadline applied to an execution when the caller does
// not supply one. An execution still running past its deadline is force-failed
// by the timeout sweeper.
const DefaultTimeout = time.Hour

type Status string

const (
	Queued    Status = "queued"
	Assigned  Status = "assigned"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// TerminalStatuses are those in which no further transitions are permitted,
// other than via a new retry execution.
var TerminalStatuses = []Status{Completed, Failed, Cancelled}

func (s Status) IsTerminal() bool {
	for _, terminal := range TerminalStatuses {
		if s == terminal {
			return true
		}
	}
	return false
}

type (
	// Execution is a queue entry: a request to run a test suite on a runner.
	Execution struct {
		ID resource.ID `json:"execution_id" db:"execution_id"`
		// Test suite to run and environment to run it against.
		TestSuite   string `json:"test_suite"`
		Environment string `json:"environment"`
		// Higher priority requests are served first. Advisory, not strict.
		Priority int    `json:"priority"`
		Status   Status `json:"status"`
		// Optional pinning to a runner type and/or a specific runner.
		RequestedRunnerType *string      `json:"requested_runner_type"`
		RequestedRunnerID   *resource.ID `json:"requested_runner_id"`
		// Runner the execution is assigned to. Non-nil iff status is
		// assigned, running, completed or failed.
		AssignedRunnerID *resource.ID `json:"assigned_runner_id"`
		// Caller's estimate of how long the execution takes.
		EstimatedDuration *time.Duration `json:"estimated_duration"`
		// Number of times this lineage has been retried. A retry is a new
		// execution referencing the original via RetryOf.
		RetryCount int          `json:"retry_count"`
		RetryOf    *resource.ID `json:"retry_of"`
		// Non-zero marks a parallel parent; shards are child executions.
		TotalShards int `json:"total_shards"`
		// Opaque key/value bag supplied by the caller.
		Metadata map[string]string `json:"metadata"`
		// Result bundle reported by the runner on completion.
		Results *Results `json:"results"`

		CreatedAt   time.Time  `json:"created_at"`
		AssignedAt  *time.Time `json:"assigned_at"`
		StartedAt   *time.Time `json:"started_at"`
		CompletedAt *time.Time `json:"completed_at"`
		// Deadline after which a running execution is force-failed.
		TimeoutAt *time.Time `json:"timeout_at"`
	}

	// Results is the bundle a runner reports on completion.
	Results struct {
		Total    int `json:"total"`
		Passed   int `json:"passed"`
		Failed   int `json:"failed"`
		Skipped  int `json:"skipped"`
		Duration time.Duration `json:"duration"`
		// Artifacts are opaque references to reports/logs produced by the
		// runner.
		Artifacts []string `json:"artifacts,omitempty"`
	}

	CreateOptions struct {
		// Optional caller-supplied handle; generated when absent.
		ExecutionID         *resource.ID      `json:"execution_id"`
		TestSuite           string            `json:"test_suite"`
		Environment         string            `json:"environment"`
		Priority            int               `json:"priority"`
		RequestedRunnerType *string           `json:"requested_runner_type"`
		RequestedRunnerID   *resource.ID      `json:"requested_runner_id"`
		EstimatedDuration   *time.Duration    `json:"estimated_duration"`
		TimeoutSeconds      *int              `json:"timeout_seconds"`
		Metadata            map[string]string `json:"metadata"`
		// ParallelShards > 1 requests a parallel execution: the request
		// becomes a parent whose work is split into that many shard
		// executions.
		ParallelShards int `json:"parallel_shards"`
	}
)

// newExecution constructs an execution in the queued status.
func newExecution(opts CreateOptions) (*Execution, error) {
	if opts.TestSuite == "" {
		return nil, &internal.ErrMissingParameter{Parameter: "test_suite"}
	}
	if opts.Environment == "" {
		return nil, &internal.ErrMissingParameter{Parameter: "environment"}
	}
	now := internal.CurrentTimestamp(nil)
	timeout := DefaultTimeout
	if opts.TimeoutSeconds != nil {
		timeout = time.Duration(*opts.TimeoutSeconds) * time.Second
	}
	e := &Execution{
		ID:                  resource.NewID(resource.ExecutionKind),
		TestSuite:           opts.TestSuite,
		Environment:         opts.Environment,
		Priority:            opts.Priority,
		Status:              Queued,
		RequestedRunnerType: opts.RequestedRunnerType,
		RequestedRunnerID:   opts.RequestedRunnerID,
		EstimatedDuration:   opts.EstimatedDuration,
		Metadata:            opts.Metadata,
		CreatedAt:           now,
		TimeoutAt:           internal.Ptr(now.Add(timeout)),
	}
	if opts.ExecutionID != nil {
		if opts.ExecutionID.Kind != resource.ExecutionKind || !opts.ExecutionID.Valid() {
			return nil, internal.InvalidParameterError("malformed execution id: " + opts.ExecutionID.String())
		}
		e.ID = *opts.ExecutionID
	}
	return e, nil
}

// retry constructs a new execution duplicating this one's configuration, with
// a first-class lineage reference back to the original. Parallel parents are
// not retryable; callers resubmit a parallel request instead.
func (e *Execution) retry() (*Execution, error) {
	if e.IsParent() {
		return nil, internal.ErrExecutionNotRetryable
	}
	if !e.Status.IsTerminal() {
		return nil, internal.ErrExecutionNotRetryable
	}
	re, err := newExecution(CreateOptions{
		TestSuite:           e.TestSuite,
		Environment:         e.Environment,
		Priority:            e.Priority,
		RequestedRunnerType: e.RequestedRunnerType,
		RequestedRunnerID:   e.RequestedRunnerID,
		EstimatedDuration:   e.EstimatedDuration,
		Metadata:            e.Metadata,
	})
	if err != nil {
		return nil, err
	}
	re.RetryCount = e.RetryCount + 1
	re.RetryOf = &e.ID
	return re, nil
}

// assign transitions the execution to the assigned status, binding it to a
// runner. Only the assigner calls this.
func (e *Execution) assign(runnerID resource.ID) error {
	if err := e.setStatus(Assigned); err != nil {
		return err
	}
	e.AssignedRunnerID = &runnerID
	return nil
}

// start transitions the execution to running, on receipt of a progress
// webhook from its runner.
func (e *Execution) start() error {
	return e.setStatus(Running)
}

// finish transitions the execution to completed or failed, recording the
// runner's result bundle.
func (e *Execution) finish(to Status, results *Results) error {
	if to != Completed && to != Failed {
		return internal.ErrInvalidStateTransition
	}
	if err := e.setStatus(to); err != nil {
		return err
	}
	e.Results = results
	return nil
}

// cancel transitions the execution to cancelled. Cancellation is cooperative:
// work already dispatched to a runner is not retracted, and a late completion
// webhook is discarded as a no-op. A cancelled execution no longer binds a
// runner.
func (e *Execution) cancel() error {
	if err := e.setStatus(Cancelled); err != nil {
		return err
	}
	e.AssignedRunnerID = nil
	return nil
}

func (e *Execution) setStatus(to Status) error {
	valid := map[Status][]Status{
		Queued:    {Assigned, Cancelled},
		Assigned:  {Running, Completed, Failed, Cancelled},
		Running:   {Completed, Failed, Cancelled},
		Completed: {},
		Failed:    {},
		Cancelled: {},
	}
	if !contains(valid[e.Status], to) {
		return internal.ErrInvalidStateTransition
	}
	e.Status = to
	now := internal.CurrentTimestamp(nil)
	switch to {
	case Assigned:
		e.AssignedAt = &now
	case Running:
		e.StartedAt = &now
	case Completed, Failed, Cancelled:
		e.CompletedAt = &now
	}
	return nil
}

func contains(statuses []Status, s Status) bool {
	for _, status := range statuses {
		if status == s {
			return true
		}
	}
	return false
}

// finishParent transitions a parallel parent to its aggregate terminal
// status. Parents are never assigned a runner themselves; their work is
// carried out by shard executions, so the regular transition table does not
// apply.
func (e *Execution) finishParent(to Status) error {
	if !e.IsParent() {
		return internal.ErrInvalidStateTransition
	}
	if e.Status.IsTerminal() {
		return internal.ErrInvalidStateTransition
	}
	if to != Completed && to != Failed && to != Cancelled {
		return internal.ErrInvalidStateTransition
	}
	e.Status = to
	e.CompletedAt = internal.Ptr(internal.CurrentTimestamp(nil))
	return nil
}

// IsParent reports whether the execution is a parallel parent whose work is
// carried out by shards.
func (e *Execution) IsParent() bool { return e.TotalShards > 0 }

func (e *Execution) String() string { return e.ID.String() }

func (e *Execution) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", e.ID.String()),
		slog.String("test_suite", e.TestSuite),
		slog.String("environment", e.Environment),
		slog.String("status", string(e.Status)),
		slog.Int("priority", e.Priority),
	}
	if e.AssignedRunnerID != nil {
		attrs = append(attrs, slog.String("runner_id", e.AssignedRunnerID.String()))
	}
	if e.TotalShards > 0 {
		attrs = append(attrs, slog.Int("total_shards", e.TotalShards))
	}
	return slog.GroupValue(attrs...)
}
