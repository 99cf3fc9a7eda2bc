// Package allocation contains the resource allocation tracker: the ledger of
// runner capacity committed to in-flight executions. A runner's current job
// count is the count of its live allocations, nothing else.
package allocation

import (
	"errors"
	"log/slog"
	"time"

	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/resource"
)

// Default resource amounts reserved per execution when the caller does not
// say otherwise.
const (
	DefaultCPUAllocation    = 1
	DefaultMemoryAllocation = 512
)

var (
	// ErrRunnerAtCapacity is returned when an allocation would take a runner
	// beyond its declared concurrent job limit.
	ErrRunnerAtCapacity = errors.New("runner is at capacity")
	// ErrRunnerIneligible is returned when the target runner is not active
	// or is known to be unhealthy.
	ErrRunnerIneligible = errors.New("runner is not eligible for work")
)

type Status string

const (
	// Allocated capacity is committed to an in-flight execution.
	Allocated Status = "allocated"
	// Exceeded flags an allocation beyond the runner's declared capacity.
	// A signal only: the work is not preempted.
	Exceeded Status = "exceeded"
	// Released capacity has been handed back.
	Released Status = "released"
)

type (
	// Allocation records capacity committed to a runner for the duration of
	// one execution.
	Allocation struct {
		ID               resource.ID `json:"allocation_id" db:"allocation_id"`
		RunnerID         resource.ID `json:"runner_id"`
		ExecutionID      resource.ID `json:"execution_id"`
		CPUAllocation    int         `json:"cpu_allocation" db:"cpu_allocation"`
		MemoryAllocation int         `json:"memory_allocation"`
		Status           Status      `json:"status"`
		CreatedAt        time.Time   `json:"created_at"`
		ReleasedAt       *time.Time  `json:"released_at"`
	}

	// RunnerSummary aggregates a runner's allocations for health reporting.
	RunnerSummary struct {
		RunnerID          resource.ID `json:"runner_id"`
		MaxConcurrentJobs int         `json:"max_concurrent_jobs"`
		Allocated         int         `json:"allocated"`
		Exceeded          int         `json:"exceeded"`
	}

	// SystemSummary aggregates allocations across all runners.
	SystemSummary struct {
		Runners        []*RunnerSummary `json:"runners"`
		TotalAllocated int              `json:"total_allocated"`
		TotalExceeded  int              `json:"total_exceeded"`
	}
)

func newAllocation(runnerID, executionID resource.ID) *Allocation {
	return &Allocation{
		ID:               resource.NewID(resource.AllocationKind),
		RunnerID:         runnerID,
		ExecutionID:      executionID,
		CPUAllocation:    DefaultCPUAllocation,
		MemoryAllocation: DefaultMemoryAllocation,
		Status:           Allocated,
		CreatedAt:        internal.CurrentTimestamp(nil),
	}
}

func (a *Allocation) release() {
	a.Status = Released
	a.ReleasedAt = internal.Ptr(internal.CurrentTimestamp(nil))
}

func (a *Allocation) String() string { return a.ID.String() }

func (a *Allocation) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", a.ID.String()),
		slog.String("runner_id", a.RunnerID.String()),
		slog.String("execution_id", a.ExecutionID.String()),
		slog.String("status", string(a.Status)),
	)
}
