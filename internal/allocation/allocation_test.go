package allocation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tmshq/tms/internal/resource"
)

func TestNewAllocation(t *testing.T) {
	runnerID := resource.NewID(resource.RunnerKind)
	execID := resource.NewID(resource.ExecutionKind)

	a := newAllocation(runnerID, execID)

	assert.Equal(t, resource.AllocationKind, a.ID.Kind)
	assert.Equal(t, runnerID, a.RunnerID)
	assert.Equal(t, execID, a.ExecutionID)
	assert.Equal(t, Allocated, a.Status)
	assert.Equal(t, DefaultCPUAllocation, a.CPUAllocation)
	assert.Equal(t, DefaultMemoryAllocation, a.MemoryAllocation)
	assert.Nil(t, a.ReleasedAt)
}

func TestAllocation_release(t *testing.T) {
	a := newAllocation(resource.NewID(resource.RunnerKind), resource.NewID(resource.ExecutionKind))
	a.release()

	assert.Equal(t, Released, a.Status)
	if assert.NotNil(t, a.ReleasedAt) {
		assert.False(t, a.ReleasedAt.Before(a.CreatedAt))
	}
}
