package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id := NewID(ExecutionKind)
	assert.True(t, id.Valid(), id.String())
	assert.Equal(t, ExecutionKind, id.Kind)

	// no two ids are alike
	another := NewID(ExecutionKind)
	assert.NotEqual(t, id, another)
}

func TestParseID(t *testing.T) {
	id, err := ParseID("runner-1J9wWGnYZTQqGJUM")
	require.NoError(t, err)
	assert.Equal(t, RunnerKind, id.Kind)
	assert.Equal(t, "1J9wWGnYZTQqGJUM", id.ID)
	assert.Equal(t, "runner-1J9wWGnYZTQqGJUM", id.String())

	_, err = ParseID("garbage")
	assert.Error(t, err)
}

func TestID_UnmarshalText(t *testing.T) {
	var id ID
	require.NoError(t, id.UnmarshalText([]byte("exec-1J9wWGnYZTQqGJUM")))
	assert.Equal(t, ExecutionKind, id.Kind)
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName(ptr("runner-01")))
	assert.Error(t, ValidateName(ptr("not valid!")))
	assert.Error(t, ValidateName(ptr("")))
	assert.Error(t, ValidateName(nil))
}

func ptr(s string) *string { return &s }
