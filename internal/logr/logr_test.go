package logr

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		wantErr bool
	}{
		{"default format", "default", false},
		{"text format", "text", false},
		{"json format", "json", false},
		{"unknown format", "yaml", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&Config{Format: tt.format})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestToSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, toSlogLevel(0))
	assert.Equal(t, slog.Level(-4), toSlogLevel(1))
	assert.Equal(t, slog.Level(-5), toSlogLevel(2))
}
