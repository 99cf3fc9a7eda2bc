package cmd

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetFlagsFromEnvVariables(t *testing.T) {
	t.Run("override flag with env var", func(t *testing.T) {
		fs := pflag.NewFlagSet("testing", pflag.ContinueOnError)
		got := fs.String("webhook-token", "", "")
		t.Setenv("TMS_WEBHOOK_TOKEN", "s3cret")
		SetFlagsFromEnvVariables(fs)
		require.NoError(t, fs.Parse(nil))
		assert.Equal(t, "s3cret", *got)
	})
	t.Run("flag beats env var", func(t *testing.T) {
		fs := pflag.NewFlagSet("testing", pflag.ContinueOnError)
		got := fs.String("database", "default", "")
		t.Setenv("TMS_DATABASE", "from-env")
		SetFlagsFromEnvVariables(fs)
		require.NoError(t, fs.Parse([]string{"--database", "from-flag"}))
		assert.Equal(t, "from-flag", *got)
	})
}
