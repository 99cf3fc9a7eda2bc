package daemon

import (
	"time"

	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/execution"
	"github.com/tmshq/tms/internal/runner"
	"github.com/tmshq/tms/internal/system"
)

// Config configures the tmsd daemon. Descriptions of each field can be found
// in the flag definitions in ./cmd/tmsd
type Config struct {
	Address  string
	Database string
	// WebhookToken is the shared bearer token gating the webhook endpoints.
	// Empty disables webhook authentication.
	WebhookToken string

	SSL                  bool
	CertFile, KeyFile    string
	EnableRequestLogging bool

	AssignInterval     time.Duration
	SweepInterval      time.Duration
	ProbeInterval      time.Duration
	QueueWaitThreshold time.Duration

	DisableAssigner bool
	DisableMonitor  bool
	DisableSweeper  bool
}

// NewConfig constructs a tmsd configuration with defaults.
func NewConfig() Config {
	return Config{
		Address:            ":8080",
		Database:           "postgres:///tms?host=/var/run/postgresql",
		AssignInterval:     10 * time.Second,
		SweepInterval:      execution.DefaultSweepInterval,
		ProbeInterval:      runner.DefaultProbeInterval,
		QueueWaitThreshold: system.DefaultQueueWaitThreshold,
	}
}

func (cfg *Config) Valid() error {
	if cfg.Database == "" {
		return &internal.ErrMissingParameter{Parameter: "database"}
	}
	if cfg.Address == "" {
		return &internal.ErrMissingParameter{Parameter: "address"}
	}
	return nil
}
