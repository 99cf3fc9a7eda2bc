package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	cmdutil "github.com/tmshq/tms/cmd"
	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/daemon"
	"github.com/tmshq/tms/internal/logr"
)

func main() {
	// Configure ^C to terminate program
	ctx, cancel := context.WithCancel(context.Background())
	cmdutil.CatchCtrlC(cancel)

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		cmdutil.PrintError(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var (
		version bool
		cfg     = daemon.NewConfig()
		logCfg  *logr.Config
	)

	cmd := &cobra.Command{
		Use:           "tmsd",
		Short:         "tms daemon",
		Long:          "tmsd is the test execution orchestration daemon: it queues test executions, assigns them to registered runners and ingests their results.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if version {
				fmt.Fprintln(cmd.OutOrStdout(), internal.Version)
				return nil
			}
			logger, err := logr.New(logCfg)
			if err != nil {
				return err
			}
			d, err := daemon.New(cmd.Context(), logger, cfg)
			if err != nil {
				return err
			}
			started := make(chan struct{})
			return d.Start(cmd.Context(), started)
		},
	}
	cmd.SetOut(out)
	cmd.SetContext(ctx)

	cmd.Flags().StringVar(&cfg.Address, "address", cfg.Address, "Listening address")
	cmd.Flags().StringVar(&cfg.Database, "database", cfg.Database, "Postgres connection string")
	cmd.Flags().StringVar(&cfg.WebhookToken, "webhook-token", "", "Shared bearer token authenticating webhook callbacks. Empty disables authentication.")
	cmd.Flags().BoolVar(&cfg.SSL, "ssl", false, "Toggle SSL")
	cmd.Flags().StringVar(&cfg.CertFile, "cert-file", "", "Path to SSL certificate (required if enabling SSL)")
	cmd.Flags().StringVar(&cfg.KeyFile, "key-file", "", "Path to SSL key (required if enabling SSL)")
	cmd.Flags().BoolVar(&cfg.EnableRequestLogging, "log-http-requests", false, "Log HTTP requests")
	cmd.Flags().DurationVar(&cfg.AssignInterval, "assign-interval", cfg.AssignInterval, "Interval between assignment passes over the queue")
	cmd.Flags().DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Interval between sweeps for timed out executions")
	cmd.Flags().DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "Interval between runner health probes")
	cmd.Flags().DurationVar(&cfg.QueueWaitThreshold, "queue-wait-threshold", cfg.QueueWaitThreshold, "Average queue wait beyond which system health is degraded")
	cmd.Flags().BoolVar(&cfg.DisableAssigner, "disable-assigner", false, "Disable the assigner subsystem")
	cmd.Flags().BoolVar(&cfg.DisableMonitor, "disable-health-monitor", false, "Disable the health monitor subsystem")
	cmd.Flags().BoolVar(&cfg.DisableSweeper, "disable-sweeper", false, "Disable the timeout sweeper subsystem")
	cmd.Flags().BoolVarP(&version, "version", "V", false, "Print version of tmsd")

	logCfg = logr.RegisterFlags(cmd.Flags())

	cmdutil.SetFlagsFromEnvVariables(cmd.Flags())

	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
