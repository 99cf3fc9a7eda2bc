// Package daemon configures and starts the tmsd daemon and its subsystems.
package daemon

import (
	"context"
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/tmshq/tms/internal"
	"github.com/tmshq/tms/internal/allocation"
	"github.com/tmshq/tms/internal/execution"
	"github.com/tmshq/tms/internal/http"
	"github.com/tmshq/tms/internal/logr"
	"github.com/tmshq/tms/internal/metric"
	"github.com/tmshq/tms/internal/rule"
	"github.com/tmshq/tms/internal/runner"
	"github.com/tmshq/tms/internal/sql"
	"github.com/tmshq/tms/internal/system"
	"github.com/tmshq/tms/internal/webhook"
)

type Daemon struct {
	Config
	logr.Logger

	Executions  *execution.Service
	Runners     *runner.Service
	Rules       *rule.Service
	Allocations *allocation.Service
	Metrics     *metric.Service
	System      *system.Service
	Webhooks    *webhook.Handlers

	DB *sql.DB
	// ListenAddress is the daemon's listening address, made available once
	// Start has opened the listener.
	ListenAddress *net.TCPAddr

	handlers []http.Handlers
}

// New builds a new daemon and establishes a connection to the database and
// migrates it to the latest schema.
func New(ctx context.Context, logger logr.Logger, cfg Config) (*Daemon, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}

	db, err := sql.New(ctx, logger, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}

	allocationService := allocation.NewService(allocation.Options{
		Logger: logger,
		DB:     db,
	})
	metricService := metric.NewService(metric.Options{
		Logger: logger,
		DB:     db,
	})
	executionService := execution.NewService(execution.Options{
		Logger:      logger,
		DB:          db,
		Allocations: allocationService,
	})
	runnerService := runner.NewService(runner.Options{
		Logger:    logger,
		DB:        db,
		Optimizer: allocationService,
	})
	ruleService := rule.NewService(rule.Options{
		Logger: logger,
		DB:     db,
	})
	systemService := system.NewService(system.Options{
		Logger:             logger,
		Executions:         executionService,
		Runners:            runnerService,
		Allocations:        allocationService,
		Metrics:            metricService,
		QueueWaitThreshold: cfg.QueueWaitThreshold,
	})
	webhookHandlers := webhook.NewHandlers(webhook.Options{
		Logger:     logger,
		Executions: executionService,
		Metrics:    metricService,
		Token:      cfg.WebhookToken,
	})

	prometheus.MustRegister(runner.NewMetricsCollector(runnerService))

	return &Daemon{
		Config:      cfg,
		Logger:      logger,
		Executions:  executionService,
		Runners:     runnerService,
		Rules:       ruleService,
		Allocations: allocationService,
		Metrics:     metricService,
		System:      systemService,
		Webhooks:    webhookHandlers,
		DB:          db,
		handlers: []http.Handlers{
			executionService,
			runnerService,
			ruleService,
			systemService,
			webhookHandlers,
		},
	}, nil
}

// Start the daemon and block until ctx is cancelled or an error is returned.
// The started channel is closed once the daemon has started.
func (d *Daemon) Start(ctx context.Context, started chan struct{}) error {
	// Cancel context the first time a func started with g.Go() fails
	g, ctx := errgroup.WithContext(ctx)

	// close all db connections upon exit
	defer d.DB.Close()

	// Construct web server and start listening on port
	server, err := http.NewServer(d.Logger, http.ServerConfig{
		SSL:                  d.SSL,
		CertFile:             d.CertFile,
		KeyFile:              d.KeyFile,
		EnableRequestLogging: d.EnableRequestLogging,
		Handlers:             d.handlers,
	})
	if err != nil {
		return fmt.Errorf("setting up http server: %w", err)
	}
	ln, err := net.Listen("tcp", d.Address)
	if err != nil {
		return err
	}
	d.ListenAddress = ln.Addr().(*net.TCPAddr)

	defer ln.Close()

	// Start subsystems. Cluster-wide advisory locks keep each singleton
	// subsystem to one instance across a tms cluster.
	var subsystems []*Subsystem
	if !d.DisableAssigner {
		subsystems = append(subsystems, &Subsystem{
			Name:   "assigner",
			Logger: d.Logger,
			DB:     d.DB,
			LockID: internal.Ptr(sql.AssignerLockID),
			System: d.Runners.NewAssigner(d.Executions, d.Rules, d.AssignInterval),
		})
	}
	if !d.DisableSweeper {
		subsystems = append(subsystems, &Subsystem{
			Name:   "sweeper",
			Logger: d.Logger,
			DB:     d.DB,
			LockID: internal.Ptr(sql.SweeperLockID),
			System: execution.NewSweeper(d.Logger, d.Executions, d.SweepInterval),
		})
	}
	if !d.DisableMonitor {
		subsystems = append(subsystems, &Subsystem{
			Name:   "health-monitor",
			Logger: d.Logger,
			DB:     d.DB,
			LockID: internal.Ptr(sql.MonitorLockID),
			System: d.Runners.NewMonitor(d.Metrics, d.ProbeInterval),
		})
	}
	for _, ss := range subsystems {
		if err := ss.Start(ctx, g); err != nil {
			return err
		}
	}

	// Run HTTP server
	g.Go(func() error {
		if err := server.Start(ctx, ln); err != nil {
			return fmt.Errorf("http server terminated: %w", err)
		}
		return nil
	})

	// Inform the caller the daemon has started
	close(started)

	// Block until error or Ctrl-C received.
	return g.Wait()
}
