package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/chainops/internal/agent"
	"github.com/ssd-technologies/chainops/internal/catalog"
	"github.com/ssd-technologies/chainops/internal/config"
	"github.com/ssd-technologies/chainops/internal/events"
	"github.com/ssd-technologies/chainops/internal/metrics"
	"github.com/ssd-technologies/chainops/internal/operation"
	"github.com/ssd-technologies/chainops/internal/scheduler"
	"github.com/ssd-technologies/chainops/internal/server"
	"github.com/ssd-technologies/chainops/internal/storage"
	"github.com/ssd-technologies/chainops/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operation engine and its HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Logging.Level != "" {
		l, err := newLogger(cfg.Logging.Level)
		if err != nil {
			return err
		}
		logger = l
	}
	if cfg.Server.Secret == "" {
		return errors.New("server.secret (or CHAINOPS_SECRET) is required")
	}
	if verbose {
		shutdownTracing := tracing.Setup(logger.Named("trace"))
		defer shutdownTracing(context.Background())
	}

	cat := catalog.New()
	if err := cat.Load(cfg.Catalog.DataDir); err != nil {
		logger.Warn("catalog loaded with errors", zap.Error(err))
	}
	logger.Info("catalog loaded",
		zap.String("dir", cfg.Catalog.DataDir),
		zap.Int("abilities", len(cat.Abilities())),
		zap.Int("adversaries", len(cat.Adversaries())))

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewDB(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	bus := events.NewBus()
	defer bus.Close()
	m := metrics.New()
	m.TrackBus(bus)

	reg := agent.NewRegistry(cfg.Agents.SleepMin, cfg.Agents.SleepMax)
	ops := operation.NewManager(operation.Options{
		Catalog: cat,
		Agents:  reg,
		Store:   db,
		Events:  bus,
		Logger:  logger.Named("operation"),
		Server:  cfg.Server.PublicURL,
	})
	reg.InUse = ops.UsesAgent
	m.TrackOperations(ops.Counts)

	if err := restore(db, reg, ops); err != nil {
		return err
	}

	dispatch := scheduler.New(ops, reg, bus, scheduler.Config{
		Tick:       cfg.Scheduler.Tick,
		Deadline:   cfg.Scheduler.DeliveryDeadline,
		StaleAfter: cfg.Agents.UntrustedTimeout,
	}, logger.Named("scheduler"))

	srv := server.New(server.Options{
		Operations: ops,
		Agents:     reg,
		Catalog:    cat,
		Dispatcher: dispatch,
		Bus:        bus,
		Metrics:    m,
		Store:      db,
		Secret:     cfg.Server.Secret,
		BeaconRate: cfg.Agents.BeaconRate,
		ReportDir:  filepath.Join(filepath.Dir(cfg.Storage.Path), "reports"),
		Logger:     logger.Named("server"),
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	srv.StartWorkers(ctx)

	metricEvents, unsubMetrics := bus.Subscribe(1024)
	defer unsubMetrics()
	g.Go(func() error {
		m.Run(ctx, metricEvents)
		return nil
	})

	if cfg.Events.NATSURL != "" {
		bridge, err := events.NewNATSBridge(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger.Named("nats"))
		if err != nil {
			return err
		}
		defer bridge.Close()
		natsEvents, unsubNATS := bus.Subscribe(1024)
		defer unsubNATS()
		g.Go(func() error {
			bridge.Run(ctx, natsEvents)
			return nil
		})
	}

	g.Go(func() error {
		dispatch.Run(ctx)
		return nil
	})

	httpSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("chainops listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// restore loads persisted agents and operations. Unfinished operations pick
// up where they stopped.
func restore(db *storage.DB, reg *agent.Registry, ops *operation.Manager) error {
	agents, err := db.ListAgents()
	if err != nil {
		return fmt.Errorf("restore agents: %w", err)
	}
	for _, a := range agents {
		reg.Restore(a)
	}
	snaps, err := db.ListOperations()
	if err != nil {
		return fmt.Errorf("restore operations: %w", err)
	}
	for _, s := range snaps {
		ops.Restore(s.Record, s.Chain, s.Facts, s.Audit)
	}
	logger.Info("state restored", zap.Int("agents", len(agents)), zap.Int("operations", len(snaps)))
	return nil
}
