package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sirsinexus/nexus/pkg/agent"
	"github.com/sirsinexus/nexus/pkg/api"
	"github.com/sirsinexus/nexus/pkg/config"
	"github.com/sirsinexus/nexus/pkg/events"
	"github.com/sirsinexus/nexus/pkg/hypervisor"
	"github.com/sirsinexus/nexus/pkg/log"
	"github.com/sirsinexus/nexus/pkg/metrics"
	"github.com/sirsinexus/nexus/pkg/orchestrator"
	"github.com/sirsinexus/nexus/pkg/registry"
	"github.com/sirsinexus/nexus/pkg/store"
)

// journalKeep bounds how many events the bolt journal retains.
const journalKeep = 10000

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the nexus daemon",
	Long: `Run the nexus daemon: port registry, hypervisor, connector manager,
orchestration engine and the HTTP/gRPC API surfaces.

Services listed in the ignition manifest are started in dependency
order, and the manifest is watched for changes while running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func init() {
	serveCmd.Flags().String("config", config.DefaultPath(), "Path to the daemon config file")
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Str("config", configPath).Msg("starting nexus")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	journal := store.NewJournaler(st, broker, journalKeep)
	journal.Start()
	defer journal.Stop()

	ports := registry.NewRegistry(registry.Config{
		DefaultTTL:      cfg.PortRegistry.DefaultTTL.Duration,
		CleanupInterval: cfg.PortRegistry.CleanupInterval.Duration,
		Broker:          broker,
	})
	ports.Start()
	defer ports.Stop()
	metrics.RegisterComponent("registry", true, "")

	agents, err := agent.NewManager(agent.ManagerConfig{Broker: broker})
	if err != nil {
		return fmt.Errorf("creating connector manager: %w", err)
	}

	engine := orchestrator.NewEngine(orchestrator.Config{
		Agents:    agents,
		Broker:    broker,
		Archive:   st,
		RetryBase: cfg.Orchestration.RetryBase.Duration,
		RetryCap:  cfg.Orchestration.RetryCap.Duration,
		Workers:   cfg.Orchestration.Workers,
		Retention: cfg.Orchestration.Retention.Duration,
	})

	hv := hypervisor.New(hypervisor.Config{
		Registry:             ports,
		Broker:               broker,
		HealthCheckInterval:  cfg.Hypervisor.HealthCheckInterval.Duration,
		StatusUpdateInterval: cfg.Hypervisor.StatusUpdateInterval.Duration,
		DependencyTimeout:    cfg.Hypervisor.DependencyTimeout.Duration,
		RestartBase:          cfg.Hypervisor.RestartBase.Duration,
		RestartCap:           cfg.Hypervisor.RestartCap.Duration,
	})

	// Gauges the hypervisor does not maintain itself come from the
	// periodic collector.
	collector := metrics.NewCollector(nil, engine, agents)
	collector.Start()
	defer collector.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	// The hypervisor outlives ctx so the emergency shutdown below can
	// still enqueue commands after the signal arrives.
	hvCtx, hvCancel := context.WithCancel(context.Background())
	defer hvCancel()

	group.Go(func() error {
		hv.Run(hvCtx)
		return nil
	})
	group.Go(func() error {
		engine.Run(ctx)
		return nil
	})

	if cfg.Ignition != "" {
		ignitor := hypervisor.NewIgnitor(hv, st, cfg.Ignition)
		if err := ignitor.Apply(ctx); err != nil {
			logger.Error().Err(err).Str("manifest", cfg.Ignition).Msg("ignition failed")
		}
		group.Go(func() error {
			return ignitor.Watch(ctx)
		})
	}

	metrics.RegisterComponent("hypervisor", true, "")

	server := api.NewServer(hv, engine, agents, ports, broker)
	group.Go(func() error {
		metrics.RegisterComponent("api", true, "")
		return server.Run(ctx, cfg.API.ListenAddr)
	})

	grpcServer := api.NewGRPCServer(hv)
	group.Go(func() error {
		return grpcServer.Run(ctx, cfg.API.GRPCAddr)
	})

	logger.Info().
		Str("http", cfg.API.ListenAddr).
		Str("grpc", cfg.API.GRPCAddr).
		Msg("nexus is running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	// Stop managed services in reverse dependency order before the
	// component goroutines unwind.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := hv.EmergencyShutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("emergency shutdown incomplete")
	}
	hvCancel()

	if err := group.Wait(); err != nil && !isShutdownErr(err) {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func isShutdownErr(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed)
}
