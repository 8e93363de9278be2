package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/civicsignal/bulwark/internal/api"
	"github.com/civicsignal/bulwark/internal/config"
	"github.com/civicsignal/bulwark/internal/drivers"
	"github.com/civicsignal/bulwark/internal/engine"
	"github.com/civicsignal/bulwark/internal/ha"
	"github.com/civicsignal/bulwark/internal/queue"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", config.GetEnvOrDefault("BULWARK_CONFIG", ""), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("bulwark exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Backends. The primary must open; a replica that fails config validation
	// is logged and never becomes eligible.
	primary, err := drivers.NewPostgresStore("primary", cfg.Primary, logger)
	if err != nil {
		return fmt.Errorf("open primary: %w", err)
	}
	defer func() { _ = primary.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := primary.CreateSchema(ctx); err != nil {
		logger.Warn("schema setup failed, continuing", zap.Error(err))
	}
	cancel()

	memory := drivers.NewMemoryStore(logger)

	validReplicas, rejected := cfg.ValidReplicas()
	for _, r := range rejected {
		logger.Error("invalid replica config, replica will never be eligible",
			zap.Int("priority", r.Priority))
	}

	replicaStores := make(map[string]drivers.Store, len(validReplicas))
	targets := make([]ha.ReplicaTarget, 0, len(validReplicas))
	for i, rc := range validReplicas {
		id := fmt.Sprintf("replica-%d", i+1)
		store, err := drivers.NewPostgresStore(id, drivers.PostgresConfig{
			ConnectionString: rc.ConnectionString,
			MaxConnections:   rc.MaxConnections,
		}, logger)
		if err != nil {
			logger.Error("replica unavailable", zap.String("replica", id), zap.Error(err))
			continue
		}
		defer func() { _ = store.Close() }()

		replicaStores[id] = store
		targets = append(targets, ha.ReplicaTarget{
			ID:       id,
			Priority: rc.Priority,
			Interval: rc.HealthCheckInterval,
			Probe:    store.Ping,
		})
	}

	// Resilience core.
	recorder := ha.NewEventRecorder(logger, ha.WithEventCapacity(cfg.Failover.EventLogSize))
	defer recorder.Stop()

	monitor := ha.NewMonitor(cfg.Monitor, primary.Ping, targets, recorder, logger)

	writeQueue := queue.NewWriteQueue(cfg.Queue.MaxDepth, logger)
	controller := engine.NewController(primary, memory, replicaStores, monitor, writeQueue, recorder, logger)

	plans, err := ha.LoadPlans(cfg.Failover.PlansFile)
	if err != nil {
		return fmt.Errorf("load plans: %w", err)
	}
	snapshots := engine.NewSnapshotRunner(primary, memory, cfg.Failover.BackupCollections, logger)
	orchestrator := ha.NewOrchestrator(plans, controller, monitor, recorder, logger,
		ha.WithHistorySize(cfg.Failover.HistorySize),
		ha.WithBackupRunner(snapshots))

	rules, err := config.LoadRules(cfg.Failover.RulesFile)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	ruleEngine, err := ha.NewRuleEngine(rules, logger)
	if err != nil {
		return fmt.Errorf("rule engine: %w", err)
	}

	metrics := api.NewMetrics()
	metrics.SetMode(controller.Mode())

	// Request-path hooks.
	controller.OnWriteRejected(metrics.RejectedWrites.Inc)
	controller.OnModeChange(metrics.SetMode)

	// Probe cycle drives rule evaluation; at most one rule fires per pass and
	// hands off to the orchestrator. The handoff is asynchronous: running the
	// plan on the probe goroutine would deadlock its health_check steps, and
	// single-flight plus rule cooldowns cover any probes that land mid-plan.
	monitor.OnSnapshot(func(snap ha.Snapshot) {
		metrics.ObserveSnapshot(snap)
		metrics.QueueDepth.Set(float64(writeQueue.Len()))

		decision, ok := ruleEngine.Evaluate(snap)
		if !ok {
			return
		}
		go func() {
			execCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, err := orchestrator.Execute(execCtx, decision.PlanID, decision.TargetMode,
				decision.Trigger, decision.Reason); err != nil {
				logger.Warn("rule-driven failover not executed", zap.Error(err))
			}
		}()
	})

	monitor.OnReplicaChange(func(_, id string) {
		controller.SetActiveReplica(id)
	})

	monitor.OnPrimaryRestored(func() {
		if controller.Mode() == ha.ModeDatabase {
			return
		}
		go func() {
			execCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, err := orchestrator.Execute(execCtx, ha.PlanEmergency, ha.ModeDatabase,
				ha.TriggerAutomatic, "primary restored"); err != nil {
				logger.Warn("recovery failover not executed", zap.Error(err))
			}
		}()
	})

	degrade := func(reason string) {
		go func() {
			execCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, err := orchestrator.Execute(execCtx, ha.PlanEmergency, ha.ModeMemoryOptimized,
				ha.TriggerAutomatic, reason); err != nil {
				logger.Warn("degrade failover not executed", zap.Error(err))
			}
		}()
	}
	monitor.OnRetriesExhausted(func() { degrade("primary reconnection attempts exhausted") })
	monitor.OnCascadingFailure(func() { degrade("primary and all replicas unhealthy") })

	recorder.Subscribe(metrics.RecordFailover)

	replayer := queue.NewReplayer(writeQueue, controller, monitor.PrimaryHealthy, cfg.Queue, logger,
		queue.WithDropHandler(func(op queue.Operation, err error) {
			metrics.DroppedWrites.Inc()
			logger.Error("data loss: queued write abandoned",
				zap.String("op", op.ID),
				zap.String("method", op.Method),
				zap.String("key", op.Collection+"/"+op.Key),
				zap.Error(err))
		}))

	// Rules hot reload.
	if cfg.Failover.RulesFile != "" {
		watcher, err := config.NewRuleWatcher(cfg.Failover.RulesFile, ruleEngine.SetRules, logger)
		if err != nil {
			logger.Warn("rules watcher unavailable", zap.Error(err))
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	monitor.Start()
	defer monitor.Stop()
	replayer.Start()
	defer replayer.Stop()

	server := api.NewServer(cfg.Server.Port, logger, controller, orchestrator, monitor, metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(level string) *zap.Logger {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}
