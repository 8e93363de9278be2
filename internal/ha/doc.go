// Package ha implements the failover machinery of the storage resilience
// layer: health monitoring, replica selection, rule-driven failover decisions,
// and plan-based execution of mode transitions.
//
// # Overview
//
// The package is built around a small set of cooperating components:
//   - Monitor: probes the primary backend on an adaptive timer and all
//     replicas concurrently, maintaining a rolling diagnostics window
//   - RuleEngine: evaluates declarative failover rules against health
//     snapshots, at most one rule firing per pass
//   - Orchestrator: executes failover plans as strictly sequential steps
//     with per-step timeouts, retries, and rollback on failure
//   - EventRecorder: keeps a bounded audit log of transitions and fans
//     events out to subscribers asynchronously
//
// # Architecture
//
//	┌──────────────────────────────────────────────────┐
//	│                    Monitor                       │
//	│  (probe scheduling, backoff, replica selection)  │
//	├──────────────────────────────────────────────────┤
//	│                   RuleEngine                     │
//	│  (condition evaluation, cooldowns, priorities)   │
//	├──────────────────────────────────────────────────┤
//	│                  Orchestrator                    │
//	│  (plan execution, rollback, single-flight)       │
//	├──────────────────────────────────────────────────┤
//	│                 EventRecorder                    │
//	│  (bounded audit log, async subscriber fanout)    │
//	└──────────────────────────────────────────────────┘
//
// The package deliberately imports nothing from its siblings. The storage
// facade is reached through the ModeSwitcher interface, backends through
// ProbeFunc closures; wiring happens in the binary's main.
//
// # Storage modes
//
// Six modes describe where reads and writes go:
//   - DATABASE: primary serves everything
//   - REPLICA: reads from the selected replica, writes buffered in memory
//   - READ_ONLY: reads keep serving, writes are refused outright
//   - MEMORY: in-process store serves everything, writes queued for replay
//   - MEMORY_OPTIMIZED: memory only, durability traded away entirely
//   - HYBRID: reads from the replica, writes straight to the primary
//
// # Quick start
//
//	recorder := ha.NewEventRecorder(logger)
//	monitor := ha.NewMonitor(ha.DefaultMonitorConfig(), primary.Ping,
//		replicas, recorder, logger)
//
//	engine, _ := ha.NewRuleEngine(ha.DefaultRules(), logger)
//	orch := ha.NewOrchestrator(ha.BuiltinPlans(), switcher, monitor,
//		recorder, logger)
//
//	monitor.OnSnapshot(func(snap ha.Snapshot) {
//		if decision, ok := engine.Evaluate(snap); ok {
//			orch.Execute(ctx, decision.PlanID, decision.TargetMode,
//				decision.Trigger, decision.Reason)
//		}
//	})
//	monitor.Start()
//
// # Thread safety
//
// All components in this package are safe for concurrent use.
package ha
