package ha

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrFailoverInProgress is returned when a plan is already executing. Plan
// execution is single-flight system-wide.
var ErrFailoverInProgress = errors.New("a failover plan is already in progress")

// ErrApprovalRequired is returned when an automatic trigger targets a plan
// that demands operator approval.
var ErrApprovalRequired = errors.New("plan requires approval and cannot run on an automatic trigger")

// ErrUnknownPlan is returned for plan ids with no template.
var ErrUnknownPlan = errors.New("unknown failover plan")

// ExecutionStatus tracks a plan execution's lifecycle. Transitions are
// strictly forward: queued -> in_progress -> completed | failed | rolled_back.
type ExecutionStatus string

const (
	StatusQueued     ExecutionStatus = "queued"
	StatusInProgress ExecutionStatus = "in_progress"
	StatusCompleted  ExecutionStatus = "completed"
	StatusFailed     ExecutionStatus = "failed"
	StatusRolledBack ExecutionStatus = "rolled_back"
)

// StepResult records the outcome of one executed step.
type StepResult struct {
	Action      string        `json:"action"`
	Rollback    bool          `json:"rollback"`
	Success     bool          `json:"success"`
	Attempts    int           `json:"attempts"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// ExecutionMetrics summarizes an execution.
type ExecutionMetrics struct {
	StepsTotal    int           `json:"steps_total"`
	StepsExecuted int           `json:"steps_executed"`
	StepsFailed   int           `json:"steps_failed"`
	RollbackSteps int           `json:"rollback_steps"`
	Duration      time.Duration `json:"duration"`
}

// Execution is one invocation of a plan.
type Execution struct {
	ID            string           `json:"id"`
	PlanID        string           `json:"plan_id"`
	Trigger       FailoverTrigger  `json:"trigger"`
	Reason        string           `json:"reason"`
	TargetMode    StorageMode      `json:"target_mode"`
	PriorMode     StorageMode      `json:"prior_mode"`
	Status        ExecutionStatus  `json:"status"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   time.Time        `json:"completed_at,omitempty"`
	ExecutedSteps []StepResult     `json:"executed_steps"`
	Metrics       ExecutionMetrics `json:"metrics"`
}

// ModeSwitcher is the orchestrator's handle on the storage facade. Mode
// transitions happen only through it.
type ModeSwitcher interface {
	SetMode(ctx context.Context, mode StorageMode) error
	Mode() StorageMode
}

// Prober forces an immediate health check.
type Prober interface {
	ForceCheck(ctx context.Context) error
}

// BackupRunner is the injected backup collaborator; the backup step delegates
// to it wholesale.
type BackupRunner interface {
	Run(ctx context.Context, params map[string]any) error
}

// Orchestrator executes failover plans: strictly sequential steps, one
// execution at a time system-wide, rollback on step failure.
type Orchestrator struct {
	plans    map[string]*Plan
	switcher ModeSwitcher
	prober   Prober
	backup   BackupRunner
	recorder *EventRecorder
	logger   *zap.Logger

	mu          sync.Mutex
	running     bool
	active      map[string]*Execution
	history     []*Execution
	historySize int
	listeners   []func(Execution)
}

// OrchestratorOption configures the orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithHistorySize bounds the retained execution history.
func WithHistorySize(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historySize = n
		}
	}
}

// WithBackupRunner injects the backup collaborator.
func WithBackupRunner(b BackupRunner) OrchestratorOption {
	return func(o *Orchestrator) {
		o.backup = b
	}
}

// NewOrchestrator creates an orchestrator over the given plan templates.
func NewOrchestrator(plans map[string]*Plan, switcher ModeSwitcher, prober Prober,
	recorder *EventRecorder, logger *zap.Logger, opts ...OrchestratorOption) *Orchestrator {

	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		plans:       plans,
		switcher:    switcher,
		prober:      prober,
		recorder:    recorder,
		logger:      logger,
		active:      make(map[string]*Execution),
		historySize: 50,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterListener adds a listener invoked by notify steps. Listener errors
// and panics are isolated and never abort the step.
func (o *Orchestrator) RegisterListener(fn func(Execution)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// Execute runs the named plan toward targetMode. It returns immediately with
// ErrFailoverInProgress when another execution is in flight.
func (o *Orchestrator) Execute(ctx context.Context, planID string, targetMode StorageMode,
	trigger FailoverTrigger, reason string) (*Execution, error) {

	o.mu.Lock()
	plan, ok := o.plans[planID]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	if plan.RequiresApproval && trigger != TriggerManual && trigger != TriggerPlannedMaintenance {
		o.mu.Unlock()
		return nil, ErrApprovalRequired
	}
	if o.running {
		o.mu.Unlock()
		return nil, ErrFailoverInProgress
	}
	o.running = true

	exec := &Execution{
		ID:         uuid.New().String(),
		PlanID:     planID,
		Trigger:    trigger,
		Reason:     reason,
		TargetMode: targetMode,
		PriorMode:  o.switcher.Mode(),
		Status:     StatusQueued,
	}
	exec.Metrics.StepsTotal = len(plan.Steps)
	o.active[exec.ID] = exec
	o.mu.Unlock()

	o.logger.Info("failover plan starting",
		zap.String("plan", planID),
		zap.String("execution", exec.ID),
		zap.String("target_mode", string(targetMode)),
		zap.String("trigger", string(trigger)),
		zap.String("reason", reason))

	o.runPlan(ctx, plan, exec)

	o.finish(exec)
	return exec, nil
}

// runPlan drives the step loop. A panic mid-plan leaves the execution FAILED
// with no rollback: the failure state is ambiguous and blind rollback could
// make it worse.
func (o *Orchestrator) runPlan(ctx context.Context, plan *Plan, exec *Execution) {
	o.mutate(exec, func(e *Execution) {
		e.Status = StatusInProgress
		e.StartedAt = time.Now().UTC()
	})

	defer func() {
		rec := recover()
		o.mutate(exec, func(e *Execution) {
			if rec != nil {
				e.Status = StatusFailed
			}
			e.CompletedAt = time.Now().UTC()
			e.Metrics.Duration = e.CompletedAt.Sub(e.StartedAt)
		})
		if rec != nil {
			o.logger.Error("failover plan panicked",
				zap.String("execution", exec.ID),
				zap.Any("panic", rec))
		}
	}()

	rollbackRequired := false
	for i, step := range plan.Steps {
		result := o.runStep(ctx, step, exec, false)
		o.mutate(exec, func(e *Execution) {
			e.ExecutedSteps = append(e.ExecutedSteps, result)
			e.Metrics.StepsExecuted++
			if !result.Success {
				e.Metrics.StepsFailed++
			}
		})
		if !result.Success && !step.ContinueOnFailure {
			o.logger.Warn("plan step failed, rollback required",
				zap.String("execution", exec.ID),
				zap.Int("step", i),
				zap.String("action", step.Action),
				zap.String("error", result.Error))
			rollbackRequired = true
			break
		}
	}

	if !rollbackRequired {
		o.mutate(exec, func(e *Execution) { e.Status = StatusCompleted })
		return
	}

	// Rollback steps run unconditionally and in order, under the same
	// per-step timeout discipline. Failures are logged, not fatal.
	for _, step := range plan.RollbackSteps {
		result := o.runStep(ctx, step, exec, true)
		o.mutate(exec, func(e *Execution) {
			e.ExecutedSteps = append(e.ExecutedSteps, result)
			e.Metrics.RollbackSteps++
		})
		if !result.Success {
			o.logger.Error("rollback step failed",
				zap.String("execution", exec.ID),
				zap.String("action", step.Action),
				zap.String("error", result.Error))
		}
	}
	o.mutate(exec, func(e *Execution) { e.Status = StatusRolledBack })
}

// mutate applies fn to a live execution under the orchestrator lock. Active
// and History snapshot executions under the same lock, so readers only ever
// observe step-boundary states.
func (o *Orchestrator) mutate(exec *Execution, fn func(*Execution)) {
	o.mu.Lock()
	fn(exec)
	o.mu.Unlock()
}

// runStep executes one step under its own timeout, retrying per RetryCount.
// A timeout feeds the same failure path as an action error.
func (o *Orchestrator) runStep(ctx context.Context, step Step, exec *Execution, rollback bool) StepResult {
	result := StepResult{
		Action:    step.Action,
		Rollback:  rollback,
		StartedAt: time.Now().UTC(),
	}

	attempts := step.RetryCount + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result.Attempts = attempt + 1
		lastErr = o.runAction(ctx, step, exec)
		if lastErr == nil {
			break
		}
	}

	result.CompletedAt = time.Now().UTC()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	if lastErr != nil {
		result.Error = lastErr.Error()
		return result
	}
	result.Success = true
	return result
}

func (o *Orchestrator) runAction(ctx context.Context, step Step, exec *Execution) error {
	timeout := step.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	panicked := make(chan any, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				panicked <- rec
			}
		}()
		done <- o.dispatch(stepCtx, step, exec)
	}()

	select {
	case err := <-done:
		return err
	case rec := <-panicked:
		// Re-raise on the plan goroutine so runPlan's recover marks the
		// execution failed instead of the process dying.
		panic(rec)
	case <-stepCtx.Done():
		return fmt.Errorf("step %s timed out after %v", step.Action, timeout)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, step Step, exec *Execution) error {
	switch step.Action {
	case ActionSwitchStorage:
		mode := o.resolveMode(step.Parameters, exec, exec.TargetMode)
		return o.switcher.SetMode(ctx, mode)

	case ActionHealthCheck:
		return o.prober.ForceCheck(ctx)

	case ActionValidate:
		expected := o.resolveMode(step.Parameters, exec, exec.TargetMode)
		if current := o.switcher.Mode(); current != expected {
			return fmt.Errorf("validation failed: mode is %s, expected %s", current, expected)
		}
		return nil

	case ActionNotify:
		o.mu.Lock()
		snap := *exec
		o.mu.Unlock()
		o.notifyListeners(snap)
		return nil

	case ActionWait:
		d := paramDuration(step.Parameters, "duration_ms", 100*time.Millisecond)
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case ActionBackup:
		if o.backup == nil {
			return errors.New("no backup collaborator configured")
		}
		return o.backup.Run(ctx, step.Parameters)

	default:
		return fmt.Errorf("unknown step action %q", step.Action)
	}
}

// resolveMode reads the step's mode parameter: an explicit mode string, the
// sentinel "prior" for the pre-execution mode, or the fallback when absent.
func (o *Orchestrator) resolveMode(params map[string]any, exec *Execution, fallback StorageMode) StorageMode {
	raw, ok := params["mode"].(string)
	if !ok || raw == "" {
		return fallback
	}
	if raw == "prior" {
		return exec.PriorMode
	}
	if mode, valid := ParseMode(raw); valid {
		return mode
	}
	return fallback
}

func paramDuration(params map[string]any, key string, fallback time.Duration) time.Duration {
	switch v := params[key].(type) {
	case float64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	default:
		return fallback
	}
}

func (o *Orchestrator) notifyListeners(exec Execution) {
	o.mu.Lock()
	listeners := make([]func(Execution), len(o.listeners))
	copy(listeners, o.listeners)
	o.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					o.logger.Error("failover listener panicked",
						zap.String("execution", exec.ID),
						zap.Any("panic", rec))
				}
			}()
			fn(exec)
		}()
	}
}

// finish moves the execution from the active set to history and records the
// resulting failover event.
func (o *Orchestrator) finish(exec *Execution) {
	o.mu.Lock()
	delete(o.active, exec.ID)
	if len(o.history) >= o.historySize {
		o.history = o.history[1:]
	}
	o.history = append(o.history, exec)
	o.running = false
	o.mu.Unlock()

	success := exec.Status == StatusCompleted
	event := FailoverEvent{
		FromMode: exec.PriorMode,
		ToMode:   exec.TargetMode,
		Trigger:  exec.Trigger,
		Reason:   exec.Reason,
		Success:  success,
		Latency:  exec.Metrics.Duration,
	}
	if !success {
		event.ToMode = o.switcher.Mode()
		event.Error = fmt.Sprintf("execution %s finished %s", exec.ID, exec.Status)
	}
	if o.recorder != nil {
		o.recorder.Record(event)
	}

	o.logger.Info("failover plan finished",
		zap.String("execution", exec.ID),
		zap.String("status", string(exec.Status)),
		zap.Duration("duration", exec.Metrics.Duration))
}

// History returns up to limit completed executions, newest last.
func (o *Orchestrator) History(limit int) []Execution {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := len(o.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Execution, 0, n)
	for _, e := range o.history[len(o.history)-n:] {
		out = append(out, *e)
	}
	return out
}

// Active returns in-flight executions.
func (o *Orchestrator) Active() []Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Execution, 0, len(o.active))
	for _, e := range o.active {
		out = append(out, *e)
	}
	return out
}

// Plan returns a plan template by id.
func (o *Orchestrator) Plan(id string) (*Plan, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.plans[id]
	return p, ok
}
