package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/civicsignal/bulwark/internal/drivers"
	"github.com/civicsignal/bulwark/internal/ha"
	"github.com/civicsignal/bulwark/internal/queue"
	"go.uber.org/zap"
)

// ErrWriteRejected is returned for writes while the system is read-only.
// Read-only means "valid but non-authoritative", so the write is refused
// outright, never queued.
var ErrWriteRejected = errors.New("write rejected: storage is in read-only mode")

// ErrBackendUnavailable is returned when a mode switch targets a backend that
// cannot serve.
var ErrBackendUnavailable = errors.New("target backend unavailable")

// Controller is the storage facade: the single source of truth for the active
// backend. Reads pass through; writes are rejected, forwarded, or forwarded
// and queued for replay depending on the mode. Mode transitions happen only
// through SetMode, which the failover orchestrator owns.
type Controller struct {
	mu            sync.RWMutex
	mode          ha.StorageMode
	readStore     drivers.Store
	writeStore    drivers.Store
	readOnly      bool
	activeReplica string

	primary  drivers.Store
	memory   drivers.Store
	replicas map[string]drivers.Store

	monitor  *ha.Monitor
	queue    *queue.WriteQueue
	recorder *ha.EventRecorder
	logger   *zap.Logger

	onWriteRejected func()
	onModeChange    func(ha.StorageMode)
}

// OnWriteRejected sets a hook fired for every rejected write.
func (c *Controller) OnWriteRejected(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWriteRejected = fn
}

// OnModeChange sets a hook fired after every mode transition.
func (c *Controller) OnModeChange(fn func(ha.StorageMode)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onModeChange = fn
}

// NewController creates the facade in DATABASE mode.
func NewController(primary, memory drivers.Store, replicas map[string]drivers.Store,
	monitor *ha.Monitor, q *queue.WriteQueue, recorder *ha.EventRecorder,
	logger *zap.Logger) *Controller {

	if logger == nil {
		logger = zap.NewNop()
	}
	if replicas == nil {
		replicas = make(map[string]drivers.Store)
	}
	return &Controller{
		mode:       ha.ModeDatabase,
		readStore:  primary,
		writeStore: primary,
		primary:    primary,
		memory:     memory,
		replicas:   replicas,
		monitor:    monitor,
		queue:      q,
		recorder:   recorder,
		logger:     logger,
	}
}

// Mode returns the active storage mode.
func (c *Controller) Mode() ha.StorageMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetMode atomically points the facade at the backend for mode. Callers never
// observe a torn state: stores, mode, and the read-only flag swap under one
// lock. Entering MEMORY_OPTIMIZED clears the write queue immediately.
func (c *Controller) SetMode(ctx context.Context, mode ha.StorageMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid storage mode %q", mode)
	}

	c.mu.Lock()
	previous := c.mode

	switch mode {
	case ha.ModeDatabase:
		c.readStore = c.primary
		c.writeStore = c.primary

	case ha.ModeReplica:
		replica, ok := c.replicas[c.activeReplica]
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("%w: no healthy replica selected", ErrBackendUnavailable)
		}
		c.readStore = replica
		c.writeStore = c.memory

	case ha.ModeHybrid:
		replica, ok := c.replicas[c.activeReplica]
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("%w: hybrid mode needs a replica for reads", ErrBackendUnavailable)
		}
		c.readStore = replica
		c.writeStore = c.primary

	case ha.ModeMemory, ha.ModeMemoryOptimized:
		c.readStore = c.memory
		c.writeStore = c.memory

	case ha.ModeReadOnly:
		// Keep serving reads from wherever they came from; only writes change.
	}

	c.mode = mode
	c.readOnly = mode == ha.ModeReadOnly
	c.mu.Unlock()

	if mode == ha.ModeMemoryOptimized && c.queue != nil {
		dropped := c.queue.Clear()
		if dropped > 0 {
			c.logger.Warn("entering memory-optimized mode dropped queued writes",
				zap.Int("dropped", dropped))
		}
	}

	c.logger.Info("storage mode changed",
		zap.String("from", string(previous)),
		zap.String("to", string(mode)))

	c.mu.RLock()
	hook := c.onModeChange
	c.mu.RUnlock()
	if hook != nil {
		hook(mode)
	}
	return nil
}

// SetActiveReplica adopts the monitor's replica choice. When the facade is
// currently reading from a replica, reads move over immediately.
func (c *Controller) SetActiveReplica(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.activeReplica = id
	if c.mode == ha.ModeReplica || c.mode == ha.ModeHybrid {
		if replica, ok := c.replicas[id]; ok {
			c.readStore = replica
		}
	}
}

// ActiveReplica returns the adopted replica id, "" if none.
func (c *Controller) ActiveReplica() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeReplica
}

// Get reads straight through the active read backend.
func (c *Controller) Get(ctx context.Context, collection, key string) ([]byte, error) {
	c.mu.RLock()
	store := c.readStore
	c.mu.RUnlock()
	return store.Get(ctx, collection, key)
}

// List reads straight through.
func (c *Controller) List(ctx context.Context, collection, prefix string) ([]string, error) {
	c.mu.RLock()
	store := c.readStore
	c.mu.RUnlock()
	return store.List(ctx, collection, prefix)
}

// Exists reads straight through.
func (c *Controller) Exists(ctx context.Context, collection, key string) (bool, error) {
	c.mu.RLock()
	store := c.readStore
	c.mu.RUnlock()
	return store.Exists(ctx, collection, key)
}

// Put writes through the active write backend, queueing a replay copy while
// the authoritative backend is unreachable.
func (c *Controller) Put(ctx context.Context, collection, key string, value []byte) error {
	return c.write(ctx, queue.NewOperation(queue.MethodPut, collection, key, value))
}

// Delete writes through, with the same queueing discipline as Put.
func (c *Controller) Delete(ctx context.Context, collection, key string) error {
	return c.write(ctx, queue.NewOperation(queue.MethodDelete, collection, key, nil))
}

func (c *Controller) write(ctx context.Context, op queue.Operation) error {
	c.mu.RLock()
	mode := c.mode
	store := c.writeStore
	readOnly := c.readOnly
	rejectedHook := c.onWriteRejected
	c.mu.RUnlock()

	if readOnly {
		if rejectedHook != nil {
			rejectedHook()
		}
		return ErrWriteRejected
	}

	err := c.applyTo(ctx, store, op)
	if err != nil && mode == ha.ModeDatabase && c.monitor != nil {
		c.monitor.RecordWriteFailure(err)
	}

	if c.shouldQueue(mode) {
		if qerr := c.queue.Enqueue(op); qerr != nil {
			c.logger.Error("failed to buffer write for replay",
				zap.String("op", op.ID), zap.Error(qerr))
		}
	}

	return err
}

// shouldQueue: buffer for replay whenever the system is away from a cleanly
// healthy DATABASE mode, except in MEMORY_OPTIMIZED where durability has been
// traded away.
func (c *Controller) shouldQueue(mode ha.StorageMode) bool {
	if c.queue == nil || mode == ha.ModeMemoryOptimized {
		return false
	}
	if mode == ha.ModeDatabase && (c.monitor == nil || c.monitor.PrimaryHealthy()) {
		return false
	}
	return true
}

// Apply implements queue.Applier: replayed mutations always target the
// authoritative primary.
func (c *Controller) Apply(ctx context.Context, op queue.Operation) error {
	return c.applyTo(ctx, c.primary, op)
}

func (c *Controller) applyTo(ctx context.Context, store drivers.Store, op queue.Operation) error {
	switch op.Method {
	case queue.MethodPut:
		return store.Put(ctx, op.Collection, op.Key, op.Value)
	case queue.MethodDelete:
		return store.Delete(ctx, op.Collection, op.Key)
	default:
		return fmt.Errorf("unknown write method %q", op.Method)
	}
}

// Status is the external health view.
type Status struct {
	Mode                ha.StorageMode     `json:"mode"`
	IsDatabaseHealthy   bool               `json:"is_database_healthy"`
	IsReplicaHealthy    bool               `json:"is_replica_healthy"`
	IsMemoryOptimized   bool               `json:"is_memory_optimized"`
	IsReadOnlyMode      bool               `json:"is_read_only_mode"`
	ActiveReplica       string             `json:"active_replica,omitempty"`
	RetryAttempts       int                `json:"retry_attempts"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	QueueLength         int                `json:"queue_length"`
	Diagnostics         []ha.Probe         `json:"diagnostics"`
	FailoverEvents      []ha.FailoverEvent `json:"failover_events"`
	ConnectionStats     ha.ConnectionStats `json:"connection_stats"`
}

// HealthStatus assembles the status view. Pure read, never mutates.
func (c *Controller) HealthStatus() Status {
	c.mu.RLock()
	mode := c.mode
	readOnly := c.readOnly
	activeReplica := c.activeReplica
	c.mu.RUnlock()

	status := Status{
		Mode:              mode,
		IsMemoryOptimized: mode == ha.ModeMemoryOptimized,
		IsReadOnlyMode:    readOnly,
		ActiveReplica:     activeReplica,
	}

	if c.monitor != nil {
		snap := c.monitor.Snapshot()
		status.IsDatabaseHealthy = snap.PrimaryHealthy
		status.IsReplicaHealthy = len(snap.HealthyReplicas) > 0
		status.RetryAttempts = snap.RetryAttempts
		status.ConsecutiveFailures = snap.ConsecutiveFailures
		status.Diagnostics = snap.Diagnostics
		status.ConnectionStats = snap.Stats
	}
	if c.queue != nil {
		status.QueueLength = c.queue.Len()
	}
	if c.recorder != nil {
		status.FailoverEvents = c.recorder.Recent(20)
	}
	return status
}

// ReplicaStatus returns per-replica health from the latest probe cycle.
func (c *Controller) ReplicaStatus() map[string]ha.ReplicaHealth {
	if c.monitor == nil {
		return nil
	}
	return c.monitor.Snapshot().Replicas
}
