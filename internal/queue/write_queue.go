package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Write methods a queued operation can carry.
const (
	MethodPut    = "put"
	MethodDelete = "delete"
)

// ErrQueueFull is returned when the buffer is at capacity.
var ErrQueueFull = errors.New("write queue is full")

// Operation is one deferred mutation. The id doubles as an idempotency key:
// replay is at-least-once, and backends that care may dedupe on it.
type Operation struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Collection string    `json:"collection"`
	Key        string    `json:"key"`
	Value      []byte    `json:"value,omitempty"`
	Retries    int       `json:"retries"`
}

// NewOperation creates a stamped operation.
func NewOperation(method, collection, key string, value []byte) Operation {
	return Operation{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Method:     method,
		Collection: collection,
		Key:        key,
		Value:      value,
	}
}

// Config tunes the queue and its replayer.
type Config struct {
	MaxDepth       int           `yaml:"max_depth"`
	ReplayInterval time.Duration `yaml:"replay_interval"`
	ReplayRate     float64       `yaml:"replay_rate"`
	MaxRetries     int           `yaml:"max_retries"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:       10000,
		ReplayInterval: 5 * time.Second,
		ReplayRate:     200,
		MaxRetries:     3,
	}
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.MaxDepth == 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.ReplayInterval == 0 {
		c.ReplayInterval = d.ReplayInterval
	}
	if c.ReplayRate == 0 {
		c.ReplayRate = d.ReplayRate
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
}

// WriteQueue is a FIFO buffer of deferred mutations. It is written from the
// request path and drained by the replayer; both sides may run at once.
type WriteQueue struct {
	mu       sync.Mutex
	ops      []Operation
	maxDepth int
	logger   *zap.Logger
}

// NewWriteQueue creates an empty queue.
func NewWriteQueue(maxDepth int, logger *zap.Logger) *WriteQueue {
	if maxDepth <= 0 {
		maxDepth = DefaultConfig().MaxDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WriteQueue{
		ops:      make([]Operation, 0, 64),
		maxDepth: maxDepth,
		logger:   logger,
	}
}

// Enqueue appends an operation in arrival order.
func (q *WriteQueue) Enqueue(op Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ops) >= q.maxDepth {
		return ErrQueueFull
	}
	q.ops = append(q.ops, op)
	return nil
}

// Peek returns the oldest operation without removing it.
func (q *WriteQueue) Peek() (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return Operation{}, false
	}
	return q.ops[0], true
}

// Dequeue removes and returns the oldest operation.
func (q *WriteQueue) Dequeue() (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return Operation{}, false
	}
	op := q.ops[0]
	q.ops = q.ops[1:]
	return op, true
}

// bumpRetries increments the retry counter on the head op if it still matches
// id, returning the new count. The head may have been drained concurrently.
func (q *WriteQueue) bumpRetries(id string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 || q.ops[0].ID != id {
		return 0, false
	}
	q.ops[0].Retries++
	return q.ops[0].Retries, true
}

// dropHead removes the head op if it still matches id.
func (q *WriteQueue) dropHead(id string) (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 || q.ops[0].ID != id {
		return Operation{}, false
	}
	op := q.ops[0]
	q.ops = q.ops[1:]
	return op, true
}

// Len returns the number of buffered operations.
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Clear drops every buffered operation and returns how many were discarded.
// Entering memory-optimized mode calls this: availability over durability.
func (q *WriteQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := len(q.ops)
	q.ops = q.ops[:0]
	if dropped > 0 {
		q.logger.Warn("write queue cleared", zap.Int("dropped", dropped))
	}
	return dropped
}

// Snapshot returns a copy of the buffered operations in order.
func (q *WriteQueue) Snapshot() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// Applier re-issues one operation against the authoritative backend.
type Applier interface {
	Apply(ctx context.Context, op Operation) error
}

// Replayer drains the queue in enqueue order while the backend is healthy.
// Each operation gets MaxRetries attempts, then is dropped with a data-loss
// notification; nothing is discarded silently.
type Replayer struct {
	queue   *WriteQueue
	applier Applier
	healthy func() bool
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger

	onDrop    func(Operation, error)
	onReplay  func(Operation)
	stopChan  chan struct{}
	wg        sync.WaitGroup
	drainOnce sync.Mutex
}

// ReplayerOption configures the replayer.
type ReplayerOption func(*Replayer)

// WithDropHandler sets the data-loss callback.
func WithDropHandler(fn func(Operation, error)) ReplayerOption {
	return func(r *Replayer) { r.onDrop = fn }
}

// WithReplayHandler sets the per-success callback.
func WithReplayHandler(fn func(Operation)) ReplayerOption {
	return func(r *Replayer) { r.onReplay = fn }
}

// NewReplayer creates a replayer. healthy gates draining: the loop only runs
// a pass while it returns true and the queue is non-empty.
func NewReplayer(q *WriteQueue, applier Applier, healthy func() bool,
	cfg Config, logger *zap.Logger, opts ...ReplayerOption) *Replayer {

	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Replayer{
		queue:    q,
		applier:  applier,
		healthy:  healthy,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ReplayRate), 1),
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the periodic replay loop.
func (r *Replayer) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop shuts the loop down.
func (r *Replayer) Stop() {
	close(r.stopChan)
	r.wg.Wait()
}

func (r *Replayer) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			if r.healthy() && r.queue.Len() > 0 {
				r.Drain(context.Background())
			}
		}
	}
}

// Drain replays queued operations in order until the queue empties, the
// backend turns unhealthy, or shutdown. Safe to call concurrently with
// enqueues; only one drain runs at a time.
func (r *Replayer) Drain(ctx context.Context) {
	r.drainOnce.Lock()
	defer r.drainOnce.Unlock()

	for r.healthy() {
		select {
		case <-r.stopChan:
			return
		default:
		}

		op, ok := r.queue.Peek()
		if !ok {
			return
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return
		}

		err := r.applier.Apply(ctx, op)
		if err == nil {
			r.queue.dropHead(op.ID)
			r.logger.Debug("replayed queued write",
				zap.String("op", op.ID),
				zap.String("method", op.Method),
				zap.String("key", op.Collection+"/"+op.Key))
			if r.onReplay != nil {
				r.onReplay(op)
			}
			continue
		}

		retries, live := r.queue.bumpRetries(op.ID)
		if !live {
			continue
		}
		if retries >= r.cfg.MaxRetries {
			dropped, _ := r.queue.dropHead(op.ID)
			r.logger.Error("queued write dropped after retry exhaustion",
				zap.String("op", op.ID),
				zap.String("method", op.Method),
				zap.String("key", op.Collection+"/"+op.Key),
				zap.Int("retries", retries),
				zap.Error(err))
			if r.onDrop != nil {
				r.onDrop(dropped, err)
			}
		}
	}
}
