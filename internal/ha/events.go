package ha

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventRecorder keeps a bounded, append-only log of failover transitions and
// fans events out to subscribers. Delivery is asynchronous and best-effort:
// a slow or panicking listener never blocks the recorder or its peers.
type EventRecorder struct {
	mu          sync.RWMutex
	events      []FailoverEvent
	capacity    int
	subscribers []func(FailoverEvent)

	eventChan chan FailoverEvent
	stopChan  chan struct{}
	wg        sync.WaitGroup
	logger    *zap.Logger
}

// RecorderOption configures the event recorder.
type RecorderOption func(*EventRecorder)

// WithEventCapacity bounds the in-memory event log.
func WithEventCapacity(n int) RecorderOption {
	return func(r *EventRecorder) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// NewEventRecorder creates a recorder and starts its dispatch loop.
func NewEventRecorder(logger *zap.Logger, opts ...RecorderOption) *EventRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &EventRecorder{
		capacity:  100,
		eventChan: make(chan FailoverEvent, 100),
		stopChan:  make(chan struct{}),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.events = make([]FailoverEvent, 0, r.capacity)

	r.wg.Add(1)
	go r.dispatch()

	return r
}

// Record appends an event, dropping the oldest at capacity, and queues it for
// subscriber delivery. Missing id/timestamp are filled in.
func (r *EventRecorder) Record(event FailoverEvent) FailoverEvent {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	if len(r.events) >= r.capacity {
		r.events = r.events[1:]
	}
	r.events = append(r.events, event)
	r.mu.Unlock()

	select {
	case r.eventChan <- event:
	default:
		// Dispatch queue full, subscribers miss this one. The log still has it.
		r.logger.Warn("event dispatch queue full, dropping notification",
			zap.String("event_id", event.ID))
	}

	return event
}

// Recent returns up to limit events, newest last. limit <= 0 returns all.
func (r *EventRecorder) Recent(limit int) []FailoverEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]FailoverEvent, n)
	copy(out, r.events[len(r.events)-n:])
	return out
}

// Len returns the number of retained events.
func (r *EventRecorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// Subscribe registers a listener for future events.
func (r *EventRecorder) Subscribe(fn func(FailoverEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

func (r *EventRecorder) dispatch() {
	defer r.wg.Done()
	for {
		select {
		case event := <-r.eventChan:
			r.mu.RLock()
			subs := make([]func(FailoverEvent), len(r.subscribers))
			copy(subs, r.subscribers)
			r.mu.RUnlock()

			for _, fn := range subs {
				go r.deliver(fn, event)
			}
		case <-r.stopChan:
			return
		}
	}
}

// deliver invokes one subscriber, isolating panics.
func (r *EventRecorder) deliver(fn func(FailoverEvent), event FailoverEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event subscriber panicked",
				zap.String("event_id", event.ID),
				zap.Any("panic", rec))
		}
	}()
	fn(event)
}

// Stop shuts down the dispatch loop.
func (r *EventRecorder) Stop() {
	close(r.stopChan)
	r.wg.Wait()
}
