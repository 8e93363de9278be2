package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingApplier struct {
	mu      sync.Mutex
	applied []Operation
	fail    func(Operation) error
}

func (a *recordingApplier) Apply(_ context.Context, op Operation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		if err := a.fail(op); err != nil {
			return err
		}
	}
	a.applied = append(a.applied, op)
	return nil
}

func (a *recordingApplier) keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.applied))
	for i, op := range a.applied {
		out[i] = op.Key
	}
	return out
}

func alwaysHealthy() bool { return true }

func fastQueueConfig() Config {
	return Config{MaxDepth: 100, ReplayInterval: 10 * time.Millisecond, ReplayRate: 10000, MaxRetries: 3}
}

func TestWriteQueue(t *testing.T) {
	t.Run("fifo order", func(t *testing.T) {
		q := NewWriteQueue(10, zap.NewNop())

		for _, key := range []string{"a", "b", "c"} {
			require.NoError(t, q.Enqueue(NewOperation(MethodPut, "polls", key, []byte("v"))))
		}

		assert.Equal(t, 3, q.Len())
		head, ok := q.Peek()
		require.True(t, ok)
		assert.Equal(t, "a", head.Key)

		first, _ := q.Dequeue()
		second, _ := q.Dequeue()
		assert.Equal(t, "a", first.Key)
		assert.Equal(t, "b", second.Key)
		assert.Equal(t, 1, q.Len())
	})

	t.Run("capacity bound", func(t *testing.T) {
		q := NewWriteQueue(2, zap.NewNop())

		require.NoError(t, q.Enqueue(NewOperation(MethodPut, "c", "1", nil)))
		require.NoError(t, q.Enqueue(NewOperation(MethodPut, "c", "2", nil)))

		err := q.Enqueue(NewOperation(MethodPut, "c", "3", nil))
		assert.ErrorIs(t, err, ErrQueueFull)
		assert.Equal(t, 2, q.Len())
	})

	t.Run("clear reports how many were discarded", func(t *testing.T) {
		q := NewWriteQueue(10, zap.NewNop())
		q.Enqueue(NewOperation(MethodPut, "c", "1", nil))
		q.Enqueue(NewOperation(MethodDelete, "c", "2", nil))

		assert.Equal(t, 2, q.Clear())
		assert.Zero(t, q.Len())
		assert.Zero(t, q.Clear())
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		q := NewWriteQueue(10, zap.NewNop())
		q.Enqueue(NewOperation(MethodPut, "c", "1", nil))

		snap := q.Snapshot()
		require.Len(t, snap, 1)
		q.Dequeue()
		assert.Len(t, snap, 1)
	})

	t.Run("empty queue accessors", func(t *testing.T) {
		q := NewWriteQueue(10, zap.NewNop())
		_, ok := q.Peek()
		assert.False(t, ok)
		_, ok = q.Dequeue()
		assert.False(t, ok)
	})
}

func TestReplayer_Drain(t *testing.T) {
	t.Run("replays in enqueue order", func(t *testing.T) {
		q := NewWriteQueue(10, zap.NewNop())
		for _, key := range []string{"a", "b", "c"} {
			q.Enqueue(NewOperation(MethodPut, "polls", key, []byte("v")))
		}

		applier := &recordingApplier{}
		var replayed []string
		r := NewReplayer(q, applier, alwaysHealthy, fastQueueConfig(), zap.NewNop(),
			WithReplayHandler(func(op Operation) { replayed = append(replayed, op.Key) }))

		r.Drain(context.Background())

		assert.Equal(t, []string{"a", "b", "c"}, applier.keys())
		assert.Equal(t, []string{"a", "b", "c"}, replayed)
		assert.Zero(t, q.Len())
	})

	t.Run("drops after retry exhaustion and keeps going", func(t *testing.T) {
		q := NewWriteQueue(10, zap.NewNop())
		poison := NewOperation(MethodPut, "polls", "poison", []byte("v"))
		q.Enqueue(poison)
		q.Enqueue(NewOperation(MethodPut, "polls", "good", []byte("v")))

		applier := &recordingApplier{fail: func(op Operation) error {
			if op.Key == "poison" {
				return errors.New("constraint violation")
			}
			return nil
		}}

		var dropped []Operation
		var dropErr error
		r := NewReplayer(q, applier, alwaysHealthy, fastQueueConfig(), zap.NewNop(),
			WithDropHandler(func(op Operation, err error) {
				dropped = append(dropped, op)
				dropErr = err
			}))

		r.Drain(context.Background())

		require.Len(t, dropped, 1)
		assert.Equal(t, "poison", dropped[0].Key)
		assert.Equal(t, 3, dropped[0].Retries)
		assert.Error(t, dropErr)
		assert.Equal(t, []string{"good"}, applier.keys(), "the failure never blocks later writes")
		assert.Zero(t, q.Len())
	})

	t.Run("stops when the backend turns unhealthy", func(t *testing.T) {
		q := NewWriteQueue(10, zap.NewNop())
		for _, key := range []string{"a", "b", "c"} {
			q.Enqueue(NewOperation(MethodPut, "polls", key, nil))
		}

		var healthy sync.Mutex
		good := true
		applier := &recordingApplier{fail: func(op Operation) error {
			if op.Key == "b" {
				healthy.Lock()
				good = false
				healthy.Unlock()
			}
			return nil
		}}
		r := NewReplayer(q, applier, func() bool {
			healthy.Lock()
			defer healthy.Unlock()
			return good
		}, fastQueueConfig(), zap.NewNop())

		r.Drain(context.Background())

		assert.Equal(t, []string{"a", "b"}, applier.keys())
		assert.Equal(t, 1, q.Len(), "c stays queued for the next pass")
	})

	t.Run("enqueues during a drain survive", func(t *testing.T) {
		q := NewWriteQueue(100, zap.NewNop())
		q.Enqueue(NewOperation(MethodPut, "polls", "first", nil))

		var once sync.Once
		applier := &recordingApplier{}
		applier.fail = func(Operation) error {
			once.Do(func() {
				q.Enqueue(NewOperation(MethodDelete, "polls", "late", nil))
			})
			return nil
		}
		r := NewReplayer(q, applier, alwaysHealthy, fastQueueConfig(), zap.NewNop())

		r.Drain(context.Background())

		assert.Equal(t, []string{"first", "late"}, applier.keys())
	})
}

func TestReplayer_Loop(t *testing.T) {
	q := NewWriteQueue(10, zap.NewNop())
	q.Enqueue(NewOperation(MethodPut, "polls", "a", nil))

	applier := &recordingApplier{}
	r := NewReplayer(q, applier, alwaysHealthy, fastQueueConfig(), zap.NewNop())

	r.Start()
	assert.Eventually(t, func() bool { return q.Len() == 0 },
		2*time.Second, 5*time.Millisecond)
	r.Stop()

	assert.Equal(t, []string{"a"}, applier.keys())
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()

	assert.Equal(t, DefaultConfig(), c)

	partial := Config{MaxDepth: 5}
	partial.ApplyDefaults()
	assert.Equal(t, 5, partial.MaxDepth)
	assert.Equal(t, 3, partial.MaxRetries)
}
