package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/civicsignal/bulwark/internal/drivers"
	"github.com/civicsignal/bulwark/internal/ha"
	"github.com/civicsignal/bulwark/internal/queue"
)

// flakyStore wraps a memory store and fails writes on demand.
type flakyStore struct {
	*drivers.MemoryStore
	failWrites bool
}

func (s *flakyStore) Put(ctx context.Context, collection, key string, value []byte) error {
	if s.failWrites {
		return errors.New("connection refused")
	}
	return s.MemoryStore.Put(ctx, collection, key, value)
}

func (s *flakyStore) Delete(ctx context.Context, collection, key string) error {
	if s.failWrites {
		return errors.New("connection refused")
	}
	return s.MemoryStore.Delete(ctx, collection, key)
}

func newTestController(t *testing.T) (*Controller, *flakyStore, *drivers.MemoryStore, *drivers.MemoryStore, *queue.WriteQueue) {
	t.Helper()
	primary := &flakyStore{MemoryStore: drivers.NewMemoryStore(nil)}
	memory := drivers.NewMemoryStore(nil)
	replica := drivers.NewMemoryStore(nil)
	q := queue.NewWriteQueue(100, zap.NewNop())

	c := NewController(primary, memory, map[string]drivers.Store{"replica-1": replica},
		nil, q, nil, zap.NewNop())
	return c, primary, memory, replica, q
}

func TestController_Modes(t *testing.T) {
	ctx := context.Background()

	t.Run("starts in database mode against the primary", func(t *testing.T) {
		c, primary, _, _, _ := newTestController(t)

		require.Equal(t, ha.ModeDatabase, c.Mode())
		require.NoError(t, c.Put(ctx, "polls", "p1", []byte("open")))

		got, err := primary.Get(ctx, "polls", "p1")
		require.NoError(t, err)
		assert.Equal(t, []byte("open"), got)
	})

	t.Run("replica mode reads replicas and writes memory", func(t *testing.T) {
		c, primary, memory, replica, _ := newTestController(t)
		require.NoError(t, replica.Put(ctx, "polls", "p1", []byte("replica-copy")))

		c.SetActiveReplica("replica-1")
		require.NoError(t, c.SetMode(ctx, ha.ModeReplica))

		got, err := c.Get(ctx, "polls", "p1")
		require.NoError(t, err)
		assert.Equal(t, []byte("replica-copy"), got)

		require.NoError(t, c.Put(ctx, "polls", "p2", []byte("new")))
		_, err = memory.Get(ctx, "polls", "p2")
		assert.NoError(t, err, "write landed in memory")
		_, err = primary.Get(ctx, "polls", "p2")
		assert.ErrorIs(t, err, drivers.ErrNotFound, "primary untouched")
	})

	t.Run("replica mode without a selected replica fails", func(t *testing.T) {
		c, _, _, _, _ := newTestController(t)

		err := c.SetMode(ctx, ha.ModeReplica)
		assert.ErrorIs(t, err, ErrBackendUnavailable)
		assert.Equal(t, ha.ModeDatabase, c.Mode(), "mode unchanged on failure")
	})

	t.Run("hybrid mode reads replicas and writes primary", func(t *testing.T) {
		c, primary, _, replica, _ := newTestController(t)
		require.NoError(t, replica.Put(ctx, "polls", "p1", []byte("replica-copy")))
		c.SetActiveReplica("replica-1")

		require.NoError(t, c.SetMode(ctx, ha.ModeHybrid))

		got, err := c.Get(ctx, "polls", "p1")
		require.NoError(t, err)
		assert.Equal(t, []byte("replica-copy"), got)

		require.NoError(t, c.Put(ctx, "polls", "p2", []byte("direct")))
		_, err = primary.Get(ctx, "polls", "p2")
		assert.NoError(t, err)
	})

	t.Run("invalid mode", func(t *testing.T) {
		c, _, _, _, _ := newTestController(t)
		assert.Error(t, c.SetMode(ctx, ha.StorageMode("TURBO")))
	})

	t.Run("mode change hook fires", func(t *testing.T) {
		c, _, _, _, _ := newTestController(t)
		var seen []ha.StorageMode
		c.OnModeChange(func(m ha.StorageMode) { seen = append(seen, m) })

		require.NoError(t, c.SetMode(ctx, ha.ModeMemory))
		require.NoError(t, c.SetMode(ctx, ha.ModeDatabase))

		assert.Equal(t, []ha.StorageMode{ha.ModeMemory, ha.ModeDatabase}, seen)
	})
}

func TestController_ReadOnly(t *testing.T) {
	ctx := context.Background()

	t.Run("writes are refused synchronously and never queued", func(t *testing.T) {
		c, _, _, _, q := newTestController(t)
		rejected := 0
		c.OnWriteRejected(func() { rejected++ })

		require.NoError(t, c.SetMode(ctx, ha.ModeReadOnly))

		assert.ErrorIs(t, c.Put(ctx, "polls", "p1", []byte("v")), ErrWriteRejected)
		assert.ErrorIs(t, c.Delete(ctx, "polls", "p1"), ErrWriteRejected)
		assert.Equal(t, 2, rejected)
		assert.Zero(t, q.Len())
	})

	t.Run("reads keep serving", func(t *testing.T) {
		c, _, _, _, _ := newTestController(t)
		require.NoError(t, c.Put(ctx, "polls", "p1", []byte("v")))

		require.NoError(t, c.SetMode(ctx, ha.ModeReadOnly))

		got, err := c.Get(ctx, "polls", "p1")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)
	})

	t.Run("leaving read-only restores writes", func(t *testing.T) {
		c, _, _, _, _ := newTestController(t)
		require.NoError(t, c.SetMode(ctx, ha.ModeReadOnly))
		require.NoError(t, c.SetMode(ctx, ha.ModeDatabase))

		assert.NoError(t, c.Put(ctx, "polls", "p1", []byte("v")))
	})
}

func TestController_Queueing(t *testing.T) {
	ctx := context.Background()

	t.Run("degraded mode writes are buffered for replay", func(t *testing.T) {
		c, _, _, _, q := newTestController(t)
		require.NoError(t, c.SetMode(ctx, ha.ModeMemory))

		require.NoError(t, c.Put(ctx, "polls", "p1", []byte("v")))
		require.NoError(t, c.Delete(ctx, "polls", "old"))

		require.Equal(t, 2, q.Len())
		ops := q.Snapshot()
		assert.Equal(t, queue.MethodPut, ops[0].Method)
		assert.Equal(t, queue.MethodDelete, ops[1].Method)
	})

	t.Run("memory optimized clears the queue and stops buffering", func(t *testing.T) {
		c, _, _, _, q := newTestController(t)
		require.NoError(t, c.SetMode(ctx, ha.ModeMemory))
		require.NoError(t, c.Put(ctx, "polls", "p1", []byte("v")))
		require.Equal(t, 1, q.Len())

		require.NoError(t, c.SetMode(ctx, ha.ModeMemoryOptimized))
		assert.Zero(t, q.Len(), "entering memory-optimized drops the backlog")

		require.NoError(t, c.Put(ctx, "polls", "p2", []byte("v")))
		assert.Zero(t, q.Len(), "no buffering while durability is traded away")
	})

	t.Run("healthy database mode does not buffer", func(t *testing.T) {
		c, _, _, _, q := newTestController(t)
		require.NoError(t, c.Put(ctx, "polls", "p1", []byte("v")))
		assert.Zero(t, q.Len())
	})

	t.Run("replay applies to the primary", func(t *testing.T) {
		c, primary, _, _, _ := newTestController(t)

		op := queue.NewOperation(queue.MethodPut, "polls", "queued", []byte("v"))
		require.NoError(t, c.Apply(ctx, op))

		_, err := primary.Get(ctx, "polls", "queued")
		assert.NoError(t, err)

		del := queue.NewOperation(queue.MethodDelete, "polls", "queued", nil)
		require.NoError(t, c.Apply(ctx, del))
		_, err = primary.Get(ctx, "polls", "queued")
		assert.ErrorIs(t, err, drivers.ErrNotFound)
	})

	t.Run("unknown method", func(t *testing.T) {
		c, _, _, _, _ := newTestController(t)
		err := c.Apply(ctx, queue.Operation{Method: "upsert"})
		assert.Error(t, err)
	})
}

func TestController_SetActiveReplica(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{MemoryStore: drivers.NewMemoryStore(nil)}
	memory := drivers.NewMemoryStore(nil)
	r1 := drivers.NewMemoryStore(nil)
	r2 := drivers.NewMemoryStore(nil)
	require.NoError(t, r1.Put(ctx, "polls", "p", []byte("from-r1")))
	require.NoError(t, r2.Put(ctx, "polls", "p", []byte("from-r2")))

	c := NewController(primary, memory, map[string]drivers.Store{"r1": r1, "r2": r2},
		nil, nil, nil, zap.NewNop())

	c.SetActiveReplica("r1")
	require.NoError(t, c.SetMode(ctx, ha.ModeReplica))
	got, err := c.Get(ctx, "polls", "p")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-r1"), got)

	// Monitor hands over to the next replica; reads follow immediately.
	c.SetActiveReplica("r2")
	assert.Equal(t, "r2", c.ActiveReplica())
	got, err = c.Get(ctx, "polls", "p")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-r2"), got)
}

func TestController_HealthStatus(t *testing.T) {
	ctx := context.Background()
	c, _, _, _, q := newTestController(t)

	require.NoError(t, c.SetMode(ctx, ha.ModeMemory))
	require.NoError(t, c.Put(ctx, "polls", "p1", []byte("v")))

	status := c.HealthStatus()
	assert.Equal(t, ha.ModeMemory, status.Mode)
	assert.False(t, status.IsReadOnlyMode)
	assert.False(t, status.IsMemoryOptimized)
	assert.Equal(t, q.Len(), status.QueueLength)
	assert.Equal(t, 1, status.QueueLength)

	require.NoError(t, c.SetMode(ctx, ha.ModeMemoryOptimized))
	status = c.HealthStatus()
	assert.True(t, status.IsMemoryOptimized)
	assert.Zero(t, status.QueueLength)
}
