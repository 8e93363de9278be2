package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicsignal/bulwark/internal/drivers"
)

func TestSnapshotRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("copies configured collections", func(t *testing.T) {
		source := drivers.NewMemoryStore(nil)
		target := drivers.NewMemoryStore(nil)
		require.NoError(t, source.Put(ctx, "polls", "p1", []byte("open")))
		require.NoError(t, source.Put(ctx, "polls", "p2", []byte("closed")))
		require.NoError(t, source.Put(ctx, "secrets", "s1", []byte("hidden")))

		runner := NewSnapshotRunner(source, target, []string{"polls"}, nil)
		require.NoError(t, runner.Run(ctx, nil))

		got, err := target.Get(ctx, "polls", "p1")
		require.NoError(t, err)
		assert.Equal(t, []byte("open"), got)
		_, err = target.Get(ctx, "secrets", "s1")
		assert.ErrorIs(t, err, drivers.ErrNotFound, "unlisted collections stay out")
	})

	t.Run("step parameters override the collection set", func(t *testing.T) {
		source := drivers.NewMemoryStore(nil)
		target := drivers.NewMemoryStore(nil)
		require.NoError(t, source.Put(ctx, "results", "r1", []byte("v")))

		runner := NewSnapshotRunner(source, target, []string{"polls"}, nil)
		require.NoError(t, runner.Run(ctx, map[string]any{"collections": []any{"results"}}))

		_, err := target.Get(ctx, "results", "r1")
		assert.NoError(t, err)
	})

	t.Run("empty source is a no-op", func(t *testing.T) {
		runner := NewSnapshotRunner(drivers.NewMemoryStore(nil), drivers.NewMemoryStore(nil),
			[]string{"polls"}, nil)
		assert.NoError(t, runner.Run(ctx, nil))
	})
}
