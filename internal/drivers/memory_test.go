package drivers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		s := NewMemoryStore(nil)

		require.NoError(t, s.Put(ctx, "polls", "p1", []byte("open")))

		got, err := s.Get(ctx, "polls", "p1")
		require.NoError(t, err)
		assert.Equal(t, []byte("open"), got)

		exists, err := s.Exists(ctx, "polls", "p1")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("missing key", func(t *testing.T) {
		s := NewMemoryStore(nil)

		_, err := s.Get(ctx, "polls", "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		exists, err := s.Exists(ctx, "polls", "nope")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := NewMemoryStore(nil)
		require.NoError(t, s.Put(ctx, "polls", "p1", []byte("v")))

		require.NoError(t, s.Delete(ctx, "polls", "p1"))
		require.NoError(t, s.Delete(ctx, "polls", "p1"))

		_, err := s.Get(ctx, "polls", "p1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list filters by prefix in sorted order", func(t *testing.T) {
		s := NewMemoryStore(nil)
		for _, k := range []string{"county:42", "county:7", "state:tx"} {
			require.NoError(t, s.Put(ctx, "results", k, []byte("v")))
		}

		keys, err := s.List(ctx, "results", "county:")
		require.NoError(t, err)
		assert.Equal(t, []string{"county:42", "county:7"}, keys)

		all, err := s.List(ctx, "results", "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("stored values are isolated from caller buffers", func(t *testing.T) {
		s := NewMemoryStore(nil)
		buf := []byte("original")
		require.NoError(t, s.Put(ctx, "polls", "p1", buf))
		buf[0] = 'X'

		got, err := s.Get(ctx, "polls", "p1")
		require.NoError(t, err)
		assert.Equal(t, []byte("original"), got)

		got[0] = 'Y'
		again, err := s.Get(ctx, "polls", "p1")
		require.NoError(t, err)
		assert.Equal(t, []byte("original"), again)
	})

	t.Run("truncate drops one collection", func(t *testing.T) {
		s := NewMemoryStore(nil)
		require.NoError(t, s.Put(ctx, "polls", "p1", []byte("v")))
		require.NoError(t, s.Put(ctx, "results", "r1", []byte("v")))

		require.NoError(t, s.Truncate(ctx, "polls"))

		_, err := s.Get(ctx, "polls", "p1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "results", "r1")
		assert.NoError(t, err)
	})

	t.Run("stats", func(t *testing.T) {
		s := NewMemoryStore(nil)
		require.NoError(t, s.Put(ctx, "polls", "p1", []byte("1234")))
		require.NoError(t, s.Put(ctx, "polls", "p2", []byte("12")))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Collections)
		assert.EqualValues(t, 2, stats.Records)
		assert.EqualValues(t, 6, stats.Bytes)
	})

	t.Run("ping never fails", func(t *testing.T) {
		s := NewMemoryStore(nil)
		assert.NoError(t, s.Ping(ctx))
	})
}
