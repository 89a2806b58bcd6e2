package cachetest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync/cache"
	"github.com/LuminPulse-AI/chatsync/cache/cachetest"
	"github.com/LuminPulse-AI/chatsync/cache/memstore"
	"github.com/LuminPulse-AI/chatsync/cache/sqlstore"
)

// Rows read from one backend can be written to the other and found under the
// same primary key.
func TestRowsMoveBetweenBackends(t *testing.T) {
	ctx := context.Background()

	src, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	defer src.Close()
	require.NoError(t, src.Init(ctx))

	dst := memstore.New()
	require.NoError(t, dst.Init(ctx))

	rows := []cache.Row{
		cachetest.SampleMessage("m1", "alice", "c1", 1),
		cachetest.SampleMessage("m1", "bob", "c1", 1),
	}
	require.NoError(t, src.InsertBulkSafe(ctx, cache.TableMessage, rows))

	for _, r := range rows {
		got, ok, err := src.Get(ctx, cache.TableMessage, cache.PK(r.PrimaryKey()))
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, dst.InsertBulkSafe(ctx, cache.TableMessage, []cache.Row{got}))

		moved, ok, err := dst.Get(ctx, cache.TableMessage, cache.PK(r.PrimaryKey()))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, r, moved)
	}
}
