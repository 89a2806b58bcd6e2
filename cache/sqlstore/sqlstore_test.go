package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync/cache"
	"github.com/LuminPulse-AI/chatsync/cache/cachetest"
)

func TestConformance(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cache.Store {
		s, err := Open(":memory:")
		require.NoError(t, err)
		return s
	})
}

func TestReopenKeepsDataAndSkipsMigration(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "cache.db")

	s, err := Open(dsn)
	require.NoError(t, err)
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.InsertBulkSafe(ctx, cache.TableConversation, []cache.Row{
		cachetest.SampleConversation("c1", "me"),
	}))
	require.NoError(t, s.Close())

	s, err = Open(dsn)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Init(ctx))

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)

	got, ok, err := s.Get(ctx, cache.TableConversation, cache.ByID("c1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, cachetest.SampleConversation("c1", "me"), got)
}

func TestMigratesFromVersionOne(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.ExecContext(ctx, migrationTable+steps[0]+`INSERT INTO migration (id, version) VALUES (1, 1);`)
	require.NoError(t, err)

	require.NoError(t, s.Init(ctx))
	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	var name string
	err = s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'idx_message_conversation_version'`,
	).Scan(&name)
	require.NoError(t, err)
}

func TestNativeHandleAndEngine(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Init(ctx))

	h, err := s.Table(cache.TableUser)
	require.NoError(t, err)
	assert.Equal(t, cache.BackendSQLite, h.Backend())
	n, ok := cache.NativeAs[*Native](h)
	require.True(t, ok)
	assert.Equal(t, "user", n.Name)

	sqliteVersion, vecVersion, err := s.EngineInfo(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, sqliteVersion)
	assert.NotEmpty(t, vecVersion)
}
