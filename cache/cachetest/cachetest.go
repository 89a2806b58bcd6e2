// Package cachetest holds the behavioral suite every cache.Store backend must
// pass. Backend packages call Run from their own tests.
package cachetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync/cache"
)

// Factory returns a fresh, uninitialized store.
type Factory func(t *testing.T) cache.Store

func ms(v int64) *int64 { return &v }

// SampleMessage returns a message row with a root and nullable times set.
func SampleMessage(id, owner, conv string, version int64) *cache.MessageRow {
	return &cache.MessageRow{
		ID:             id,
		OwnerUserID:    owner,
		ConversationID: conv,
		SenderUserID:   "u-sender",
		Content:        "hello " + id,
		Reactions:      `[{"userId":"u2","emoji":"👍","createdAt":"2024-05-01T10:00:00Z"}]`,
		Type:           "text",
		Origin:         "user",
		Status:         "confirmed",
		Version:        version,
		Root: &cache.MessageRow{
			ID:             "root-" + id,
			OwnerUserID:    owner,
			ConversationID: conv,
			SenderUserID:   "u-root",
			Content:        "original",
			Type:           "text",
			Origin:         "user",
			Version:        1,
			CreatedAt:      1714557600000,
		},
		CreatedAt: 1714557600000 + version,
		UpdatedAt: ms(1714557700000),
	}
}

// SampleConversation returns a conversation row with a last-message summary.
func SampleConversation(id, owner string) *cache.ConversationRow {
	return &cache.ConversationRow{
		ID:                 id,
		OwnerUserID:        owner,
		Name:               "room " + id,
		Settings:           `{"muted":false}`,
		CreatedAt:          ms(1714557600000),
		LastMessageID:      "m-last",
		LastMessageSender:  "u-sender",
		LastMessagePreview: "see you",
		LastMessageVersion: 7,
		LastMessageAt:      ms(1714557800000),
	}
}

// SampleUser returns a user row.
func SampleUser(id, owner string) *cache.UserRow {
	return &cache.UserRow{ID: id, OwnerUserID: owner, Username: "name-" + id, UpdatedAt: 1714557600000}
}

func initStore(t *testing.T, f Factory) cache.Store {
	t.Helper()
	s := f(t)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Run executes the suite against stores produced by f.
func Run(t *testing.T, f Factory) {
	ctx := context.Background()

	t.Run("init is idempotent and records the schema version", func(t *testing.T) {
		s := initStore(t, f)
		require.NoError(t, s.Init(ctx))
		v, err := s.SchemaVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
	})

	t.Run("use before init fails", func(t *testing.T) {
		s := f(t)
		t.Cleanup(func() { _ = s.Close() })
		_, _, err := s.Get(ctx, cache.TableUser, cache.PK("x"))
		assert.ErrorIs(t, err, cache.ErrNotInitialized)
		err = s.InsertBulkSafe(ctx, cache.TableUser, []cache.Row{SampleUser("a", "me")})
		assert.ErrorIs(t, err, cache.ErrNotInitialized)
	})

	t.Run("rows round trip on every table", func(t *testing.T) {
		s := initStore(t, f)
		rows := map[cache.Table]cache.Row{
			cache.TableUser:         SampleUser("u1", "me"),
			cache.TableConversation: SampleConversation("c1", "me"),
			cache.TableMessage:      SampleMessage("m1", "me", "c1", 3),
		}
		for table, row := range rows {
			require.NoError(t, s.InsertBulkSafe(ctx, table, []cache.Row{row}))
			got, ok, err := s.Get(ctx, table, cache.PK(row.PrimaryKey()))
			require.NoError(t, err)
			require.True(t, ok, "table %s", table)
			assert.Equal(t, row, got, "table %s", table)
		}
	})

	t.Run("lookup by id and conversation", func(t *testing.T) {
		s := initStore(t, f)
		require.NoError(t, s.InsertBulkSafe(ctx, cache.TableMessage, []cache.Row{
			SampleMessage("m2", "me", "c1", 2),
			SampleMessage("m1", "me", "c1", 1),
			SampleMessage("m3", "me", "c2", 1),
		}))

		got, ok, err := s.Get(ctx, cache.TableMessage, cache.ByID("m2"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "m2", got.EntityID())

		got, ok, err = s.Get(ctx, cache.TableMessage, cache.Key{Field: cache.FieldConversationID, Value: "c1"})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "m1", got.EntityID(), "first match is ordered by primary key")

		_, ok, err = s.Get(ctx, cache.TableMessage, cache.ByID("missing"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("same entity is cached once per owner", func(t *testing.T) {
		s := initStore(t, f)
		a := SampleMessage("m1", "alice", "c1", 1)
		b := SampleMessage("m1", "bob", "c1", 1)
		b.Content = "bob's copy"
		require.NoError(t, s.InsertBulkSafe(ctx, cache.TableMessage, []cache.Row{a, b}))

		got, ok, err := s.Get(ctx, cache.TableMessage, cache.PK(cache.CompositeKey("m1", "bob")))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "bob's copy", got.(*cache.MessageRow).Content)

		got, ok, err = s.Get(ctx, cache.TableMessage, cache.PK(cache.CompositeKey("m1", "alice")))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, a.Content, got.(*cache.MessageRow).Content)

		got, ok, err = s.Get(ctx, cache.TableMessage, cache.ByID("m1").Of("bob"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "bob", got.Owner())

		require.NoError(t, s.DeleteItem(ctx, cache.TableMessage, cache.ByConversation("c1").Of("alice")))
		_, ok, err = s.Get(ctx, cache.TableMessage, cache.PK(cache.CompositeKey("m1", "alice")))
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = s.Get(ctx, cache.TableMessage, cache.PK(cache.CompositeKey("m1", "bob")))
		require.NoError(t, err)
		assert.True(t, ok, "other owner's rows survive")
	})

	t.Run("upsert is idempotent", func(t *testing.T) {
		s := initStore(t, f)
		batch := []cache.Row{SampleMessage("m1", "me", "c1", 1), SampleMessage("m2", "me", "c1", 2)}
		require.NoError(t, s.InsertBulkSafe(ctx, cache.TableMessage, batch))
		first := snapshot(t, s, batch)
		require.NoError(t, s.InsertBulkSafe(ctx, cache.TableMessage, batch))
		assert.Equal(t, first, snapshot(t, s, batch))

		edited := SampleMessage("m1", "me", "c1", 4)
		edited.Content = "edited"
		require.NoError(t, s.InsertBulkSafe(ctx, cache.TableMessage, []cache.Row{edited}))
		got, _, err := s.Get(ctx, cache.TableMessage, cache.PK(edited.PrimaryKey()))
		require.NoError(t, err)
		assert.Equal(t, edited, got)
	})

	t.Run("mixed batch is rejected whole", func(t *testing.T) {
		s := initStore(t, f)
		err := s.InsertBulkSafe(ctx, cache.TableMessage, []cache.Row{
			SampleMessage("m1", "me", "c1", 1),
			SampleUser("u1", "me"),
		})
		assert.ErrorIs(t, err, cache.ErrTableMismatch)
		_, ok, err := s.Get(ctx, cache.TableMessage, cache.ByID("m1"))
		require.NoError(t, err)
		assert.False(t, ok)

		err = s.InsertBulkSafe(ctx, cache.TableUser, []cache.Row{&cache.UserRow{ID: "u1"}})
		assert.ErrorIs(t, err, cache.ErrInvalidRow)
	})

	t.Run("ids with a colon keep owners apart", func(t *testing.T) {
		s := initStore(t, f)
		require.NoError(t, s.InsertBulkSafe(ctx, cache.TableUser, []cache.Row{SampleUser("b:c", "a")}))
		err := s.InsertBulkSafe(ctx, cache.TableUser, []cache.Row{SampleUser("c", "a:b")})
		assert.ErrorIs(t, err, cache.ErrInvalidRow)

		got, ok, err := s.Get(ctx, cache.TableUser, cache.PK(cache.CompositeKey("b:c", "a")))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "name-b:c", got.(*cache.UserRow).Username)
	})

	t.Run("unknown table and field are errors", func(t *testing.T) {
		s := initStore(t, f)
		_, _, err := s.Get(ctx, cache.Table("migration"), cache.PK("1"))
		assert.ErrorIs(t, err, cache.ErrUnknownTable)
		assert.ErrorIs(t, s.Truncate(ctx, cache.Table("bogus")), cache.ErrUnknownTable)
		_, err = s.Table(cache.Table("bogus"))
		assert.ErrorIs(t, err, cache.ErrUnknownTable)

		_, _, err = s.Get(ctx, cache.TableUser, cache.Key{Field: cache.FieldConversationID, Value: "c1"})
		assert.ErrorIs(t, err, cache.ErrUnknownField)
		err = s.DeleteItem(ctx, cache.TableMessage, cache.Key{Field: "content", Value: "x"})
		assert.ErrorIs(t, err, cache.ErrUnknownField)
	})

	t.Run("deletes", func(t *testing.T) {
		s := initStore(t, f)
		require.NoError(t, s.InsertBulkSafe(ctx, cache.TableMessage, []cache.Row{
			SampleMessage("m1", "me", "c1", 1),
			SampleMessage("m2", "me", "c1", 2),
			SampleMessage("m3", "me", "c2", 1),
			SampleMessage("m4", "me", "c3", 1),
		}))

		require.NoError(t, s.DeleteItem(ctx, cache.TableMessage, cache.Key{Field: cache.FieldConversationID, Value: "c1"}))
		assertAbsent(t, s, cache.TableMessage, "m1", "m2")
		assertPresent(t, s, cache.TableMessage, "m3", "m4")

		require.NoError(t, s.DeleteBulk(ctx, cache.TableMessage, []string{
			cache.CompositeKey("m3", "me"), cache.CompositeKey("nope", "me"),
		}))
		assertAbsent(t, s, cache.TableMessage, "m3")
		assertPresent(t, s, cache.TableMessage, "m4")

		require.NoError(t, s.Truncate(ctx, cache.TableMessage))
		assertAbsent(t, s, cache.TableMessage, "m4")
	})

	t.Run("disabled storage is a no-op", func(t *testing.T) {
		s := initStore(t, f)
		require.NoError(t, s.InsertBulkSafe(ctx, cache.TableUser, []cache.Row{SampleUser("u1", "me")}))

		s.DisableStorage()
		assert.False(t, s.IsStorageEnabled())
		assert.NoError(t, s.InsertBulkSafe(ctx, cache.TableUser, []cache.Row{SampleUser("u2", "me")}))
		assert.NoError(t, s.DeleteItem(ctx, cache.TableUser, cache.ByID("u1")))
		assert.NoError(t, s.DeleteBulk(ctx, cache.TableUser, []string{cache.CompositeKey("u1", "me")}))
		assert.NoError(t, s.Truncate(ctx, cache.TableUser))
		row, ok, err := s.Get(ctx, cache.TableUser, cache.ByID("u1"))
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, row)
		_, err = s.Table(cache.TableUser)
		assert.ErrorIs(t, err, cache.ErrStorageDisabled)

		s.EnableStorage()
		assertPresent(t, s, cache.TableUser, "u1")
		assertAbsent(t, s, cache.TableUser, "u2")
	})

	t.Run("handle is tagged", func(t *testing.T) {
		s := initStore(t, f)
		h, err := s.Table(cache.TableConversation)
		require.NoError(t, err)
		assert.Equal(t, cache.TableConversation, h.Table())
		assert.NotEmpty(t, h.Backend())
		assert.NotNil(t, h.Native())
	})
}

func snapshot(t *testing.T, s cache.Store, rows []cache.Row) []cache.Row {
	t.Helper()
	out := make([]cache.Row, 0, len(rows))
	for _, r := range rows {
		got, ok, err := s.Get(context.Background(), r.Table(), cache.PK(r.PrimaryKey()))
		require.NoError(t, err)
		require.True(t, ok)
		out = append(out, got)
	}
	return out
}

func assertPresent(t *testing.T, s cache.Store, table cache.Table, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, ok, err := s.Get(context.Background(), table, cache.ByID(id))
		require.NoError(t, err)
		assert.True(t, ok, "%s %s should exist", table, id)
	}
}

func assertAbsent(t *testing.T, s cache.Store, table cache.Table, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, ok, err := s.Get(context.Background(), table, cache.ByID(id))
		require.NoError(t, err)
		assert.False(t, ok, "%s %s should be gone", table, id)
	}
}
