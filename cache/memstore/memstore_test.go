package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync/cache"
	"github.com/LuminPulse-AI/chatsync/cache/cachetest"
)

func TestConformance(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cache.Store { return New() })
}

func TestNativeCollection(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Init(ctx))

	require.NoError(t, s.InsertBulkSafe(ctx, cache.TableMessage, []cache.Row{
		cachetest.SampleMessage("m1", "me", "c1", 1),
		cachetest.SampleMessage("m2", "me", "c1", 2),
		cachetest.SampleMessage("m3", "me", "c2", 1),
	}))

	h, err := s.Table(cache.TableMessage)
	require.NoError(t, err)
	assert.Equal(t, cache.BackendMemory, h.Backend())

	coll, ok := cache.NativeAs[*Collection](h)
	require.True(t, ok)
	assert.Equal(t, 3, coll.Len())

	inC1 := coll.Filter(func(r cache.Row) bool { return r.(*cache.MessageRow).ConversationID == "c1" })
	require.Len(t, inC1, 2)
	assert.Equal(t, "m1", inC1[0].EntityID())

	// Returned rows are copies.
	inC1[0].(*cache.MessageRow).Content = "mutated"
	got, _, err := s.Get(ctx, cache.TableMessage, cache.ByID("m1"))
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", got.(*cache.MessageRow).Content)
}

func TestFailedWriteLeavesNoPartialState(t *testing.T) {
	s := New()
	require.NoError(t, s.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.InsertBulkSafe(ctx, cache.TableUser, []cache.Row{
		cachetest.SampleUser("u1", "me"),
		cachetest.SampleUser("u2", "me"),
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, ok, err := s.Get(context.Background(), cache.TableUser, cache.ByID("u1"))
	require.NoError(t, err)
	assert.False(t, ok)
}
