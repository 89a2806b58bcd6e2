package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync/cache"
	"github.com/LuminPulse-AI/chatsync/cache/memstore"
	"github.com/LuminPulse-AI/chatsync/model"
	"github.com/LuminPulse-AI/chatsync/queue"
)

type fakeFetcher struct {
	mu       sync.Mutex
	requests []model.RangeRequest
	err      error
	// missing versions are not returned
	missing map[int64]bool
	block   chan struct{}
}

func (f *fakeFetcher) FetchMessageRange(ctx context.Context, req model.RangeRequest) ([]*model.Message, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []*model.Message
	for v := req.FromVersion; v <= req.ToVersion; v++ {
		if f.missing[v] {
			continue
		}
		out = append(out, &model.Message{
			ID:             fmt.Sprintf("m%d", v),
			ConversationID: req.ConversationID,
			Content:        fmt.Sprintf("message %d", v),
			Type:           model.MessageText,
			Version:        v,
			CreatedAt:      time.Unix(v, 0).UTC(),
		})
	}
	return out, nil
}

func (f *fakeFetcher) calls() []model.RangeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.RangeRequest(nil), f.requests...)
}

func setup(t *testing.T, f *fakeFetcher, opts ...Option) (*Tracker, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	require.NoError(t, store.Init(context.Background()))
	q := queue.New()
	tr := New(store, q, f, append([]Option{WithInterval(time.Hour)}, opts...)...)
	t.Cleanup(tr.Stop)
	return tr, store
}

func TestFindGap(t *testing.T) {
	cases := []struct {
		name     string
		last     int64
		versions []int64
		want     Gap
		found    bool
	}{
		{"contiguous", 8, []int64{9, 10, 11}, Gap{}, false},
		{"empty", 3, nil, Gap{}, false},
		{"middle hole", 8, []int64{9, 10, 13, 14, 15}, Gap{11, 12}, true},
		{"hole after marker", 8, []int64{12}, Gap{9, 11}, true},
		{"two holes", 8, []int64{9, 11, 13}, Gap{10, 12}, true},
		{"stale versions", 8, []int64{3, 9, 11}, Gap{10, 10}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, found := FindGap(tc.last, tc.versions)
			assert.Equal(t, tc.found, found)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestObserveFetchesExactlyTheGap(t *testing.T) {
	f := &fakeFetcher{}
	tr, store := setup(t, f)

	tr.Baseline("c1", "u1", 8)
	for _, v := range []int64{9, 10, 13, 14, 15} {
		tr.Track("c1", "u1", v)
	}

	require.NoError(t, tr.Observe(context.Background(), "c1", "u1"))

	calls := f.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, model.RangeRequest{ConversationID: "c1", FromVersion: 11, ToVersion: 12}, calls[0])

	snap, ok := tr.Snapshot("c1", "u1")
	require.True(t, ok)
	assert.Equal(t, int64(15), snap.LastValidated)
	assert.Empty(t, snap.Versions)
	assert.True(t, snap.Observed)

	for _, id := range []string{"m11", "m12"} {
		row, found, err := store.Get(context.Background(), cache.TableMessage, cache.PK(cache.CompositeKey(id, "u1")))
		require.NoError(t, err)
		require.True(t, found, id)
		assert.Equal(t, "c1", row.(*cache.MessageRow).ConversationID)
	}

	// nothing left to fetch
	require.NoError(t, tr.Observe(context.Background(), "c1", "u1"))
	assert.Len(t, f.calls(), 1)
}

func TestMissingVersionsCountAsResolved(t *testing.T) {
	f := &fakeFetcher{missing: map[int64]bool{11: true}}
	tr, _ := setup(t, f)

	tr.Baseline("c1", "u1", 8)
	for _, v := range []int64{9, 10, 13} {
		tr.Track("c1", "u1", v)
	}
	require.NoError(t, tr.Observe(context.Background(), "c1", "u1"))

	snap, _ := tr.Snapshot("c1", "u1")
	assert.Equal(t, int64(13), snap.LastValidated)
}

func TestFailedFetchKeepsGap(t *testing.T) {
	f := &fakeFetcher{err: errors.New("backend down")}
	tr, _ := setup(t, f)

	tr.Baseline("c1", "u1", 1)
	tr.Track("c1", "u1", 4)
	err := tr.Observe(context.Background(), "c1", "u1")
	require.Error(t, err)

	snap, _ := tr.Snapshot("c1", "u1")
	assert.Equal(t, int64(1), snap.LastValidated)
	assert.Equal(t, []int64{4}, snap.Versions)
	assert.False(t, snap.Fetching)
}

func TestFirstTrackStartsRecord(t *testing.T) {
	tr, _ := setup(t, &fakeFetcher{})

	tr.Track("c1", "u1", 40)
	tr.Track("c1", "u1", 41)
	tr.Track("c1", "u1", 41)

	snap, ok := tr.Snapshot("c1", "u1")
	require.True(t, ok)
	assert.Equal(t, int64(39), snap.LastValidated)
	assert.Equal(t, []int64{40, 41}, snap.Versions)
	assert.False(t, snap.Observed)
}

func TestObserveBeforeFirstTrack(t *testing.T) {
	f := &fakeFetcher{}
	tr, _ := setup(t, f)

	require.NoError(t, tr.Observe(context.Background(), "c1", "u1"))
	tr.Track("c1", "u1", 500)
	require.NoError(t, tr.Observe(context.Background(), "c1", "u1"))

	assert.Empty(t, f.calls(), "history before the first tracked version is not a gap")
	snap, ok := tr.Snapshot("c1", "u1")
	require.True(t, ok)
	assert.Equal(t, int64(500), snap.LastValidated)
	assert.True(t, snap.Observed)

	tr.Track("c1", "u1", 503)
	require.NoError(t, tr.Observe(context.Background(), "c1", "u1"))
	assert.Equal(t, []model.RangeRequest{{ConversationID: "c1", FromVersion: 501, ToVersion: 502}}, f.calls())
}

func TestBaselineAfterObserve(t *testing.T) {
	f := &fakeFetcher{}
	tr, _ := setup(t, f)

	require.NoError(t, tr.Observe(context.Background(), "c1", "u1"))
	tr.Baseline("c1", "u1", 20)
	tr.Track("c1", "u1", 23)
	require.NoError(t, tr.Observe(context.Background(), "c1", "u1"))

	assert.Equal(t, []model.RangeRequest{{ConversationID: "c1", FromVersion: 21, ToVersion: 22}}, f.calls())
}

func TestInertWhenStorageDisabled(t *testing.T) {
	f := &fakeFetcher{}
	tr, store := setup(t, f)

	tr.Baseline("c1", "u1", 1)
	tr.Track("c1", "u1", 5)
	store.DisableStorage()
	tr.Track("c1", "u1", 9)

	require.NoError(t, tr.Observe(context.Background(), "c1", "u1"))
	assert.Empty(t, f.calls())

	snap, _ := tr.Snapshot("c1", "u1")
	assert.Equal(t, []int64{5}, snap.Versions)
	assert.False(t, snap.Observed, "no periodic check while storage is disabled")
}

func TestPeriodicCheckOnlyWhileObserved(t *testing.T) {
	f := &fakeFetcher{}
	tr, _ := setup(t, f, WithInterval(10*time.Millisecond))

	tr.Baseline("c1", "u1", 1)
	require.NoError(t, tr.Observe(context.Background(), "c1", "u1"))
	assert.Empty(t, f.calls())

	tr.Track("c1", "u1", 3)
	require.Eventually(t, func() bool { return len(f.calls()) == 1 }, time.Second, 5*time.Millisecond)

	tr.Unobserve("c1", "u1")
	snap, _ := tr.Snapshot("c1", "u1")
	assert.False(t, snap.Observed)

	tr.Track("c1", "u1", 6)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.calls(), 1)
}

func TestOneFetchAtATime(t *testing.T) {
	f := &fakeFetcher{block: make(chan struct{})}
	tr, _ := setup(t, f)

	tr.Baseline("c1", "u1", 1)
	tr.Track("c1", "u1", 5)

	done := make(chan error, 1)
	go func() { done <- tr.Observe(context.Background(), "c1", "u1") }()
	require.Eventually(t, func() bool { return len(f.calls()) == 1 }, time.Second, time.Millisecond)

	// second check while the first is outstanding is a no-op
	require.NoError(t, tr.Observe(context.Background(), "c1", "u1"))
	assert.Len(t, f.calls(), 1)

	close(f.block)
	require.NoError(t, <-done)
	snap, _ := tr.Snapshot("c1", "u1")
	assert.Equal(t, int64(5), snap.LastValidated)
}

func TestResetForgetsRecords(t *testing.T) {
	tr, _ := setup(t, &fakeFetcher{})
	tr.Track("c1", "u1", 4)
	require.NoError(t, tr.Observe(context.Background(), "c1", "u1"))

	tr.Reset()
	_, ok := tr.Snapshot("c1", "u1")
	assert.False(t, ok)
}

func TestObserveAfterStop(t *testing.T) {
	tr, _ := setup(t, &fakeFetcher{})
	tr.Stop()
	assert.ErrorIs(t, tr.Observe(context.Background(), "c1", "u1"), ErrStopped)
}
