// Package reconcile detects holes in the locally cached message history and
// backfills them from the backend while a conversation is on screen.
//
// Every inbound message version is recorded with Track. Observe starts a check
// that runs now and then every interval until Unobserve: when the versions seen
// since the last validated one are not contiguous, the missing range is fetched
// once, written to the cache through the action queue, and the marker advances
// to the new contiguous ceiling.
package reconcile

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/cache"
	"github.com/LuminPulse-AI/chatsync/convert"
	"github.com/LuminPulse-AI/chatsync/internal/metrics"
	"github.com/LuminPulse-AI/chatsync/model"
	"github.com/LuminPulse-AI/chatsync/queue"
)

// DefaultInterval between checks of an observed conversation.
const DefaultInterval = 10 * time.Second

var ErrStopped = errors.New("reconcile: tracker stopped")

// Fetcher issues bounded range fetches. *backend.Client implements it.
type Fetcher interface {
	FetchMessageRange(ctx context.Context, req model.RangeRequest) ([]*model.Message, error)
}

// Gap is a closed range of missing versions.
type Gap struct {
	From int64
	To   int64
}

// FindGap returns the range between the first and the last version missing
// after lastValidated, up to the highest known version. versions must be
// sorted and free of duplicates.
func FindGap(lastValidated int64, versions []int64) (Gap, bool) {
	next := lastValidated + 1
	var gap Gap
	found := false
	for _, v := range versions {
		if v < next {
			continue
		}
		if v > next {
			if !found {
				gap.From = next
				found = true
			}
			gap.To = v - 1
		}
		next = v + 1
	}
	return gap, found
}

type key struct {
	conversationID string
	userID         string
}

type record struct {
	versions      []int64
	lastValidated int64
	// seeded is false until Baseline or the first Track sets lastValidated.
	seeded   bool
	fetching bool
	stop     context.CancelFunc
}

// advance moves lastValidated over the contiguous prefix and prunes what it
// passed.
func (r *record) advance() {
	i := 0
	for ; i < len(r.versions); i++ {
		v := r.versions[i]
		if v > r.lastValidated+1 {
			break
		}
		if v > r.lastValidated {
			r.lastValidated = v
		}
	}
	r.versions = slices.Delete(r.versions, 0, i)
}

func (r *record) add(v int64) {
	if v <= r.lastValidated {
		return
	}
	i, ok := slices.BinarySearch(r.versions, v)
	if !ok {
		r.versions = slices.Insert(r.versions, i, v)
	}
}

// Snapshot is the tracked state of one conversation for one user.
type Snapshot struct {
	LastValidated int64
	Versions      []int64
	// Seeded reports whether LastValidated came from Baseline or a Track.
	Seeded   bool
	Observed bool
	Fetching bool
}

type Option func(*Tracker)

func WithInterval(d time.Duration) Option {
	return func(t *Tracker) { t.interval = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) { t.logger = logger.With().Str("component", "reconcile").Logger() }
}

// Tracker keeps one gap record per (conversation, user).
type Tracker struct {
	store    cache.Store
	queue    *queue.Queue
	fetcher  Fetcher
	interval time.Duration
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	records map[key]*record
}

func New(store cache.Store, q *queue.Queue, fetcher Fetcher, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		queue:    q,
		fetcher:  fetcher,
		interval: DefaultInterval,
		logger:   zerolog.Nop(),
		records:  make(map[key]*record),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

func (t *Tracker) get(conversationID, userID string) *record {
	k := key{conversationID, userID}
	r, ok := t.records[k]
	if !ok {
		r = &record{}
		t.records[k] = r
	}
	return r
}

// Baseline sets the last version known to be complete locally. Versions at or
// below it are dropped.
func (t *Tracker) Baseline(conversationID, userID string, version int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.get(conversationID, userID)
	if version > r.lastValidated {
		r.lastValidated = version
	}
	r.seeded = true
	r.advance()
}

// Track records that version of a conversation's messages is stored locally.
// The first version tracked without a baseline becomes the starting point.
func (t *Tracker) Track(conversationID, userID string, version int64) {
	if !t.store.IsStorageEnabled() || version <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.get(conversationID, userID)
	if !r.seeded {
		r.lastValidated = version - 1
		r.seeded = true
	}
	r.add(version)
}

// Observe checks the conversation now and keeps checking every interval until
// Unobserve. The returned error is the one of the first check. While storage
// is disabled it does nothing.
func (t *Tracker) Observe(ctx context.Context, conversationID, userID string) error {
	if t.ctx.Err() != nil {
		return ErrStopped
	}
	if !t.store.IsStorageEnabled() {
		return nil
	}
	k := key{conversationID, userID}

	t.mu.Lock()
	r := t.get(conversationID, userID)
	if r.stop != nil {
		t.mu.Unlock()
		return t.check(ctx, k)
	}
	loopCtx, stop := context.WithCancel(t.ctx)
	r.stop = stop
	t.mu.Unlock()

	err := t.check(ctx, k)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := t.check(loopCtx, k); err != nil && loopCtx.Err() == nil {
					t.logger.Warn().Err(err).Str("conversation", k.conversationID).Msg("gap check failed")
				}
			}
		}
	}()
	return err
}

// Unobserve stops the periodic check. Tracked versions are kept.
func (t *Tracker) Unobserve(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[key{conversationID, userID}]; ok && r.stop != nil {
		r.stop()
		r.stop = nil
	}
}

// Reset stops every check and forgets every record.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.records {
		if r.stop != nil {
			r.stop()
		}
	}
	t.records = make(map[key]*record)
}

// Stop ends all checks and waits for them to return.
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
}

func (t *Tracker) Snapshot(conversationID, userID string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key{conversationID, userID}]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		LastValidated: r.lastValidated,
		Versions:      slices.Clone(r.versions),
		Seeded:        r.seeded,
		Observed:      r.stop != nil,
		Fetching:      r.fetching,
	}, true
}

// check runs one gap check. At most one fetch per record is outstanding.
func (t *Tracker) check(ctx context.Context, k key) error {
	if !t.store.IsStorageEnabled() {
		return nil
	}

	t.mu.Lock()
	r, ok := t.records[k]
	if !ok || !r.seeded || r.fetching {
		t.mu.Unlock()
		return nil
	}
	r.advance()
	gap, found := FindGap(r.lastValidated, r.versions)
	if !found {
		t.mu.Unlock()
		return nil
	}
	r.fetching = true
	t.mu.Unlock()

	log := t.logger.With().
		Str("conversation", k.conversationID).
		Int64("from", gap.From).
		Int64("to", gap.To).
		Logger()
	log.Debug().Msg("backfilling gap")

	stored, err := t.backfill(ctx, k, gap)

	t.mu.Lock()
	defer t.mu.Unlock()
	// Reset may have dropped the record while the fetch was out.
	cur := t.records[k]
	if cur == r {
		r.fetching = false
	}
	if err != nil {
		metrics.ReconcileFetches.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("gap backfill failed")
		return err
	}
	metrics.ReconcileFetches.WithLabelValues("ok").Inc()
	metrics.ReconcileBackfilled.Add(float64(stored))
	if cur != r {
		return nil
	}
	// The backend is authoritative for the range: versions it did not return
	// no longer exist.
	for v := gap.From; v <= gap.To; v++ {
		r.add(v)
	}
	r.advance()
	log.Info().Int("stored", stored).Int64("last_validated", r.lastValidated).Msg("gap backfilled")
	return nil
}

func (t *Tracker) backfill(ctx context.Context, k key, gap Gap) (int, error) {
	msgs, err := t.fetcher.FetchMessageRange(ctx, model.RangeRequest{
		ConversationID: k.conversationID,
		FromVersion:    gap.From,
		ToVersion:      gap.To,
	})
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	rows := convert.MessagesToRows(msgs, k.userID)
	err = queue.Run(ctx, t.queue, func(ctx context.Context) error {
		return t.store.InsertBulkSafe(ctx, cache.TableMessage, rows)
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
