// Package memstore is the in-process object-collection cache backend.
//
// Every table is a Collection of rows keyed by composite primary key. Writes are
// staged against a copy of the affected collection and swapped in only when the
// whole call succeeds, so readers never see a partial batch.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/cache"
)

// SchemaVersion is the latest schema this backend migrates to.
const SchemaVersion = 2

// Store implements cache.Store in memory.
type Store struct {
	cache.Switch

	mu          sync.RWMutex
	collections map[cache.Table]*Collection
	version     int
	ready       bool
	logger      zerolog.Logger
}

var _ cache.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger.With().Str("component", "memstore").Logger() }
}

// New creates an uninitialized store. Call Init before use.
func New(opts ...Option) *Store {
	s := &Store{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the collections and applies pending migration steps. Calling it
// again is a no-op.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	staged := make(map[cache.Table]*Collection, len(cache.Tables))
	for _, t := range cache.Tables {
		staged[t] = newCollection(t)
	}
	from := s.version
	if from < 2 {
		// v2: conversation index on messages.
		staged[cache.TableMessage].indexed = true
	}
	s.collections = staged
	s.version = SchemaVersion
	s.ready = true
	s.logger.Debug().Int("from", from).Int("to", SchemaVersion).Msg("schema ready")
	return nil
}

// Close drops all collections.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = nil
	s.version = 0
	s.ready = false
	return nil
}

// SchemaVersion reports the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return 0, cache.ErrNotInitialized
	}
	return s.version, nil
}

func (s *Store) collection(t cache.Table) (*Collection, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if !s.ready {
		return nil, cache.ErrNotInitialized
	}
	return s.collections[t], nil
}

// ── Reads ────────────────────────────────────────────────

// Get returns the first row matching key, ordered by primary key.
func (s *Store) Get(ctx context.Context, table cache.Table, key cache.Key) (cache.Row, bool, error) {
	if err := table.Validate(); err != nil {
		return nil, false, err
	}
	if err := cache.ValidateKey(table, key); err != nil {
		return nil, false, err
	}
	if !s.IsStorageEnabled() {
		return nil, false, nil
	}
	defer cache.Track(cache.BackendMemory, table, "get")()

	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.collection(table)
	if err != nil {
		return nil, false, err
	}
	rows := c.match(key)
	if len(rows) == 0 {
		return nil, false, nil
	}
	return cache.CloneRow(rows[0]), true, nil
}

// Table returns a handle whose native value is a *Collection snapshot.
func (s *Store) Table(table cache.Table) (cache.Handle, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if !s.IsStorageEnabled() {
		return nil, cache.ErrStorageDisabled
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.collection(table); err != nil {
		return nil, err
	}
	return handle{store: s, table: table}, nil
}

// ── Writes ───────────────────────────────────────────────

// InsertBulkSafe upserts rows by primary key.
func (s *Store) InsertBulkSafe(ctx context.Context, table cache.Table, rows []cache.Row) error {
	if err := cache.CheckRows(table, rows); err != nil {
		return err
	}
	if !s.IsStorageEnabled() || len(rows) == 0 {
		return nil
	}
	defer cache.Track(cache.BackendMemory, table, "insert_bulk")()

	return s.write(ctx, table, func(c *Collection) error {
		for _, r := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.put(cache.CloneRow(r))
		}
		return nil
	})
}

// DeleteItem removes every row matching key.
func (s *Store) DeleteItem(ctx context.Context, table cache.Table, key cache.Key) error {
	if err := table.Validate(); err != nil {
		return err
	}
	if err := cache.ValidateKey(table, key); err != nil {
		return err
	}
	if !s.IsStorageEnabled() {
		return nil
	}
	defer cache.Track(cache.BackendMemory, table, "delete_item")()

	return s.write(ctx, table, func(c *Collection) error {
		for _, r := range c.match(key) {
			c.remove(r.PrimaryKey())
		}
		return nil
	})
}

// DeleteBulk removes rows by primary key. Missing keys are ignored.
func (s *Store) DeleteBulk(ctx context.Context, table cache.Table, pks []string) error {
	if err := table.Validate(); err != nil {
		return err
	}
	if !s.IsStorageEnabled() || len(pks) == 0 {
		return nil
	}
	defer cache.Track(cache.BackendMemory, table, "delete_bulk")()

	return s.write(ctx, table, func(c *Collection) error {
		for _, pk := range pks {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.remove(pk)
		}
		return nil
	})
}

// Truncate empties a table.
func (s *Store) Truncate(ctx context.Context, table cache.Table) error {
	if err := table.Validate(); err != nil {
		return err
	}
	if !s.IsStorageEnabled() {
		return nil
	}
	defer cache.Track(cache.BackendMemory, table, "truncate")()

	return s.write(ctx, table, func(c *Collection) error {
		c.rows = make(map[string]cache.Row)
		c.byConversation = make(map[string]map[string]struct{})
		return nil
	})
}

// write runs fn against a staged copy of the table and commits it only if fn
// succeeds.
func (s *Store) write(ctx context.Context, table cache.Table, fn func(*Collection) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, err := s.collection(table)
	if err != nil {
		return err
	}
	staged := live.clone()
	if err := fn(staged); err != nil {
		s.logger.Warn().Err(err).Str("table", string(table)).Msg("transaction rolled back")
		return fmt.Errorf("memstore %s: %w", table, err)
	}
	s.collections[table] = staged
	return nil
}

// ── Handle ───────────────────────────────────────────────

type handle struct {
	store *Store
	table cache.Table
}

func (h handle) Backend() cache.Backend { return cache.BackendMemory }
func (h handle) Table() cache.Table     { return h.table }

// Native returns the table's current *Collection snapshot.
func (h handle) Native() any {
	h.store.mu.RLock()
	defer h.store.mu.RUnlock()
	return h.store.collections[h.table]
}

// ── Collection ───────────────────────────────────────────

// Collection is one table's rows. A Collection obtained through a Handle is a
// snapshot: later writes replace it rather than mutate it.
type Collection struct {
	table          cache.Table
	rows           map[string]cache.Row
	indexed        bool
	byConversation map[string]map[string]struct{}
}

func newCollection(t cache.Table) *Collection {
	return &Collection{
		table:          t,
		rows:           make(map[string]cache.Row),
		byConversation: make(map[string]map[string]struct{}),
	}
}

// Len returns the number of rows.
func (c *Collection) Len() int { return len(c.rows) }

// Filter returns copies of the rows for which keep returns true, ordered by
// primary key.
func (c *Collection) Filter(keep func(cache.Row) bool) []cache.Row {
	var out []cache.Row
	for _, pk := range c.sortedKeys() {
		r := c.rows[pk]
		if keep == nil || keep(r) {
			out = append(out, cache.CloneRow(r))
		}
	}
	return out
}

func (c *Collection) sortedKeys() []string {
	keys := make([]string, 0, len(c.rows))
	for pk := range c.rows {
		keys = append(keys, pk)
	}
	sort.Strings(keys)
	return keys
}

func (c *Collection) match(key cache.Key) []cache.Row {
	rows := c.matchField(key)
	if key.Owner == "" {
		return rows
	}
	out := rows[:0]
	for _, r := range rows {
		if r.Owner() == key.Owner {
			out = append(out, r)
		}
	}
	return out
}

func (c *Collection) matchField(key cache.Key) []cache.Row {
	if key.Field == cache.FieldPK {
		if r, ok := c.rows[key.Value]; ok {
			return []cache.Row{r}
		}
		return nil
	}
	if key.Field == cache.FieldConversationID && c.indexed {
		set := c.byConversation[key.Value]
		keys := make([]string, 0, len(set))
		for pk := range set {
			keys = append(keys, pk)
		}
		sort.Strings(keys)
		out := make([]cache.Row, 0, len(keys))
		for _, pk := range keys {
			out = append(out, c.rows[pk])
		}
		return out
	}
	var out []cache.Row
	for _, pk := range c.sortedKeys() {
		r := c.rows[pk]
		if v, ok := cache.FieldValue(r, key.Field); ok && v == key.Value {
			out = append(out, r)
		}
	}
	return out
}

func (c *Collection) put(r cache.Row) {
	pk := r.PrimaryKey()
	c.remove(pk)
	c.rows[pk] = r
	if m, ok := r.(*cache.MessageRow); ok && c.indexed {
		set := c.byConversation[m.ConversationID]
		if set == nil {
			set = make(map[string]struct{})
			c.byConversation[m.ConversationID] = set
		}
		set[pk] = struct{}{}
	}
}

func (c *Collection) remove(pk string) {
	r, ok := c.rows[pk]
	if !ok {
		return
	}
	delete(c.rows, pk)
	if m, ok := r.(*cache.MessageRow); ok && c.indexed {
		if set := c.byConversation[m.ConversationID]; set != nil {
			delete(set, pk)
			if len(set) == 0 {
				delete(c.byConversation, m.ConversationID)
			}
		}
	}
}

// clone copies the maps. Rows are immutable once stored and are shared.
func (c *Collection) clone() *Collection {
	out := &Collection{
		table:          c.table,
		rows:           make(map[string]cache.Row, len(c.rows)),
		indexed:        c.indexed,
		byConversation: make(map[string]map[string]struct{}, len(c.byConversation)),
	}
	for pk, r := range c.rows {
		out.rows[pk] = r
	}
	for conv, set := range c.byConversation {
		cp := make(map[string]struct{}, len(set))
		for pk := range set {
			cp[pk] = struct{}{}
		}
		out.byConversation[conv] = cp
	}
	return out
}
