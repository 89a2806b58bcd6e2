// Package sqlstore is the embedded SQLite cache backend.
//
// The engine is the wasm build of SQLite bundled with the sqlite-vec extension,
// reached through database/sql under the "sqlite3" driver name. Use ":memory:"
// for an in-memory database or a file path for persistent storage.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/cache"
)

// Store implements cache.Store on SQLite.
type Store struct {
	cache.Switch

	mu     sync.RWMutex
	db     *sql.DB
	ready  bool
	logger zerolog.Logger
}

var _ cache.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger.With().Str("component", "sqlstore").Logger() }
}

// Open opens the database at dsn. Call Init before use.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database lives on a single connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Init creates the migration table and applies every missing schema step in
// one transaction.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.New("sqlstore: closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migrationTable); err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}
	from, err := readVersion(ctx, tx)
	if err != nil {
		return err
	}
	for v := from; v < len(steps); v++ {
		if _, err := tx.ExecContext(ctx, steps[v]); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
	}
	if from < SchemaVersion {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO migration (id, version) VALUES (1, ?)
			ON CONFLICT(id) DO UPDATE SET version = excluded.version
		`, SchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	s.ready = true
	s.logger.Debug().Int("from", from).Int("to", SchemaVersion).Msg("schema ready")
	return nil
}

func readVersion(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}) (int, error) {
	var v int
	err := q.QueryRowContext(ctx, `SELECT version FROM migration WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// SchemaVersion reads the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.ready {
		return 0, cache.ErrNotInitialized
	}
	return readVersion(ctx, s.db)
}

// EngineInfo reports the SQLite and sqlite-vec versions in use.
func (s *Store) EngineInfo(ctx context.Context) (sqliteVersion, vecVersion string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return "", "", errors.New("sqlstore: closed")
	}
	err = s.db.QueryRowContext(ctx, `SELECT sqlite_version(), vec_version()`).Scan(&sqliteVersion, &vecVersion)
	return sqliteVersion, vecVersion, err
}

func (s *Store) def(table cache.Table) (tableDef, error) {
	if err := table.Validate(); err != nil {
		return tableDef{}, err
	}
	if !s.ready {
		return tableDef{}, cache.ErrNotInitialized
	}
	return tables[table], nil
}

// =============================================================================
// Reads
// =============================================================================

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
	defer cache.Track(cache.BackendSQLite, table, "get")()

	s.mu.RLock()
	defer s.mu.RUnlock()
	d, err := s.def(table)
	if err != nil {
		return nil, false, err
	}
	query, args := d.selectSQL(key)
	row, err := d.scan(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s by %s: %w", table, key.Field, err)
	}
	return row, true, nil
}

// Table returns a handle whose native value is a *Native.
func (s *Store) Table(table cache.Table) (cache.Handle, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if !s.IsStorageEnabled() {
		return nil, cache.ErrStorageDisabled
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, err := s.def(table)
	if err != nil {
		return nil, err
	}
	return handle{table: table, native: &Native{DB: s.db, Name: d.name}}, nil
}

// =============================================================================
// Writes
// =============================================================================

// InsertBulkSafe upserts rows by primary key.
func (s *Store) InsertBulkSafe(ctx context.Context, table cache.Table, rows []cache.Row) error {
	if err := cache.CheckRows(table, rows); err != nil {
		return err
	}
	if !s.IsStorageEnabled() || len(rows) == 0 {
		return nil
	}
	defer cache.Track(cache.BackendSQLite, table, "insert_bulk")()

	return s.withTx(ctx, table, func(tx *sql.Tx, d tableDef) error {
		stmt, err := tx.PrepareContext(ctx, d.upsertSQL())
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range rows {
			args, err := d.values(r)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("upsert %s: %w", r.PrimaryKey(), err)
			}
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
	defer cache.Track(cache.BackendSQLite, table, "delete_item")()

	return s.withTx(ctx, table, func(tx *sql.Tx, d tableDef) error {
		query, args := d.deleteSQL(key)
		_, err := tx.ExecContext(ctx, query, args...)
		return err
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
	defer cache.Track(cache.BackendSQLite, table, "delete_bulk")()

	return s.withTx(ctx, table, func(tx *sql.Tx, d tableDef) error {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(pks)), ", ")
		args := make([]any, len(pks))
		for i, pk := range pks {
			args[i] = pk
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE pk IN (%s)`, d.name, marks), args...)
		return err
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
	defer cache.Track(cache.BackendSQLite, table, "truncate")()

	return s.withTx(ctx, table, func(tx *sql.Tx, d tableDef) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q`, d.name))
		return err
	})
}

func (s *Store) withTx(ctx context.Context, table cache.Table, fn func(*sql.Tx, tableDef) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.def(table)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore %s: begin: %w", table, err)
	}
	if err := fn(tx, d); err != nil {
		_ = tx.Rollback()
		s.logger.Warn().Err(err).Str("table", string(table)).Msg("transaction rolled back")
		return fmt.Errorf("sqlstore %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore %s: commit: %w", table, err)
	}
	return nil
}

// =============================================================================
// Handle
// =============================================================================

// Native is the SQLite-specific table reference behind a Handle.
type Native struct {
	DB   *sql.DB
	Name string
}

type handle struct {
	table  cache.Table
	native *Native
}

func (h handle) Backend() cache.Backend { return cache.BackendSQLite }
func (h handle) Table() cache.Table     { return h.table }
func (h handle) Native() any            { return h.native }
