// Package cache defines the local persistence contract shared by every chatsync
// storage backend.
//
// Two backends implement Store:
//
//	cache/sqlstore  embedded SQLite (wasm build, no cgo)
//	cache/memstore  in-process object collections
//
// Callers depend on Store only. Table returns a backend-tagged Handle for
// queries the contract does not cover; code using it is tied to that backend.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/LuminPulse-AI/chatsync/internal/metrics"
)

// Table names one of the fixed cache tables.
type Table string

const (
	TableUser         Table = "user"
	TableConversation Table = "conversation"
	TableMessage      Table = "message"
)

// Tables lists every addressable table in truncate order (children first).
var Tables = []Table{TableMessage, TableConversation, TableUser}

// ParseTable validates a table name.
func ParseTable(name string) (Table, error) {
	t := Table(name)
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

// Validate returns ErrUnknownTable for anything outside the fixed set.
func (t Table) Validate() error {
	switch t {
	case TableUser, TableConversation, TableMessage:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownTable, string(t))
}

// Key fields accepted by Get and DeleteItem.
const (
	FieldPK             = "pk"
	FieldID             = "id"
	FieldConversationID = "conversation_id"
)

// Key selects rows by one field. A non-empty Owner restricts the match to rows
// cached for that local user.
type Key struct {
	Field string
	Value string
	Owner string
}

// PK builds a primary-key selector.
func PK(pk string) Key { return Key{Field: FieldPK, Value: pk} }

// ByID builds an entity-id selector.
func ByID(id string) Key { return Key{Field: FieldID, Value: id} }

// ByConversation selects every message of a conversation.
func ByConversation(id string) Key { return Key{Field: FieldConversationID, Value: id} }

// Of returns k restricted to owner.
func (k Key) Of(owner string) Key {
	k.Owner = owner
	return k
}

// ValidateKey checks that the field is addressable on the table.
func ValidateKey(t Table, k Key) error {
	switch k.Field {
	case FieldPK, FieldID:
		return nil
	case FieldConversationID:
		if t == TableMessage {
			return nil
		}
	}
	return fmt.Errorf("%w: %q on table %s", ErrUnknownField, k.Field, t)
}

var (
	ErrUnknownTable    = errors.New("cache: unknown table")
	ErrUnknownField    = errors.New("cache: unknown key field")
	ErrNotInitialized  = errors.New("cache: store not initialized")
	ErrStorageDisabled = errors.New("cache: storage disabled")
	ErrTableMismatch   = errors.New("cache: row does not belong to table")
	ErrInvalidRow      = errors.New("cache: row has invalid identity")
)

// Store is the capability every backend provides. Each mutation runs in one
// backend-native transaction; a failed bulk call leaves no partial state.
// While storage is disabled, mutations return nil without touching the backend
// and Get reports nothing.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	Get(ctx context.Context, table Table, key Key) (Row, bool, error)
	InsertBulkSafe(ctx context.Context, table Table, rows []Row) error
	DeleteItem(ctx context.Context, table Table, key Key) error
	DeleteBulk(ctx context.Context, table Table, pks []string) error
	Truncate(ctx context.Context, table Table) error

	EnableStorage()
	DisableStorage()
	IsStorageEnabled() bool

	// Table returns the backend-native handle for table.
	Table(table Table) (Handle, error)
	SchemaVersion(ctx context.Context) (int, error)
}

// Backend tags a Handle with its engine.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

// Handle is an opaque, backend-tagged table reference.
type Handle interface {
	Backend() Backend
	Table() Table
	Native() any
}

// NativeAs unwraps a handle's native value.
func NativeAs[T any](h Handle) (T, bool) {
	v, ok := h.Native().(T)
	return v, ok
}

// Switch is the master enable flag embedded by backends. The zero value is
// enabled.
type Switch struct {
	disabled atomic.Bool
}

func (s *Switch) EnableStorage()         { s.disabled.Store(false) }
func (s *Switch) DisableStorage()        { s.disabled.Store(true) }
func (s *Switch) IsStorageEnabled() bool { return !s.disabled.Load() }

// CheckRows validates a batch before any of it is written.
func CheckRows(table Table, rows []Row) error {
	if err := table.Validate(); err != nil {
		return err
	}
	for i, r := range rows {
		if r == nil || r.Table() != table {
			return fmt.Errorf("%w: index %d in %s batch", ErrTableMismatch, i, table)
		}
		if r.EntityID() == "" || r.Owner() == "" {
			return fmt.Errorf("%w: index %d in %s batch", ErrInvalidRow, i, table)
		}
		if strings.Contains(r.Owner(), ":") {
			return fmt.Errorf("%w: owner %q at index %d contains ':'", ErrInvalidRow, r.Owner(), i)
		}
	}
	return nil
}

// Track records one backend operation; call the returned func when done.
func Track(backend Backend, table Table, op string) func() {
	start := time.Now()
	return func() {
		metrics.CacheOpsTotal.WithLabelValues(string(backend), string(table), op).Inc()
		metrics.CacheOpDuration.WithLabelValues(string(backend), op).Observe(time.Since(start).Seconds())
	}
}
