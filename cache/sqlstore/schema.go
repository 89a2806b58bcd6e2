package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/LuminPulse-AI/chatsync/cache"
)

// SchemaVersion is the latest schema this backend migrates to.
const SchemaVersion = 2

const migrationTable = `
CREATE TABLE IF NOT EXISTS migration (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    version INTEGER NOT NULL
);
`

// steps[i] upgrades the schema from version i to i+1.
var steps = []string{
	`
CREATE TABLE IF NOT EXISTS "user" (
    pk TEXT PRIMARY KEY,
    id TEXT NOT NULL,
    owner_user_id TEXT NOT NULL,
    username TEXT NOT NULL,
    display_name TEXT,
    avatar_url TEXT,
    updated_at INTEGER
);

CREATE TABLE IF NOT EXISTS "conversation" (
    pk TEXT PRIMARY KEY,
    id TEXT NOT NULL,
    owner_user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    image_url TEXT,
    banner_url TEXT,
    settings TEXT,
    archived INTEGER DEFAULT 0,
    created_at INTEGER,
    updated_at INTEGER,
    deleted_at INTEGER,
    last_message_id TEXT,
    last_message_sender TEXT,
    last_message_preview TEXT,
    last_message_version INTEGER DEFAULT 0,
    last_message_at INTEGER
);

CREATE TABLE IF NOT EXISTS "message" (
    pk TEXT PRIMARY KEY,
    id TEXT NOT NULL,
    owner_user_id TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    sender_user_id TEXT NOT NULL,
    content TEXT NOT NULL,
    reactions TEXT,
    important INTEGER DEFAULT 0,
    type TEXT NOT NULL,
    origin TEXT NOT NULL,
    status TEXT,
    client_id TEXT,
    version INTEGER NOT NULL DEFAULT 0,
    root TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER,
    deleted_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_user_id ON "user"(id);
CREATE INDEX IF NOT EXISTS idx_conversation_id ON "conversation"(id);
CREATE INDEX IF NOT EXISTS idx_message_id ON "message"(id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_message_conversation_version
    ON "message"(owner_user_id, conversation_id, version);
`,
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// tableDef maps one cache table to its columns.
type tableDef struct {
	name    string
	columns []string
	values  func(cache.Row) ([]any, error)
	scan    func(scanner) (cache.Row, error)
}

func (d tableDef) selectSQL(key cache.Key) (string, []any) {
	where, args := whereKey(key)
	return fmt.Sprintf(`SELECT %s FROM %q WHERE %s ORDER BY pk LIMIT 1`,
		strings.Join(d.columns, ", "), d.name, where), args
}

func (d tableDef) deleteSQL(key cache.Key) (string, []any) {
	where, args := whereKey(key)
	return fmt.Sprintf(`DELETE FROM %q WHERE %s`, d.name, where), args
}

// whereKey assumes key.Field passed cache.ValidateKey.
func whereKey(key cache.Key) (string, []any) {
	if key.Owner != "" {
		return key.Field + ` = ? AND owner_user_id = ?`, []any{key.Value, key.Owner}
	}
	return key.Field + ` = ?`, []any{key.Value}
}

func (d tableDef) upsertSQL() string {
	marks := make([]string, len(d.columns))
	var sets []string
	for i, c := range d.columns {
		marks[i] = "?"
		if c != "pk" {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	return fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s) ON CONFLICT(pk) DO UPDATE SET %s`,
		d.name, strings.Join(d.columns, ", "), strings.Join(marks, ", "), strings.Join(sets, ", "))
}

var tables = map[cache.Table]tableDef{
	cache.TableUser: {
		name:    "user",
		columns: []string{"pk", "id", "owner_user_id", "username", "display_name", "avatar_url", "updated_at"},
		values: func(r cache.Row) ([]any, error) {
			u := r.(*cache.UserRow)
			return []any{u.PrimaryKey(), u.ID, u.OwnerUserID, u.Username, u.DisplayName, u.AvatarURL, u.UpdatedAt}, nil
		},
		scan: func(s scanner) (cache.Row, error) {
			var (
				u       cache.UserRow
				pk      string
				display sql.NullString
				avatar  sql.NullString
				updated sql.NullInt64
			)
			if err := s.Scan(&pk, &u.ID, &u.OwnerUserID, &u.Username, &display, &avatar, &updated); err != nil {
				return nil, err
			}
			u.DisplayName = display.String
			u.AvatarURL = avatar.String
			u.UpdatedAt = updated.Int64
			return &u, nil
		},
	},
	cache.TableConversation: {
		name: "conversation",
		columns: []string{"pk", "id", "owner_user_id", "name", "description", "image_url", "banner_url",
			"settings", "archived", "created_at", "updated_at", "deleted_at", "last_message_id",
			"last_message_sender", "last_message_preview", "last_message_version", "last_message_at"},
		values: func(r cache.Row) ([]any, error) {
			c := r.(*cache.ConversationRow)
			return []any{c.PrimaryKey(), c.ID, c.OwnerUserID, c.Name, c.Description, c.ImageURL, c.BannerURL,
				c.Settings, boolToInt(c.Archived), nullInt(c.CreatedAt), nullInt(c.UpdatedAt), nullInt(c.DeletedAt),
				c.LastMessageID, c.LastMessageSender, c.LastMessagePreview, c.LastMessageVersion,
				nullInt(c.LastMessageAt)}, nil
		},
		scan: func(s scanner) (cache.Row, error) {
			var (
				c                                 cache.ConversationRow
				pk                                string
				desc, image, banner, settings     sql.NullString
				lastID, lastSender, lastPreview   sql.NullString
				archived, lastVersion             sql.NullInt64
				created, updated, deleted, lastAt sql.NullInt64
			)
			if err := s.Scan(&pk, &c.ID, &c.OwnerUserID, &c.Name, &desc, &image, &banner, &settings,
				&archived, &created, &updated, &deleted, &lastID, &lastSender, &lastPreview,
				&lastVersion, &lastAt); err != nil {
				return nil, err
			}
			c.Description = desc.String
			c.ImageURL = image.String
			c.BannerURL = banner.String
			c.Settings = settings.String
			c.Archived = archived.Int64 != 0
			c.CreatedAt = intPtr(created)
			c.UpdatedAt = intPtr(updated)
			c.DeletedAt = intPtr(deleted)
			c.LastMessageID = lastID.String
			c.LastMessageSender = lastSender.String
			c.LastMessagePreview = lastPreview.String
			c.LastMessageVersion = lastVersion.Int64
			c.LastMessageAt = intPtr(lastAt)
			return &c, nil
		},
	},
	cache.TableMessage: {
		name: "message",
		columns: []string{"pk", "id", "owner_user_id", "conversation_id", "sender_user_id", "content",
			"reactions", "important", "type", "origin", "status", "client_id", "version", "root",
			"created_at", "updated_at", "deleted_at"},
		values: func(r cache.Row) ([]any, error) {
			m := r.(*cache.MessageRow)
			var root any
			if m.Root != nil {
				b, err := json.Marshal(m.Root)
				if err != nil {
					return nil, fmt.Errorf("encode root of %s: %w", m.ID, err)
				}
				root = string(b)
			}
			return []any{m.PrimaryKey(), m.ID, m.OwnerUserID, m.ConversationID, m.SenderUserID, m.Content,
				m.Reactions, boolToInt(m.Important), m.Type, m.Origin, m.Status, m.ClientID, m.Version, root,
				m.CreatedAt, nullInt(m.UpdatedAt), nullInt(m.DeletedAt)}, nil
		},
		scan: func(s scanner) (cache.Row, error) {
			var (
				m                           cache.MessageRow
				pk                          string
				reactions, status, clientID sql.NullString
				root                        sql.NullString
				important                   sql.NullInt64
				updated, deleted            sql.NullInt64
			)
			if err := s.Scan(&pk, &m.ID, &m.OwnerUserID, &m.ConversationID, &m.SenderUserID, &m.Content,
				&reactions, &important, &m.Type, &m.Origin, &status, &clientID, &m.Version, &root,
				&m.CreatedAt, &updated, &deleted); err != nil {
				return nil, err
			}
			m.Reactions = reactions.String
			m.Important = important.Int64 != 0
			m.Status = status.String
			m.ClientID = clientID.String
			m.UpdatedAt = intPtr(updated)
			m.DeletedAt = intPtr(deleted)
			if root.Valid && root.String != "" {
				var r cache.MessageRow
				if err := json.Unmarshal([]byte(root.String), &r); err != nil {
					return nil, fmt.Errorf("decode root of %s: %w", m.ID, err)
				}
				r.Root = nil
				m.Root = &r
			}
			return &m, nil
		},
	},
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
