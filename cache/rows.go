package cache

// CompositeKey is the primary key of every cached row: the same backend entity
// may be cached once per local account. Both backends use this function.
// The owner is everything before the first ':', so owners must not contain one;
// CheckRows rejects such rows. Entity ids may contain ':'.
func CompositeKey(id, ownerUserID string) string {
	return ownerUserID + ":" + id
}

// Row is a cache-shaped record.
type Row interface {
	Table() Table
	EntityID() string
	Owner() string
	PrimaryKey() string
}

// UserRow caches a user profile. Times are Unix milliseconds.
type UserRow struct {
	ID          string `json:"id"`
	OwnerUserID string `json:"owner_user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	UpdatedAt   int64  `json:"updated_at,omitempty"`
}

func (r *UserRow) Table() Table       { return TableUser }
func (r *UserRow) EntityID() string   { return r.ID }
func (r *UserRow) Owner() string      { return r.OwnerUserID }
func (r *UserRow) PrimaryKey() string { return CompositeKey(r.ID, r.OwnerUserID) }

// ConversationRow caches a conversation. Nullable times are nil when unset.
type ConversationRow struct {
	ID                 string `json:"id"`
	OwnerUserID        string `json:"owner_user_id"`
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	ImageURL           string `json:"image_url,omitempty"`
	BannerURL          string `json:"banner_url,omitempty"`
	Settings           string `json:"settings,omitempty"`
	Archived           bool   `json:"archived"`
	CreatedAt          *int64 `json:"created_at,omitempty"`
	UpdatedAt          *int64 `json:"updated_at,omitempty"`
	DeletedAt          *int64 `json:"deleted_at,omitempty"`
	LastMessageID      string `json:"last_message_id,omitempty"`
	LastMessageSender  string `json:"last_message_sender,omitempty"`
	LastMessagePreview string `json:"last_message_preview,omitempty"`
	LastMessageVersion int64  `json:"last_message_version,omitempty"`
	LastMessageAt      *int64 `json:"last_message_at,omitempty"`
}

func (r *ConversationRow) Table() Table       { return TableConversation }
func (r *ConversationRow) EntityID() string   { return r.ID }
func (r *ConversationRow) Owner() string      { return r.OwnerUserID }
func (r *ConversationRow) PrimaryKey() string { return CompositeKey(r.ID, r.OwnerUserID) }

// MessageRow caches a message. Reactions hold JSON text. Root is a full copy of
// the replied-to message whose own Root is always nil.
type MessageRow struct {
	ID             string      `json:"id"`
	OwnerUserID    string      `json:"owner_user_id"`
	ConversationID string      `json:"conversation_id"`
	SenderUserID   string      `json:"sender_user_id"`
	Content        string      `json:"content"`
	Reactions      string      `json:"reactions,omitempty"`
	Important      bool        `json:"important"`
	Type           string      `json:"type"`
	Origin         string      `json:"origin"`
	Status         string      `json:"status,omitempty"`
	ClientID       string      `json:"client_id,omitempty"`
	Version        int64       `json:"version"`
	Root           *MessageRow `json:"root,omitempty"`
	CreatedAt      int64       `json:"created_at"`
	UpdatedAt      *int64      `json:"updated_at,omitempty"`
	DeletedAt      *int64      `json:"deleted_at,omitempty"`
}

func (r *MessageRow) Table() Table       { return TableMessage }
func (r *MessageRow) EntityID() string   { return r.ID }
func (r *MessageRow) Owner() string      { return r.OwnerUserID }
func (r *MessageRow) PrimaryKey() string { return CompositeKey(r.ID, r.OwnerUserID) }

// FieldValue returns the value of a key field on r.
func FieldValue(r Row, field string) (string, bool) {
	switch field {
	case FieldPK:
		return r.PrimaryKey(), true
	case FieldID:
		return r.EntityID(), true
	case FieldConversationID:
		if m, ok := r.(*MessageRow); ok {
			return m.ConversationID, true
		}
	}
	return "", false
}

// CloneRow returns a deep copy of r.
func CloneRow(r Row) Row {
	switch v := r.(type) {
	case *UserRow:
		c := *v
		return &c
	case *ConversationRow:
		c := *v
		c.CreatedAt = cloneInt(v.CreatedAt)
		c.UpdatedAt = cloneInt(v.UpdatedAt)
		c.DeletedAt = cloneInt(v.DeletedAt)
		c.LastMessageAt = cloneInt(v.LastMessageAt)
		return &c
	case *MessageRow:
		return cloneMessage(v)
	}
	return r
}

func cloneMessage(m *MessageRow) *MessageRow {
	if m == nil {
		return nil
	}
	c := *m
	c.UpdatedAt = cloneInt(m.UpdatedAt)
	c.DeletedAt = cloneInt(m.DeletedAt)
	c.Root = cloneMessage(m.Root)
	return &c
}

func cloneInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
