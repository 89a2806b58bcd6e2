// Package convert maps wire-shaped model objects to cache rows and back.
// Every function is pure.
package convert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/LuminPulse-AI/chatsync/cache"
	"github.com/LuminPulse-AI/chatsync/model"
)

// ── Messages ─────────────────────────────────────────────

// MessageToRow converts m into a row owned by owner. A root is embedded by
// value with its own root dropped.
func MessageToRow(m *model.Message, owner string) *cache.MessageRow {
	row := &cache.MessageRow{
		ID:             m.ID,
		OwnerUserID:    owner,
		ConversationID: m.ConversationID,
		SenderUserID:   m.SenderUserID,
		Content:        m.Content,
		Reactions:      encodeReactions(m.Reactions),
		Important:      m.Important,
		Type:           string(m.Type),
		Origin:         string(m.Origin),
		Status:         string(m.Status),
		ClientID:       m.ClientID,
		Version:        m.Version,
		CreatedAt:      millis(m.CreatedAt),
		UpdatedAt:      millisPtr(m.UpdatedAt),
		DeletedAt:      millisPtr(m.DeletedAt),
	}
	if m.Root != nil {
		root := *m.Root
		root.Root = nil
		row.Root = MessageToRow(&root, owner)
	}
	return row
}

// MessagesToRows converts a batch for InsertBulkSafe.
func MessagesToRows(msgs []*model.Message, owner string) []cache.Row {
	rows := make([]cache.Row, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, MessageToRow(m, owner))
	}
	return rows
}

// RowToMessage converts a cached row back to a message.
func RowToMessage(r *cache.MessageRow) (*model.Message, error) {
	m := &model.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderUserID:   r.SenderUserID,
		Content:        r.Content,
		Important:      r.Important,
		Type:           model.MessageType(r.Type),
		Origin:         model.Origin(r.Origin),
		Status:         model.Status(r.Status),
		ClientID:       r.ClientID,
		Version:        r.Version,
		CreatedAt:      fromMillis(r.CreatedAt),
		UpdatedAt:      fromMillisPtr(r.UpdatedAt),
		DeletedAt:      fromMillisPtr(r.DeletedAt),
	}
	if r.Reactions != "" {
		if err := json.Unmarshal([]byte(r.Reactions), &m.Reactions); err != nil {
			return nil, fmt.Errorf("decode reactions of message %s: %w", r.ID, err)
		}
	}
	if r.Root != nil {
		root := *r.Root
		root.Root = nil
		rm, err := RowToMessage(&root)
		if err != nil {
			return nil, err
		}
		m.Root = rm
	}
	return m, nil
}

func encodeReactions(rs []model.Reaction) string {
	if len(rs) == 0 {
		return ""
	}
	b, _ := json.Marshal(rs)
	return string(b)
}

// ── Conversations ────────────────────────────────────────

// ConversationToRow converts c into a row owned by owner.
func ConversationToRow(c *model.Conversation, owner string) *cache.ConversationRow {
	row := &cache.ConversationRow{
		ID:          c.ID,
		OwnerUserID: owner,
		Name:        c.Name,
		Description: c.Description,
		ImageURL:    c.ImageURL,
		BannerURL:   c.BannerURL,
		Settings:    string(c.Settings),
		Archived:    c.Archived,
		CreatedAt:   millisPtr(c.CreatedAt),
		UpdatedAt:   millisPtr(c.UpdatedAt),
		DeletedAt:   millisPtr(c.DeletedAt),
	}
	if lm := c.LastMessage; lm != nil {
		row.LastMessageID = lm.ID
		row.LastMessageSender = lm.SenderID
		row.LastMessagePreview = lm.Preview
		row.LastMessageVersion = lm.Version
		row.LastMessageAt = millisPtr(&lm.CreatedAt)
	}
	return row
}

// RowToConversation converts a cached row back to a conversation.
func RowToConversation(r *cache.ConversationRow) *model.Conversation {
	c := &model.Conversation{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		ImageURL:    r.ImageURL,
		BannerURL:   r.BannerURL,
		Archived:    r.Archived,
		CreatedAt:   fromMillisPtr(r.CreatedAt),
		UpdatedAt:   fromMillisPtr(r.UpdatedAt),
		DeletedAt:   fromMillisPtr(r.DeletedAt),
	}
	if r.Settings != "" {
		c.Settings = json.RawMessage(r.Settings)
	}
	if r.LastMessageID != "" {
		c.LastMessage = &model.LastMessage{
			ID:       r.LastMessageID,
			SenderID: r.LastMessageSender,
			Preview:  r.LastMessagePreview,
			Version:  r.LastMessageVersion,
		}
		if r.LastMessageAt != nil {
			c.LastMessage.CreatedAt = fromMillis(*r.LastMessageAt)
		}
	}
	return c
}

// ── Users ────────────────────────────────────────────────

func UserToRow(u *model.User, owner string) *cache.UserRow {
	row := &cache.UserRow{
		ID:          u.ID,
		OwnerUserID: owner,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
	if u.UpdatedAt != nil {
		row.UpdatedAt = millis(*u.UpdatedAt)
	}
	return row
}

func RowToUser(r *cache.UserRow) *model.User {
	u := &model.User{
		ID:          r.ID,
		Username:    r.Username,
		DisplayName: r.DisplayName,
		AvatarURL:   r.AvatarURL,
	}
	if r.UpdatedAt != 0 {
		t := fromMillis(r.UpdatedAt)
		u.UpdatedAt = &t
	}
	return u
}

// ── Time ─────────────────────────────────────────────────

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
