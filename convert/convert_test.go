package convert

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync/cache"
	"github.com/LuminPulse-AI/chatsync/model"
)

var (
	t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t1 = time.Date(2024, 5, 1, 11, 30, 0, 0, time.UTC)
)

func TestMessageRoundTrip(t *testing.T) {
	msg := &model.Message{
		ID:             "m2",
		ConversationID: "c1",
		SenderUserID:   "u1",
		Content:        "reply",
		Reactions:      []model.Reaction{{UserID: "u2", Emoji: "🔥", CreatedAt: t1}},
		Important:      true,
		Type:           model.MessageText,
		Origin:         model.OriginUser,
		Version:        12,
		Status:         model.StatusConfirmed,
		Root: &model.Message{
			ID:             "m1",
			ConversationID: "c1",
			SenderUserID:   "u2",
			Content:        "original",
			Type:           model.MessageAttachment,
			Origin:         model.OriginUser,
			Version:        11,
			CreatedAt:      t0,
		},
		CreatedAt: t1,
		UpdatedAt: &t1,
	}

	row := MessageToRow(msg, "me")
	assert.Equal(t, cache.CompositeKey("m2", "me"), row.PrimaryKey())
	assert.Equal(t, t1.UnixMilli(), row.CreatedAt)
	assert.Nil(t, row.DeletedAt)
	require.NotNil(t, row.Root)
	assert.Equal(t, "me", row.Root.OwnerUserID)

	var reactions []model.Reaction
	require.NoError(t, json.Unmarshal([]byte(row.Reactions), &reactions))
	assert.Equal(t, msg.Reactions, reactions)

	back, err := RowToMessage(row)
	require.NoError(t, err)
	assert.Equal(t, msg, back)
}

func TestNestedRootIsStripped(t *testing.T) {
	grand := &model.Message{ID: "m0", ConversationID: "c1", CreatedAt: t0}
	root := &model.Message{ID: "m1", ConversationID: "c1", Root: grand, CreatedAt: t0}
	msg := &model.Message{ID: "m2", ConversationID: "c1", Root: root, CreatedAt: t1}

	row := MessageToRow(msg, "me")
	require.NotNil(t, row.Root)
	assert.Nil(t, row.Root.Root)
	assert.NotNil(t, root.Root, "input must not be modified")

	row.Root.Root = &cache.MessageRow{ID: "m0"}
	back, err := RowToMessage(row)
	require.NoError(t, err)
	require.NotNil(t, back.Root)
	assert.Nil(t, back.Root.Root)
}

func TestRowToMessageRejectsBadReactions(t *testing.T) {
	_, err := RowToMessage(&cache.MessageRow{ID: "m1", Reactions: "{not json"})
	assert.Error(t, err)
}

func TestConversationRoundTrip(t *testing.T) {
	conv := &model.Conversation{
		ID:        "c1",
		Name:      "Traders",
		ImageURL:  "https://img.example/c1.png",
		Settings:  json.RawMessage(`{"muted":true}`),
		Archived:  true,
		CreatedAt: &t0,
		DeletedAt: &t1,
		LastMessage: &model.LastMessage{
			ID: "m9", SenderID: "u3", Preview: "gm", Version: 9, CreatedAt: t1,
		},
	}

	row := ConversationToRow(conv, "me")
	assert.Equal(t, `{"muted":true}`, row.Settings)
	assert.Equal(t, int64(9), row.LastMessageVersion)
	require.NotNil(t, row.DeletedAt)
	assert.Equal(t, t1.UnixMilli(), *row.DeletedAt)
	assert.Nil(t, row.UpdatedAt)

	assert.Equal(t, conv, RowToConversation(row))
}

func TestConversationWithoutLastMessage(t *testing.T) {
	row := ConversationToRow(&model.Conversation{ID: "c2", Name: "empty"}, "me")
	back := RowToConversation(row)
	assert.Nil(t, back.LastMessage)
	assert.Nil(t, back.Settings)
	assert.Nil(t, back.CreatedAt)
}

func TestUserRoundTrip(t *testing.T) {
	u := &model.User{ID: "u1", Username: "ada", DisplayName: "Ada", UpdatedAt: &t0}
	row := UserToRow(u, "me")
	assert.Equal(t, "me:u1", row.PrimaryKey())
	assert.Equal(t, u, RowToUser(row))

	bare := RowToUser(UserToRow(&model.User{ID: "u2", Username: "bob"}, "me"))
	assert.Nil(t, bare.UpdatedAt)
}

func TestMessagesToRows(t *testing.T) {
	rows := MessagesToRows([]*model.Message{
		{ID: "a", ConversationID: "c1", CreatedAt: t0},
		{ID: "b", ConversationID: "c1", CreatedAt: t1},
	}, "me")
	require.Len(t, rows, 2)
	assert.NoError(t, cache.CheckRows(cache.TableMessage, rows))
}
