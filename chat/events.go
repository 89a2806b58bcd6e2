package chat

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/model"
	"github.com/LuminPulse-AI/chatsync/realtime"
)

// ============================================================================
// Feed events
// ============================================================================

// Feed event types delivered by the realtime subscriptions.
const (
	EventMessageNew         = "message.new"
	EventMessageEdit        = "message.edit"
	EventMessageReaction    = "message.reaction"
	EventMessageDelete      = "message.delete"
	EventConversationUpsert = "conversation.upsert"
	EventConversationLeave  = "conversation.leave"
)

// FeedEvent is one change pushed by the backend.
type FeedEvent struct {
	Type           string              `json:"type"`
	ConversationID string              `json:"conversationId,omitempty"`
	MessageID      string              `json:"messageId,omitempty"`
	Message        *model.Message      `json:"message,omitempty"`
	Conversation   *model.Conversation `json:"conversation,omitempty"`
	Reactions      []model.Reaction    `json:"reactions,omitempty"`
	At             time.Time           `json:"at"`
}

func (e FeedEvent) messageID() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	if e.Message != nil {
		return e.Message.ID
	}
	return ""
}

func (e FeedEvent) conversationID() string {
	switch {
	case e.ConversationID != "":
		return e.ConversationID
	case e.Conversation != nil:
		return e.Conversation.ID
	case e.Message != nil:
		return e.Message.ConversationID
	}
	return ""
}

func (e FeedEvent) at() time.Time {
	if e.At.IsZero() {
		return time.Now().UTC()
	}
	return e.At
}

const (
	messageFeedField      = "onMessageEvent"
	conversationFeedField = "onConversationEvent"
)

func messageFeed(userID string) realtime.Operation {
	return realtime.Operation{
		Query: `subscription OnMessageEvent($userId: ID!) {
  onMessageEvent(userId: $userId) { type conversationId messageId message reactions at }
}`,
		Variables:     map[string]any{"userId": userID},
		OperationName: "OnMessageEvent",
	}
}

func conversationFeed(userID string) realtime.Operation {
	return realtime.Operation{
		Query: `subscription OnConversationEvent($userId: ID!) {
  onConversationEvent(userId: $userId) { type conversationId conversation at }
}`,
		Variables:     map[string]any{"userId": userID},
		OperationName: "OnConversationEvent",
	}
}

// decodeFeed unwraps {"<field>": {...event...}}.
func decodeFeed(data json.RawMessage, field string) (FeedEvent, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return FeedEvent{}, fmt.Errorf("decode feed: %w", err)
	}
	raw, ok := envelope[field]
	if !ok || string(raw) == "null" {
		return FeedEvent{}, fmt.Errorf("decode feed: missing %s", field)
	}
	var ev FeedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return FeedEvent{}, fmt.Errorf("decode %s: %w", field, err)
	}
	return ev, nil
}

// ============================================================================
// Service events
// ============================================================================

// Event is emitted after a change reached the local cache.
type Event interface {
	event()
}

// MessageStored reports a message written to the cache. Kind is the feed
// event type, or "send" for a confirmed outbound message.
type MessageStored struct {
	Kind    string
	Message *model.Message
}

// ConversationStored reports a conversation written to the cache.
type ConversationStored struct {
	Conversation *model.Conversation
	Left         bool
}

// Unsynced reports that every cached row was dropped.
type Unsynced struct{}

// SendFailed reports an optimistic message that the backend rejected.
type SendFailed struct {
	ConversationID string
	ClientID       string
	Err            error
}

func (MessageStored) event()      {}
func (ConversationStored) event() {}
func (Unsynced) event()           {}
func (SendFailed) event()         {}

type emitter struct {
	mu       sync.RWMutex
	handlers []func(Event)
	logger   *zerolog.Logger
}

// OnEvent registers h. Handlers run on the action queue and must not wait on
// it.
func (e *emitter) OnEvent(h func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error().Str("panic", fmt.Sprint(r)).Msg("event handler panicked")
				}
			}()
			h(ev)
		}()
	}
}
