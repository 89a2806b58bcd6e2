// Package model holds the wire-shaped chat objects exchanged with the backend
// and delivered over realtime subscriptions.
package model

import (
	"encoding/json"
	"time"
)

// MessageType enumerates message kinds.
type MessageType string

const (
	MessageText        MessageType = "text"
	MessageAttachment  MessageType = "attachment"
	MessageAsset       MessageType = "asset"
	MessageRental      MessageType = "rental"
	MessageSystemEject MessageType = "system_eject"
	MessageSystemLeave MessageType = "system_leave"
	MessageSystemJoin  MessageType = "system_join"
)

// Origin tells whether a message was produced by a user or by the system.
type Origin string

const (
	OriginUser   Origin = "user"
	OriginSystem Origin = "system"
)

// Status is the local delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Reaction is one user's reaction to a message.
type Reaction struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a chat message as sent by the backend.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderUserID   string      `json:"senderId"`
	Content        string      `json:"content"`
	Reactions      []Reaction  `json:"reactions,omitempty"`
	Important      bool        `json:"important"`
	Type           MessageType `json:"type"`
	Origin         Origin      `json:"origin"`
	Version        int64       `json:"version"`
	Status         Status      `json:"status,omitempty"`
	ClientID       string      `json:"clientId,omitempty"`
	// Root is a full copy of the message this one replies to. A root never
	// carries a root of its own.
	Root      *Message   `json:"root,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// LastMessage summarizes the newest message of a conversation.
type LastMessage struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Preview   string    `json:"preview"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a chat room as sent by the backend.
type Conversation struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	ImageURL    string          `json:"imageUrl,omitempty"`
	BannerURL   string          `json:"bannerUrl,omitempty"`
	Settings    json.RawMessage `json:"settings,omitempty"`
	Archived    bool            `json:"archived"`
	LastMessage *LastMessage    `json:"lastMessage,omitempty"`
	CreatedAt   *time.Time      `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time      `json:"updatedAt,omitempty"`
	DeletedAt   *time.Time      `json:"deletedAt,omitempty"`
}

// User is a chat participant profile.
type User struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName,omitempty"`
	AvatarURL   string     `json:"avatarUrl,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// RangeRequest asks the backend for every message of a conversation whose
// version lies in [FromVersion, ToVersion].
type RangeRequest struct {
	ConversationID string `json:"conversationId"`
	FromVersion    int64  `json:"fromVersion"`
	ToVersion      int64  `json:"toVersion"`
}
