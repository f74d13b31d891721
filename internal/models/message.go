package models

import (
	"encoding/json"
	"time"
)

// TypePresence is the reserved message type used for join/leave/update events.
// Presence rows are replayed ahead of everything else so a reconnecting client
// can reconstruct roster history before processing backlog.
const TypePresence = "presence"

// Presence event names carried in the payload of a presence-typed message.
const (
	PresenceJoin   = "join"
	PresenceLeave  = "leave"
	PresenceUpdate = "update"
)

// Message is a persisted unit of channel traffic. Rows are immutable once
// inserted; ID is assigned by the store and is strictly increasing within a
// channel.
type Message struct {
	ID             int64           `json:"id"`
	Channel        string          `json:"channel"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	SenderID       string          `json:"sender_id"`
	Timestamp      time.Time       `json:"ts"`
	SenderMetadata json.RawMessage `json:"sender_metadata,omitempty"`
	Attachment     []byte          `json:"-"`
}

// PresencePayload is the payload shape of a presence-typed message.
type PresencePayload struct {
	Event    string          `json:"event"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}
