package models

import "time"

// Channel is the durable identity row for a named channel. The row only
// exists for channels created with a context id; its fields never change once
// written. Channels without a context id live purely in the broker's
// in-memory registry.
type Channel struct {
	Name      string    `json:"channel"`
	ContextID string    `json:"context_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}
