package models

import "encoding/json"

// Participant is a logical identity currently present in a channel, possibly
// via several simultaneous connections. It is in-memory bookkeeping only; the
// persisted presence messages are the durable record of roster history.
type Participant struct {
	ID              string          `json:"id"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	ConnectionCount int             `json:"connection_count"`
}
