package store

import (
	"context"

	"github.com/eldtechnologies/hubd/internal/models"
)

// MessageStore defines the interface for durable channel and message storage.
// Both SQLiteStore and MemoryStore implement this interface and satisfy the
// same ordering and race-safety contracts:
//
//   - Insert assigns ids that are unique and strictly increasing per channel.
//   - Query and QueryByType return rows in ascending id order with no gaps or
//     duplicates relative to what was inserted.
//   - CreateChannel is race-safe: concurrent creates of the same channel
//     produce exactly one row and no error; callers re-read via GetChannel to
//     discover the winning identity.
type MessageStore interface {
	// Init performs idempotent schema setup. Safe to call multiple times.
	Init(ctx context.Context) error

	// CreateChannel inserts the identity row for a channel if absent. It
	// never overwrites an existing row.
	CreateChannel(ctx context.Context, channel, contextID, createdBy string) error

	// GetChannel returns the channel row, or nil if none exists.
	GetChannel(ctx context.Context, channel string) (*models.Channel, error)

	// Insert appends a message and returns its assigned id. The id is the
	// authoritative ordering key for the channel.
	Insert(ctx context.Context, msg *models.Message) (int64, error)

	// Query returns all messages in the channel with id > sinceID, ascending.
	Query(ctx context.Context, channel string, sinceID int64) ([]models.Message, error)

	// QueryByType is Query restricted to a set of message types. An empty
	// type set returns no rows without touching storage.
	QueryByType(ctx context.Context, channel string, types []string, sinceID int64) ([]models.Message, error)

	// Ping checks backend liveness.
	Ping(ctx context.Context) error

	// Close flushes to durable media and releases the backend. Flush errors
	// are logged rather than raised so shutdown always completes.
	Close()
}
