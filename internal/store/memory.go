package store

import (
	"context"
	"sync"
	"time"

	"github.com/eldtechnologies/hubd/internal/models"
)

// MemoryStore is the in-memory backend used by tests. It honors the same
// ordering and race-safety contracts as SQLiteStore.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	messages map[string][]models.Message
	channels map[string]models.Channel
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:   1,
		messages: make(map[string][]models.Message),
		channels: make(map[string]models.Channel),
	}
}

// Init is a no-op; the maps are allocated at construction.
func (s *MemoryStore) Init(ctx context.Context) error {
	return nil
}

// Close is a no-op; there is nothing to flush.
func (s *MemoryStore) Close() {}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// CreateChannel records the channel row if absent. The mutex makes concurrent
// creates race-safe: the first caller wins, later callers are no-ops.
func (s *MemoryStore) CreateChannel(ctx context.Context, channel, contextID, createdBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channel]; ok {
		return nil
	}
	s.channels[channel] = models.Channel{
		Name:      channel,
		ContextID: contextID,
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
	}
	return nil
}

// GetChannel returns a copy of the channel row, or nil if none exists.
func (s *MemoryStore) GetChannel(ctx context.Context, channel string) (*models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channel]
	if !ok {
		return nil, nil
	}
	return &ch, nil
}

// Insert appends the message and assigns the next global id.
func (s *MemoryStore) Insert(ctx context.Context, msg *models.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *msg
	stored.ID = s.nextID
	s.nextID++
	if stored.Attachment != nil {
		stored.Attachment = append([]byte(nil), stored.Attachment...)
	}
	s.messages[stored.Channel] = append(s.messages[stored.Channel], stored)

	msg.ID = stored.ID
	return stored.ID, nil
}

// Query returns all messages in the channel with id > sinceID, ascending.
func (s *MemoryStore) Query(ctx context.Context, channel string, sinceID int64) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Message
	for _, msg := range s.messages[channel] {
		if msg.ID > sinceID {
			out = append(out, msg)
		}
	}
	return out, nil
}

// QueryByType returns messages restricted to a type set. An empty set short
// circuits.
func (s *MemoryStore) QueryByType(ctx context.Context, channel string, types []string, sinceID int64) ([]models.Message, error) {
	if len(types) == 0 {
		return nil, nil
	}

	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Message
	for _, msg := range s.messages[channel] {
		if msg.ID > sinceID && wanted[msg.Type] {
			out = append(out, msg)
		}
	}
	return out, nil
}
