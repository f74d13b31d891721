package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/hubd/internal/metrics"
	"github.com/eldtechnologies/hubd/internal/models"
)

// SQLiteStore is the durable backend: a single database file, single handle
// per broker instance, WAL journal mode.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and runs
// schema setup. If dbPath is empty, defaults to "./data/hubd.db".
func NewSQLiteStore(ctx context.Context, dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/hubd.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// A single handle keeps SQLite's writer lock uncontended and makes the
	// autoincrement id assignment a serialization point.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger.With().Str("component", "sqlite").Logger()}

	if err := s.Init(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// Init creates tables if they don't exist. Idempotent.
func (s *SQLiteStore) Init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		ts DATETIME NOT NULL,
		sender_metadata TEXT,
		attachment BLOB
	);

	CREATE TABLE IF NOT EXISTS channels (
		channel TEXT PRIMARY KEY,
		context_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		created_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_messages_channel_id ON messages(channel, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close forces a WAL checkpoint and closes the handle. Flush errors are
// logged, not returned: shutdown must complete even if the checkpoint fails.
func (s *SQLiteStore) Close() {
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.logger.Error().Err(err).Msg("wal checkpoint failed")
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error().Err(err).Msg("close failed")
	}
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateChannel inserts the channel identity row if absent. ON CONFLICT DO
// NOTHING makes concurrent creates race-safe: exactly one row wins and
// neither caller sees an error.
func (s *SQLiteStore) CreateChannel(ctx context.Context, channel, contextID, createdBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (channel, context_id, created_at, created_by)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(channel) DO NOTHING
	`, channel, nullable(contextID), time.Now().UTC(), nullable(createdBy))
	return err
}

// GetChannel retrieves a channel row, or nil if none exists.
func (s *SQLiteStore) GetChannel(ctx context.Context, channel string) (*models.Channel, error) {
	ch := &models.Channel{}
	var contextID, createdBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT channel, context_id, created_at, created_by
		FROM channels WHERE channel = ?
	`, channel).Scan(&ch.Name, &contextID, &ch.CreatedAt, &createdBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ch.ContextID = contextID.String
	ch.CreatedBy = createdBy.String
	return ch, nil
}

// Insert appends a message row and returns the autoincrement id. The id is
// globally monotonic, which preserves per-channel relative order.
func (s *SQLiteStore) Insert(ctx context.Context, msg *models.Message) (int64, error) {
	start := time.Now()
	defer func() {
		metrics.StoreLatency.Observe(time.Since(start).Seconds())
	}()

	var senderMetadata any
	if len(msg.SenderMetadata) > 0 {
		senderMetadata = string(msg.SenderMetadata)
	}
	var attachment any
	if msg.Attachment != nil {
		attachment = msg.Attachment
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (channel, type, payload, sender_id, ts, sender_metadata, attachment)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.Channel, msg.Type, string(msg.Payload), msg.SenderID, msg.Timestamp.UTC(), senderMetadata, attachment)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	msg.ID = id
	return id, nil
}

// Query returns all messages in the channel with id > sinceID, ascending.
func (s *SQLiteStore) Query(ctx context.Context, channel string, sinceID int64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, type, payload, sender_id, ts, sender_metadata, attachment
		FROM messages
		WHERE channel = ? AND id > ?
		ORDER BY id ASC
	`, channel, sinceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// QueryByType returns messages restricted to a type set. An empty set short
// circuits without querying.
func (s *SQLiteStore) QueryByType(ctx context.Context, channel string, types []string, sinceID int64) ([]models.Message, error) {
	if len(types) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(types))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(types)+2)
	args = append(args, channel, sinceID)
	for _, t := range types {
		args = append(args, t)
	}

	query := fmt.Sprintf(`
		SELECT id, channel, type, payload, sender_id, ts, sender_metadata, attachment
		FROM messages
		WHERE channel = ? AND id > ? AND type IN (%s)
		ORDER BY id ASC
	`, placeholders)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var (
			msg            models.Message
			payload        string
			senderMetadata sql.NullString
			attachment     []byte
		)
		if err := rows.Scan(&msg.ID, &msg.Channel, &msg.Type, &payload, &msg.SenderID, &msg.Timestamp, &senderMetadata, &attachment); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payload)
		if senderMetadata.Valid {
			msg.SenderMetadata = []byte(senderMetadata.String)
		}
		msg.Attachment = attachment
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
