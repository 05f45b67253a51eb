package murmur

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MessageCache is a SQLite-backed local cache of confirmed messages, written
// through by Timelines so history can be rendered offline. Optimistic
// messages never enter the cache: in-flight sends are deliberately lost on
// restart.
type MessageCache struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenMessageCache opens (and if needed creates) the cache database at path.
func OpenMessageCache(path string, logger *slog.Logger) (*MessageCache, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create cache directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open cache database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	cache := &MessageCache{db: db, logger: logger}

	if err := cache.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache migration failed: %w", err)
	}
	return cache, nil
}

func (c *MessageCache) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id       TEXT NOT NULL,
		content         TEXT NOT NULL,
		is_read         INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Put upserts confirmed messages. The read flag only ever moves from unread
// to read, mirroring the server's monotonic transition.
func (c *MessageCache) Put(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cannot begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET is_read = max(messages.is_read, excluded.is_read)`)
	if err != nil {
		return fmt.Errorf("cannot prepare cache upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		read := 0
		if m.IsRead {
			read = 1
		}
		if _, err := stmt.ExecContext(ctx, m.ID, m.ConversationID, m.SenderID,
			m.Content, read, m.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("cannot cache message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit of a conversation's newest cached messages in
// ascending creation-time order.
func (c *MessageCache) Recent(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, content, is_read, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("cannot query cache: %w", err)
	}
	defer rows.Close()

	var newest []Message
	for rows.Next() {
		var m Message
		var read int
		var created string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &read, &created); err != nil {
			return nil, fmt.Errorf("cannot scan cached message: %w", err)
		}
		m.IsRead = read != 0
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			c.logger.Warn("skipping cached message with bad timestamp", "id", m.ID, "error", err)
			continue
		}
		m.CreatedAt = ts
		newest = append(newest, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache iteration failed: %w", err)
	}
	return reverseMessages(newest), nil
}

// Count returns the number of cached messages for a conversation.
func (c *MessageCache) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cannot count cached messages: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (c *MessageCache) Close() error {
	return c.db.Close()
}
