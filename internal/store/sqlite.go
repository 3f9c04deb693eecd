// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides the per-channel message ledger with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-chat/internal/chat"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chat_messages (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			channel    TEXT NOT NULL,
			message_id TEXT NOT NULL,
			sender_id  TEXT NOT NULL,
			text       TEXT NOT NULL,
			sent_at    TEXT NOT NULL,

			UNIQUE (channel, message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_chat_messages_channel_seq
			ON chat_messages(channel, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveMessage appends a message to the channel ledger. Duplicate ids within
// a channel are ignored.
func (s *SQLiteStore) SaveMessage(ctx context.Context, channel string, msg chat.Message) (bool, error) {
	if channel == "" {
		return false, errors.New("channel required")
	}
	if err := msg.Validate(); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO chat_messages (channel, message_id, sender_id, text, sent_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		channel,
		msg.ID,
		msg.SenderID,
		msg.Text,
		msg.SentAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("inserting message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking insert result: %w", err)
	}

	s.logger.Debug("saved message",
		"channel", channel,
		"message_id", msg.ID,
		"inserted", n > 0,
	)
	return n > 0, nil
}

// ListMessages retrieves a page of messages for a channel in chronological
// order (oldest first).
func (s *SQLiteStore) ListMessages(ctx context.Context, p ListParams) (*Page, error) {
	if p.Channel == "" {
		return nil, errors.New("channel required")
	}
	limit := clampLimit(p.Limit)

	var (
		rows *sql.Rows
		err  error
	)
	if p.Since == "" {
		// Newest page: take the tail in descending order, reversed below.
		rows, err = s.db.QueryContext(ctx, `
			SELECT seq, message_id, sender_id, text, sent_at
			FROM chat_messages
			WHERE channel = ?
			ORDER BY seq DESC
			LIMIT ?
		`, p.Channel, limit)
	} else {
		seq, decodeErr := decodeCursor(p.Since)
		if decodeErr != nil {
			return nil, decodeErr
		}
		rows, err = s.db.QueryContext(ctx, `
			SELECT seq, message_id, sender_id, text, sent_at
			FROM chat_messages
			WHERE channel = ? AND seq > ?
			ORDER BY seq ASC
			LIMIT ?
		`, p.Channel, seq, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	ch, _ := chat.ParseChannel(p.Channel)

	var (
		msgs    []chat.Message
		seqs    []int64
		lastSeq int64
	)
	for rows.Next() {
		var (
			seq       int64
			msg       chat.Message
			sentAtStr string
		)
		if err := rows.Scan(&seq, &msg.ID, &msg.SenderID, &msg.Text, &sentAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.SentAt, err = time.Parse(time.RFC3339Nano, sentAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing sent_at: %w", err)
		}
		msg.Channel = ch
		msgs = append(msgs, msg)
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	if p.Since == "" {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
			seqs[i], seqs[j] = seqs[j], seqs[i]
		}
	}

	page := &Page{Messages: msgs, Cursor: p.Since}
	if len(seqs) > 0 {
		lastSeq = seqs[len(seqs)-1]
		page.Cursor = encodeCursor(lastSeq)
	}
	return page, nil
}

// ListChannels returns the distinct channel names in the ledger.
func (s *SQLiteStore) ListChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT channel FROM chat_messages ORDER BY channel
	`)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning channel row: %w", err)
		}
		channels = append(channels, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel rows: %w", err)
	}
	return channels, nil
}

const cursorPrefix = "seq|"

// encodeCursor creates an opaque cursor string from a ledger sequence number.
// Format is base64("seq|<n>")
func encodeCursor(seq int64) string {
	return base64.StdEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(seq, 10)))
}

// decodeCursor parses an opaque cursor string into a sequence number.
func decodeCursor(cursor string) (int64, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: bad encoding: %w", ErrInvalidCursor, err)
	}

	raw, ok := strings.CutPrefix(string(decoded), cursorPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: expected seq|<n>", ErrInvalidCursor)
	}

	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: bad sequence %q", ErrInvalidCursor, raw)
	}
	return seq, nil
}
