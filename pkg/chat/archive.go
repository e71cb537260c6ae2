package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Archive mirrors the chat log into SQLite for search. The JSON log stays
// the source of truth; the archive can be rebuilt from it at any time.
type Archive struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenArchive opens or creates the archive database at path.
func OpenArchive(path string, logger *zerolog.Logger) (*Archive, error) {
	if path == "" {
		return nil, errors.New("archive path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	base := log.Logger
	if logger != nil {
		base = *logger
	}
	a := &Archive{db: db, logger: base.With().Str("component", "chat_archive").Logger()}
	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return a, nil
}

func (a *Archive) initSchema() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_messages (
			id INTEGER PRIMARY KEY,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chat_messages_recipient ON chat_messages(recipient);
	`)
	return err
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Upsert stores messages, replacing rows with the same id.
func (a *Archive) Upsert(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chat_messages (id, sender, recipient, content, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender = excluded.sender,
			recipient = excluded.recipient,
			content = excluded.content,
			timestamp = excluded.timestamp
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, m.ID, m.From, m.To, m.Content, m.Timestamp.UnixMilli()); err != nil {
			return fmt.Errorf("failed to archive message %d: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// Search returns messages whose content, sender or recipient contains query,
// case-insensitively, oldest first, at most limit (all when limit <= 0).
func (a *Archive) Search(ctx context.Context, query string, limit int) ([]Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("search query cannot be empty")
	}
	if limit <= 0 {
		limit = -1
	}

	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, sender, recipient, content, timestamp FROM (
			SELECT * FROM chat_messages
			WHERE lower(content) LIKE ? ESCAPE '\'
			   OR lower(sender) LIKE ? ESCAPE '\'
			   OR lower(recipient) LIKE ? ESCAPE '\'
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search archive: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the number of archived messages.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chat_messages").Scan(&n)
	return n, err
}

// Sync archives the whole current log.
func (a *Archive) Sync(ctx context.Context, store *Store) error {
	msgs, err := store.Messages(0, "")
	if err != nil {
		return err
	}
	if err := a.Upsert(ctx, msgs...); err != nil {
		return err
	}
	a.logger.Debug().Int("messages", len(msgs)).Msg("Archive synced")
	return nil
}

// Mirror archives messages from a store subscription until ctx ends or the
// channel closes.
func (a *Archive) Mirror(ctx context.Context, msgs <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			if err := a.Upsert(ctx, m); err != nil {
				a.logger.Warn().Err(err).Int64("messageId", m.ID).Msg("Failed to archive message")
			}
		}
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
