// ABOUTME: SQLite implementation of MessageLog and UserStore using modernc.org/sqlite
// ABOUTME: Provides message and user persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements MessageLog and UserStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store.sqlite")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
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
		CREATE TABLE IF NOT EXISTS messages (
			conversation_key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			sender TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (conversation_key, seq)
		);

		CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY COLLATE NOCASE,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append inserts the message with the next sequence number for its
// conversation. The statement runs under SQLite's write lock, so concurrent
// appends on one key get distinct, gap-free sequence numbers.
func (s *SQLiteStore) Append(ctx context.Context, key ConversationKey, sender, body string) (Message, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO messages (conversation_key, seq, sender, body, created_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
		FROM messages WHERE conversation_key = ?
		RETURNING seq
	`

	var seq int64
	err := s.db.QueryRowContext(ctx, query,
		string(key), sender, body, now.Format(time.RFC3339Nano), string(key),
	).Scan(&seq)
	if err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}

	return Message{Seq: seq, Sender: sender, Body: body, CreatedAt: now}, nil
}

// ReadAll returns all messages for a conversation, oldest first.
func (s *SQLiteStore) ReadAll(ctx context.Context, key ConversationKey) ([]Message, error) {
	return s.ReadSince(ctx, key, 0)
}

// ReadSince returns messages with seq greater than afterSeq, oldest first.
func (s *SQLiteStore) ReadSince(ctx context.Context, key ConversationKey, afterSeq int64) ([]Message, error) {
	query := `
		SELECT seq, sender, body, created_at
		FROM messages
		WHERE conversation_key = ? AND seq > ?
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(key), afterSeq)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var msg Message
		var createdAt string
		if err := rows.Scan(&msg.Seq, &msg.Sender, &msg.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return msgs, nil
}

// CreateUser stores a new user.
// Returns ErrDuplicate if the username is already registered.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (username, password_hash, created_at)
		VALUES (?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		user.Username,
		user.PasswordHash,
		user.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	return nil
}

// GetUser retrieves a user by name (case-insensitive).
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT username, password_hash, created_at
		FROM users
		WHERE username = ?
	`

	var user User
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, username).Scan(&user.Username, &user.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &user, nil
}

// SearchUsers returns users whose name contains query, excluding exclude.
func (s *SQLiteStore) SearchUsers(ctx context.Context, query, exclude string, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = 50
	}

	sqlQuery := `
		SELECT username, password_hash, created_at
		FROM users
		WHERE username LIKE ? ESCAPE '\' AND username <> ?
		ORDER BY username ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, sqlQuery, "%"+escapeLike(query)+"%", exclude, limit)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var user User
		var createdAt string
		if err := rows.Scan(&user.Username, &user.PasswordHash, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		user.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		users = append(users, &user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}

	return users, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if an error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// Compile-time interface checks
var (
	_ MessageLog = (*SQLiteStore)(nil)
	_ UserStore  = (*SQLiteStore)(nil)
	_ MessageLog = (*FileStore)(nil)
)
