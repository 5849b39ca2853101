package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/havenchat/haven/internal/event"
)

// sqliteTimeLayout is how SQLite renders CURRENT_TIMESTAMP.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// SQLite implements Store on a local SQLite database.
type SQLite struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Foreign keys and WAL mode for better concurrency.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create conversations table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memberships (
			conversation_id INTEGER NOT NULL,
			user_id         INTEGER NOT NULL,
			state           TEXT NOT NULL DEFAULT 'pending',
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (conversation_id, user_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create memberships table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL,
			sender_id       INTEGER NOT NULL,
			content         TEXT NOT NULL,
			delivered       INTEGER NOT NULL DEFAULT 1,
			read_flag       INTEGER NOT NULL DEFAULT 0,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv_sender
			ON messages (conversation_id, sender_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &SQLite{db: db, path: path}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) GetMembership(ctx context.Context, conversationID, userID int64) (*Membership, error) {
	m := Membership{ConversationID: conversationID, UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM memberships
		WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&m.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return &m, nil
}

func (s *SQLite) GetOtherMemberships(ctx context.Context, conversationID, excluding int64) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, state FROM memberships
		WHERE conversation_id = ? AND user_id != ?`,
		conversationID, excluding)
	if err != nil {
		return nil, fmt.Errorf("get other memberships: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		m := Membership{ConversationID: conversationID}
		if err := rows.Scan(&m.UserID, &m.State); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLite) CountMessagesBySender(ctx context.Context, conversationID, senderID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND sender_id = ?`,
		conversationID, senderID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *SQLite) InsertMessage(ctx context.Context, conversationID, senderID int64, content string) (*event.Message, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, content, delivered, read_flag)
		VALUES (?, ?, ?, 1, 0)`,
		conversationID, senderID, content)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert message id: %w", err)
	}

	var createdAt string
	if err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM messages WHERE id = ?`, id).Scan(&createdAt); err != nil {
		return nil, fmt.Errorf("read back message: %w", err)
	}
	ts, err := time.Parse(sqliteTimeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}

	return &event.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Delivered:      true,
		Read:           false,
		CreatedAt:      ts,
	}, nil
}

func (s *SQLite) SetMessageRead(ctx context.Context, messageID int64) (int64, error) {
	var senderID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT sender_id FROM messages WHERE id = ?`, messageID).Scan(&senderID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("find message: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read_flag = 1 WHERE id = ?`, messageID); err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return senderID, nil
}

func (s *SQLite) GetParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM memberships
		WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get participants: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ── Membership management ────────────────────────────────────────────────────
// Account and conversation CRUD live outside this core; these writers are
// the minimal surface that outside layer (and tests) use to seed state.

// CreateDirectConversation creates a two-member conversation: the
// initiator is accepted, the recipient starts pending until they decide.
func (s *SQLite) CreateDirectConversation(ctx context.Context, initiatorID, recipientID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO conversations DEFAULT VALUES`)
	if err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	convID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (conversation_id, user_id, state) VALUES
			(?, ?, 'accepted'),
			(?, ?, 'pending')`,
		convID, initiatorID, convID, recipientID); err != nil {
		return 0, fmt.Errorf("create memberships: %w", err)
	}
	return convID, nil
}

// SetMembershipState transitions a participant's trust state. Blocked is
// terminal: once a row is blocked it never changes again.
func (s *SQLite) SetMembershipState(ctx context.Context, conversationID, userID int64, state TrustState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memberships SET state = ?
		WHERE conversation_id = ? AND user_id = ? AND state != 'blocked'`,
		state, conversationID, userID)
	if err != nil {
		return fmt.Errorf("set membership state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertMembership inserts or replaces a membership row.
func (s *SQLite) UpsertMembership(ctx context.Context, m Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (conversation_id, user_id, state)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET state = excluded.state`,
		m.ConversationID, m.UserID, m.State)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}
