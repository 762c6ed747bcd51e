package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/CodeWithBehnam/parley/internal/models"
)

var (
	// ErrUnauthenticated is returned when a store operation is invoked
	// without a resolvable principal.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrConversationNotFound is returned when the caller owns no messages
	// under the given conversation id.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNoUserMessages is returned by RegenerateTitle when a conversation
	// has no user-authored message to derive a title from.
	ErrNoUserMessages = errors.New("conversation has no user messages")
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    subject TEXT NOT NULL UNIQUE,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    title TEXT,
    model TEXT NOT NULL DEFAULT '',
    tokens_used INTEGER,
    response_time_ms INTEGER,
    user_agent TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL DEFAULT '',
    client_time TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, created_at);`

type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

// ResolveUser maps an identity-provider subject to the local user row,
// creating it on first sight.
func (db *Database) ResolveUser(ctx context.Context, subject string) (*models.User, error) {
	if subject == "" {
		return nil, ErrUnauthenticated
	}

	_, err := db.db.ExecContext(ctx, `
        INSERT INTO users (subject, created_at) VALUES (?, ?)
        ON CONFLICT(subject) DO NOTHING`, subject, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}

	user := &models.User{Subject: subject}
	err = db.db.QueryRowContext(ctx, `
        SELECT id, created_at FROM users WHERE subject = ?`, subject).
		Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}
	return user, nil
}

// SaveMessage appends one message to a conversation. The first user-role
// message of a conversation derives the conversation title; every later
// message copies forward the title already present on a prior message, if
// any. Title derivation never fails the save.
func (db *Database) SaveMessage(ctx context.Context, userID int64, msg *models.ChatMessage) error {
	if userID == 0 {
		return ErrUnauthenticated
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid role %q", msg.Role)
	}

	var prior int
	err := db.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, msg.ConversationID).
		Scan(&prior)
	if err != nil {
		return fmt.Errorf("counting prior messages: %w", err)
	}

	var title sql.NullString
	if prior == 0 {
		if msg.Role == models.RoleUser {
			title = sql.NullString{String: DeriveTitle(msg.Content), Valid: true}
		}
	} else {
		err := db.db.QueryRowContext(ctx, `
            SELECT title FROM messages
            WHERE conversation_id = ? AND title IS NOT NULL
            ORDER BY created_at ASC, id ASC LIMIT 1`, msg.ConversationID).
			Scan(&title)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("looking up conversation title: %w", err)
		}
	}

	msg.UserID = userID
	msg.Title = title.String
	msg.CreatedAt = time.Now().UTC()

	query := `
        INSERT INTO messages (user_id, conversation_id, role, content, title, model,
            tokens_used, response_time_ms, user_agent, ip_address, session_id, client_time, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        RETURNING id`

	return db.db.QueryRowContext(ctx, query,
		msg.UserID, msg.ConversationID, msg.Role, msg.Content, title, msg.Model,
		nullableInt(int64(msg.TokensUsed)), nullableInt(msg.ResponseTimeMs),
		msg.UserAgent, msg.IPAddress, msg.SessionID, msg.ClientTime, msg.CreatedAt,
	).Scan(&msg.ID)
}

// ListConversationMessages returns the caller's messages in one conversation,
// ascending by creation time.
func (db *Database) ListConversationMessages(ctx context.Context, userID int64, conversationID string) ([]models.ChatMessage, error) {
	if userID == 0 {
		return nil, ErrUnauthenticated
	}

	rows, err := db.db.QueryContext(ctx, selectMessages+`
        WHERE user_id = ? AND conversation_id = ?
        ORDER BY created_at ASC, id ASC`, userID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// ListUserConversations derives conversation summaries by scanning the
// caller's messages newest-first and grouping by conversation id. The first
// message seen per group is the most recent one; its timestamp doubles as the
// summary timestamp, so the returned order is most-recently-active first.
func (db *Database) ListUserConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	if userID == 0 {
		return nil, ErrUnauthenticated
	}

	rows, err := db.db.QueryContext(ctx, selectMessages+`
        WHERE user_id = ?
        ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.ConversationSummary, 0)
	index := make(map[string]int)
	for i := range messages {
		msg := messages[i]
		at, ok := index[msg.ConversationID]
		if !ok {
			index[msg.ConversationID] = len(summaries)
			summaries = append(summaries, models.ConversationSummary{
				ConversationID: msg.ConversationID,
				Title:          msg.Title,
				LastMessage:    &messages[i],
				MessageCount:   1,
				CreatedAt:      msg.CreatedAt,
			})
			continue
		}
		summaries[at].MessageCount++
		if summaries[at].Title == "" {
			summaries[at].Title = msg.Title
		}
	}
	return summaries, nil
}

// DeleteConversation removes every message under the conversation id once the
// caller is established to own at least one of them, and returns the number
// removed. The full set is deleted even if some rows belong to another user,
// matching the store's permissive ownership rule.
func (db *Database) DeleteConversation(ctx context.Context, userID int64, conversationID string) (int64, error) {
	if userID == 0 {
		return 0, ErrUnauthenticated
	}

	var owned int
	err := db.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM messages WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID).Scan(&owned)
	if err != nil {
		return 0, fmt.Errorf("checking conversation ownership: %w", err)
	}
	if owned == 0 {
		return 0, ErrConversationNotFound
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("deleting conversation: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return deleted, tx.Commit()
}

// RegenerateTitle recomputes the conversation title from the first user
// message and stamps it onto every message in the conversation.
func (db *Database) RegenerateTitle(ctx context.Context, userID int64, conversationID string) (string, error) {
	if userID == 0 {
		return "", ErrUnauthenticated
	}

	var owned int
	err := db.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM messages WHERE user_id = ? AND conversation_id = ?`,
		userID, conversationID).Scan(&owned)
	if err != nil {
		return "", fmt.Errorf("checking conversation ownership: %w", err)
	}
	if owned == 0 {
		return "", ErrConversationNotFound
	}

	var content string
	err = db.db.QueryRowContext(ctx, `
        SELECT content FROM messages
        WHERE conversation_id = ? AND role = ?
        ORDER BY created_at ASC, id ASC LIMIT 1`, conversationID, models.RoleUser).
		Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoUserMessages
	}
	if err != nil {
		return "", fmt.Errorf("loading first user message: %w", err)
	}

	title := DeriveTitle(content)

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        UPDATE messages SET title = ? WHERE conversation_id = ?`, title, conversationID); err != nil {
		return "", fmt.Errorf("updating titles: %w", err)
	}

	return title, tx.Commit()
}

// GenerateConversationID allocates a new URL-safe conversation id: a
// millisecond timestamp prefix plus a short random suffix. Uniqueness is
// probabilistic, which is sufficient for this domain.
func GenerateConversationID() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "conv_" + ts + "_" + suffix
}

const selectMessages = `
        SELECT id, user_id, conversation_id, role, content, title, model,
            tokens_used, response_time_ms, user_agent, ip_address, session_id, client_time, created_at
        FROM messages`

func scanMessages(rows *sql.Rows) ([]models.ChatMessage, error) {
	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		var (
			msg        models.ChatMessage
			title      sql.NullString
			tokens     sql.NullInt64
			latency    sql.NullInt64
			clientTime sql.NullTime
		)
		err := rows.Scan(&msg.ID, &msg.UserID, &msg.ConversationID, &msg.Role, &msg.Content,
			&title, &msg.Model, &tokens, &latency,
			&msg.UserAgent, &msg.IPAddress, &msg.SessionID, &clientTime, &msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Title = title.String
		msg.TokensUsed = int(tokens.Int64)
		msg.ResponseTimeMs = latency.Int64
		if clientTime.Valid {
			t := clientTime.Time
			msg.ClientTime = &t
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func nullableInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
