// ABOUTME: SQLite persistence for conversations, their ordered history and inbound messages
// ABOUTME: History writes are single statements or short transactions so concurrent appends are never lost

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateConversation saves a new conversation with its participants and any initial history.
// Missing ID and CreatedAt are filled in.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	if conv.Type == "" {
		conv.Type = ConversationDirect
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type, interrupted, generation, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, conv.ID, string(conv.Type), boolToInt(conv.Interrupted), conv.Generation, formatTime(conv.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for i, p := range conv.Participants {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_participants (conversation_id, participant_id, position)
			VALUES (?, ?, ?)
		`, conv.ID, p, i)
		if err != nil {
			return fmt.Errorf("inserting participant: %w", err)
		}
	}

	if err := insertHistory(ctx, tx, conv.ID, conv.History); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "conversation_id", conv.ID, "type", conv.Type)
	return nil
}

// GetConversation retrieves a conversation with participants and full history.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return getConversation(ctx, s.db, id)
}

func getConversation(ctx context.Context, q queryer, id string) (*Conversation, error) {
	var conv Conversation
	var convType, createdAt string
	var interrupted int

	err := q.QueryRowContext(ctx, `
		SELECT id, type, interrupted, generation, created_at
		FROM conversations
		WHERE id = ?
	`, id).Scan(&conv.ID, &convType, &interrupted, &conv.Generation, &createdAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.Type = ConversationType(convType)
	conv.Interrupted = interrupted != 0
	conv.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	conv.Participants, err = loadParticipants(ctx, q, id)
	if err != nil {
		return nil, err
	}

	conv.History, err = loadHistory(ctx, q, id)
	if err != nil {
		return nil, err
	}

	return &conv, nil
}

func loadParticipants(ctx context.Context, q queryer, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT participant_id
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY position ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	participants := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participants: %w", err)
	}
	return participants, nil
}

func loadHistory(ctx context.Context, q queryer, id string) ([]HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT entry_id, role, sender, content, ts
		FROM history_entries
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	history := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		var role string
		var sender, ts sql.NullString
		if err := rows.Scan(&e.ID, &role, &sender, &e.Content, &ts); err != nil {
			return nil, fmt.Errorf("scanning history entry: %w", err)
		}
		e.Role = Role(role)
		e.Sender = sender.String
		if ts.Valid {
			t, err := parseTime(ts.String)
			if err != nil {
				return nil, fmt.Errorf("parsing history timestamp: %w", err)
			}
			e.Timestamp = &t
		}
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}
	return history, nil
}

// ListConversationsForUser returns every conversation the participant belongs to, newest first
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.participant_id = ?
		ORDER BY c.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	// Close before the per-conversation queries; the pool holds a single connection.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	convs := make([]*Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// SetConversationHistory replaces the history and optionally the interrupted flag
func (s *SQLiteStore) SetConversationHistory(ctx context.Context, id string, history []HistoryEntry, interrupted *bool) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("querying conversation: %w", err)
	}
	if exists == 0 {
		return false, nil
	}

	if interrupted != nil {
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET interrupted = ? WHERE id = ?`, boolToInt(*interrupted), id)
		if err != nil {
			return false, fmt.Errorf("updating interrupted: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM history_entries WHERE conversation_id = ?`, id); err != nil {
		return false, fmt.Errorf("clearing history: %w", err)
	}
	if err := insertHistory(ctx, tx, id, history); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing history: %w", err)
	}
	return true, nil
}

func insertHistory(ctx context.Context, q queryer, convID string, history []HistoryEntry) error {
	for i := range history {
		e := &history[i]
		if e.ID == "" {
			e.ID = ulid.Make().String()
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO history_entries (conversation_id, seq, entry_id, role, sender, content, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, convID, i, e.ID, string(e.Role), nullString(e.Sender), e.Content, formatOptionalTime(e.Timestamp))
		if err != nil {
			return fmt.Errorf("inserting history entry: %w", err)
		}
	}
	return nil
}

// AppendHistory appends one entry after the current last entry in a single statement
func (s *SQLiteStore) AppendHistory(ctx context.Context, id string, entry HistoryEntry) (bool, error) {
	return s.appendHistory(ctx, id, entry, `c.id = ?`, id)
}

// AppendHistoryIf appends one entry only while the conversation is not
// interrupted and, for generation > 0, still at that generation. The check and
// the write are one statement.
func (s *SQLiteStore) AppendHistoryIf(ctx context.Context, id string, entry HistoryEntry, generation int64) (bool, error) {
	return s.appendHistory(ctx, id, entry,
		`c.id = ? AND c.interrupted = 0 AND (? = 0 OR c.generation = ?)`,
		id, generation, generation)
}

func (s *SQLiteStore) appendHistory(ctx context.Context, id string, entry HistoryEntry, where string, whereArgs ...any) (bool, error) {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}

	args := []any{string(entry.Role), entry.ID, nullString(entry.Sender), entry.Content, formatOptionalTime(entry.Timestamp)}
	args = append(args, whereArgs...)

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO history_entries (conversation_id, seq, role, entry_id, sender, content, ts)
		SELECT c.id,
		       COALESCE((SELECT MAX(h.seq) FROM history_entries h WHERE h.conversation_id = c.id), -1) + 1,
		       ?, ?, ?, ?, ?
		FROM conversations c
		WHERE `+where, args...)
	if err != nil {
		return false, fmt.Errorf("appending history entry: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// UpsertSystemEntry rewrites the first system entry in place, or inserts one ahead of every other entry
func (s *SQLiteStore) UpsertSystemEntry(ctx context.Context, id string, content string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("querying conversation: %w", err)
	}
	if exists == 0 {
		return false, nil
	}

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT seq FROM history_entries
		WHERE conversation_id = ? AND role = 'system'
		ORDER BY seq ASC
		LIMIT 1
	`, id).Scan(&seq)

	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx, `
			UPDATE history_entries SET content = ?
			WHERE conversation_id = ? AND seq = ?
		`, content, id, seq)
		if err != nil {
			return false, fmt.Errorf("updating system entry: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO history_entries (conversation_id, seq, entry_id, role, sender, content, ts)
			SELECT ?, COALESCE((SELECT MIN(seq) FROM history_entries WHERE conversation_id = ?), 1) - 1,
			       ?, 'system', NULL, ?, NULL
		`, id, id, ulid.Make().String(), content)
		if err != nil {
			return false, fmt.Errorf("inserting system entry: %w", err)
		}
	default:
		return false, fmt.Errorf("querying system entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing system entry: %w", err)
	}
	return true, nil
}

// SetInterrupted sets the interrupted flag; reports false if the conversation is gone
func (s *SQLiteStore) SetInterrupted(ctx context.Context, id string, interrupted bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE conversations SET interrupted = ? WHERE id = ?`, boolToInt(interrupted), id)
	if err != nil {
		return false, fmt.Errorf("updating interrupted: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// BeginTurn marks the conversation interrupted and advances its generation.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) BeginTurn(ctx context.Context, id string) (int64, error) {
	var generation int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE conversations
		SET interrupted = 1, generation = generation + 1
		WHERE id = ?
		RETURNING generation
	`, id).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("beginning turn: %w", err)
	}
	return generation, nil
}

// FinishTurn clears the interrupted flag when no newer turn has begun
func (s *SQLiteStore) FinishTurn(ctx context.Context, id string, generation int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET interrupted = 0
		WHERE id = ? AND generation = ?
	`, id, generation)
	if err != nil {
		return false, fmt.Errorf("finishing turn: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// SaveMessage stores the audit copy of an inbound chat frame
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender, content, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Sender, msg.Content, formatTime(msg.Timestamp))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns the most recent limit messages of a conversation in chronological order
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender, content, timestamp FROM (
			SELECT id, conversation_id, sender, content, timestamp
			FROM messages
			WHERE conversation_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var ts string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Sender, &msg.Content, &ts); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}
