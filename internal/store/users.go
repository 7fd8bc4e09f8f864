// ABOUTME: SQLite persistence for human users and AI personas
// ABOUTME: Usernames are unique; AI personas default to the friendly personality

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateUser saves a new user. Returns ErrDuplicate if the username is taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, user.ID, user.Username, user.PasswordHash, formatTime(user.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID
func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at FROM users WHERE id = ?
	`, id))
}

// GetUserByUsername retrieves a user by username
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at FROM users WHERE username = ?
	`, username))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var createdAt string
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// CreateAI saves a new AI persona
func (s *SQLiteStore) CreateAI(ctx context.Context, ai *AI) error {
	if ai.ID == "" {
		ai.ID = uuid.New().String()
	}
	if ai.CreatedAt.IsZero() {
		ai.CreatedAt = time.Now().UTC()
	}
	if ai.Personality == "" {
		ai.Personality = DefaultPersonality
	}

	var age any
	if ai.Age != nil {
		age = *ai.Age
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ais (id, name, age, personality, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ai.ID, ai.Name, age, ai.Personality, ai.Details, formatTime(ai.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting ai: %w", err)
	}
	return nil
}

// GetAIByID retrieves an AI persona by ID
func (s *SQLiteStore) GetAIByID(ctx context.Context, id string) (*AI, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, age, personality, details, created_at FROM ais WHERE id = ?
	`, id)

	ai, err := scanAI(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ai: %w", err)
	}
	return ai, nil
}

// ListAIs returns every AI persona ordered by name
func (s *SQLiteStore) ListAIs(ctx context.Context) ([]*AI, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, age, personality, details, created_at FROM ais ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying ais: %w", err)
	}
	defer rows.Close()

	var ais []*AI
	for rows.Next() {
		ai, err := scanAI(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ai: %w", err)
		}
		ais = append(ais, ai)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ais: %w", err)
	}
	return ais, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAI(row rowScanner) (*AI, error) {
	var ai AI
	var age sql.NullInt64
	var createdAt string
	if err := row.Scan(&ai.ID, &ai.Name, &age, &ai.Personality, &ai.Details, &createdAt); err != nil {
		return nil, err
	}
	if age.Valid {
		a := int(age.Int64)
		ai.Age = &a
	}
	var err error
	ai.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &ai, nil
}
