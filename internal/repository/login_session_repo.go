package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/irc-web-bridge/backend/internal/model"
)

// LoginSessionRepository provides data access for login sessions.
type LoginSessionRepository struct {
	db *sql.DB
}

// NewLoginSessionRepository creates a new LoginSessionRepository.
func NewLoginSessionRepository(db *sql.DB) *LoginSessionRepository {
	return &LoginSessionRepository{db: db}
}

// Create inserts a new login session.
func (r *LoginSessionRepository) Create(ctx context.Context, s *model.LoginSession) error {
	query := `
		INSERT INTO login_sessions (id, username, remote_addr, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.Username,
		s.RemoteAddr,
		s.CreatedAt.UnixMilli(),
		s.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create login session: %w", err)
	}

	return nil
}

// GetByID retrieves a login session by its ID. Expiry is not checked here.
func (r *LoginSessionRepository) GetByID(ctx context.Context, id string) (*model.LoginSession, error) {
	query := `
		SELECT id, username, remote_addr, created_at, expires_at
		FROM login_sessions
		WHERE id = ?
	`

	s, err := scanLoginSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get login session: %w", err)
	}
	return s, nil
}

// ListByUser returns the unexpired sessions of username, newest first.
func (r *LoginSessionRepository) ListByUser(ctx context.Context, username string, now time.Time) ([]*model.LoginSession, error) {
	query := `
		SELECT id, username, remote_addr, created_at, expires_at
		FROM login_sessions
		WHERE username = ? AND expires_at > ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, username, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list login sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.LoginSession
	for rows.Next() {
		s, err := scanLoginSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan login session: %w", err)
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating login sessions: %w", err)
	}

	return sessions, nil
}

// Delete removes a login session.
func (r *LoginSessionRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM login_sessions WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete login session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// DeleteExpired removes every session whose expiry is at or before now and
// returns how many were removed.
func (r *LoginSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM login_sessions WHERE expires_at <= ?`

	result, err := r.db.ExecContext(ctx, query, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired login sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoginSession(row rowScanner) (*model.LoginSession, error) {
	s := &model.LoginSession{}
	var createdAt, expiresAt int64
	if err := row.Scan(&s.ID, &s.Username, &s.RemoteAddr, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	s.CreatedAt = time.UnixMilli(createdAt)
	s.ExpiresAt = time.UnixMilli(expiresAt)
	return s, nil
}
