package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsort/internal/model"
)

// CreateUser inserts a user with no credentials and no sync state.
func (s *SQLiteStore) CreateUser(ctx context.Context, email string) (*model.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, fmt.Errorf("user email must not be empty")
	}

	now := time.Now().UTC()
	u := &model.User{
		ID:        uuid.New().String(),
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("creating user %s: %w", email, ErrConflict)
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// GetUser retrieves a user by ID.
func (q *queries) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := sqlx.GetContext(ctx, q.db, &u, "SELECT * FROM users WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", notFound(err, "user", id))
	}
	return &u, nil
}

// GetUserByEmail retrieves a user by email address.
func (q *queries) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	err := sqlx.GetContext(ctx, q.db, &u, "SELECT * FROM users WHERE email = ?", email)
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", notFound(err, "user", email))
	}
	return &u, nil
}

// ListUsers returns every user ordered by email.
func (q *queries) ListUsers(ctx context.Context) ([]model.User, error) {
	var users []model.User
	if err := sqlx.SelectContext(ctx, q.db, &users, "SELECT * FROM users ORDER BY email"); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

// SaveUserTokens stores already-encrypted provider tokens and their expiry.
func (q *queries) SaveUserTokens(
	ctx context.Context,
	userID string,
	accessToken string,
	refreshToken string,
	expiry *time.Time,
) error {
	var exp interface{}
	if expiry != nil {
		exp = expiry.UTC()
	}
	return q.updateUser(ctx, userID, `
		UPDATE users SET
			access_token = ?, refresh_token = ?, token_expiry = ?, updated_at = ?
		WHERE id = ?`,
		accessToken, refreshToken, exp, time.Now().UTC(), userID,
	)
}

// CompleteSync records a finished full sync: the new cursor, the
// initial-sync flag and the sync time.
func (q *queries) CompleteSync(ctx context.Context, userID, cursor string, at time.Time) error {
	return q.updateUser(ctx, userID, `
		UPDATE users SET
			sync_cursor = ?, initial_sync_done = 1, last_sync_at = ?, updated_at = ?
		WHERE id = ?`,
		cursor, at.UTC(), time.Now().UTC(), userID,
	)
}

// AdvanceCursor records a finished incremental sync.
func (q *queries) AdvanceCursor(ctx context.Context, userID, cursor string, at time.Time) error {
	return q.updateUser(ctx, userID, `
		UPDATE users SET sync_cursor = ?, last_sync_at = ?, updated_at = ?
		WHERE id = ?`,
		cursor, at.UTC(), time.Now().UTC(), userID,
	)
}

// ResetCursor replaces a cursor the provider no longer accepts. The
// last sync time is left alone because no sync happened.
func (q *queries) ResetCursor(ctx context.Context, userID, cursor string) error {
	return q.updateUser(ctx, userID, `
		UPDATE users SET sync_cursor = ?, updated_at = ?
		WHERE id = ?`,
		cursor, time.Now().UTC(), userID,
	)
}

func (q *queries) updateUser(ctx context.Context, userID, query string, args ...interface{}) error {
	result, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating user %s: %w", userID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}
