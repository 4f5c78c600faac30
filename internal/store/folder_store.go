package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsort/internal/model"
)

// GetFolder retrieves a folder owned by userID.
func (q *queries) GetFolder(ctx context.Context, userID, id string) (*model.Folder, error) {
	var f model.Folder
	err := sqlx.GetContext(ctx, q.db, &f,
		"SELECT * FROM folders WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return nil, fmt.Errorf("getting folder: %w", notFound(err, "folder", id))
	}
	return &f, nil
}

// GetFolderByPath retrieves a folder by its exact path.
func (q *queries) GetFolderByPath(ctx context.Context, userID, path string) (*model.Folder, error) {
	var f model.Folder
	err := sqlx.GetContext(ctx, q.db, &f,
		"SELECT * FROM folders WHERE user_id = ? AND path = ?", userID, path)
	if err != nil {
		return nil, fmt.Errorf("getting folder: %w", notFound(err, "folder", path))
	}
	return &f, nil
}

// ListFolders returns all of a user's folders as a flat list ordered by
// depth, sort order and name.
func (q *queries) ListFolders(ctx context.Context, userID string) ([]model.Folder, error) {
	var folders []model.Folder
	err := sqlx.SelectContext(ctx, q.db, &folders, `
		SELECT * FROM folders WHERE user_id = ?
		ORDER BY depth, sort_order, name`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	return folders, nil
}

// CountSiblings counts the folders directly under parentID (nil for roots).
func (q *queries) CountSiblings(ctx context.Context, userID string, parentID *string) (int, error) {
	var count int
	var err error
	if parentID == nil {
		err = sqlx.GetContext(ctx, q.db, &count,
			"SELECT COUNT(*) FROM folders WHERE user_id = ? AND parent_id IS NULL", userID)
	} else {
		err = sqlx.GetContext(ctx, q.db, &count,
			"SELECT COUNT(*) FROM folders WHERE user_id = ? AND parent_id = ?", userID, *parentID)
	}
	if err != nil {
		return 0, fmt.Errorf("counting sibling folders: %w", err)
	}
	return count, nil
}

// InsertFolder creates a folder row. Path and Depth must already be set.
func (q *queries) InsertFolder(ctx context.Context, f *model.Folder) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO folders (
			id, user_id, name, parent_id, path, depth,
			total_count, unread_count, sort_order, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`,
		f.ID, f.UserID, f.Name, f.ParentID, f.Path, f.Depth,
		f.SortOrder, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("creating folder %s: %w", f.Path, ErrConflict)
		}
		return fmt.Errorf("creating folder %s: %w", f.Path, err)
	}
	return nil
}

// UpdateFolderPlacement writes a folder's name, parent, path and depth.
func (q *queries) UpdateFolderPlacement(ctx context.Context, f model.Folder) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE folders SET name = ?, parent_id = ?, path = ?, depth = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		f.Name, f.ParentID, f.Path, f.Depth, time.Now().UTC(), f.ID, f.UserID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("updating folder %s: %w", f.Path, ErrConflict)
		}
		return fmt.Errorf("updating folder %s: %w", f.ID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("folder %s: %w", f.ID, ErrNotFound)
	}
	return nil
}

// DeleteFolderRow removes a single folder row. Children and messages are
// expected to have been detached already.
func (q *queries) DeleteFolderRow(ctx context.Context, userID, id string) error {
	result, err := q.db.ExecContext(ctx,
		"DELETE FROM folders WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return fmt.Errorf("deleting folder %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("folder %s: %w", id, ErrNotFound)
	}
	return nil
}

// DetachMessages moves every message in the given folders to no folder
// and marks them unclassified. Returns the number of messages moved.
func (q *queries) DetachMessages(ctx context.Context, userID string, folderIDs []string) (int, error) {
	folderIDs = uniqueStrings(folderIDs)
	if len(folderIDs) == 0 {
		return 0, nil
	}

	query, args, err := q.in(`
		UPDATE messages SET folder_id = NULL, classified = 0, updated_at = ?
		WHERE user_id = ? AND folder_id IN (?)`,
		time.Now().UTC(), userID, folderIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("expanding detach query: %w", err)
	}
	result, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("detaching messages: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// SetFolderOrder updates a folder's position among its siblings.
func (q *queries) SetFolderOrder(ctx context.Context, userID, id string, order int) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE folders SET sort_order = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		order, time.Now().UTC(), id, userID,
	)
	if err != nil {
		return fmt.Errorf("reordering folder %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("folder %s: %w", id, ErrNotFound)
	}
	return nil
}
