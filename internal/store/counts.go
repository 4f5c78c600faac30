package store

import (
	"context"
	"fmt"
	"time"
)

// RecomputeFolderCounts sets each folder's total and unread counters from
// the messages that currently reference it. Counters are always derived
// from message rows, one UPDATE per folder, and never incremented.
func (q *queries) RecomputeFolderCounts(ctx context.Context, folderIDs ...string) error {
	const query = `
		UPDATE folders SET
			total_count = (
				SELECT COUNT(*) FROM messages
				WHERE folder_id = folders.id AND is_deleted = 0
			),
			unread_count = (
				SELECT COUNT(*) FROM messages
				WHERE folder_id = folders.id AND is_deleted = 0 AND is_read = 0
			),
			updated_at = ?
		WHERE id = ?`

	now := time.Now().UTC()
	for _, id := range uniqueStrings(folderIDs) {
		if _, err := q.db.ExecContext(ctx, query, now, id); err != nil {
			return fmt.Errorf("recomputing counts for folder %s: %w", id, err)
		}
	}
	return nil
}

// RecomputeAllFolderCounts refreshes every folder owned by userID.
func (s *SQLiteStore) RecomputeAllFolderCounts(ctx context.Context, userID string) error {
	return s.InTx(ctx, func(tx *Tx) error {
		folders, err := tx.ListFolders(ctx, userID)
		if err != nil {
			return err
		}
		ids := make([]string, len(folders))
		for i, f := range folders {
			ids[i] = f.ID
		}
		return tx.RecomputeFolderCounts(ctx, ids...)
	})
}
