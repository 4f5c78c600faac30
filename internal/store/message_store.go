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

// UpsertMessage inserts or updates a message keyed by (user, remote ID).
// Remote-derived content and flags are overwritten and the message is
// marked unclassified again; its folder and local deletion state are
// kept. The folder's counters are recomputed in the same transaction.
// On return msg.ID holds the stored row's ID.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg *model.Message) error {
	return s.InTx(ctx, func(tx *Tx) error {
		return tx.UpsertMessage(ctx, msg)
	})
}

// UpsertMessage is the transactional form of SQLiteStore.UpsertMessage.
func (tx *Tx) UpsertMessage(ctx context.Context, msg *model.Message) error {
	if msg.UserID == "" || msg.RemoteID == "" {
		return fmt.Errorf("upserting message: user and remote id are required")
	}

	now := time.Now().UTC()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.HasAttachments = len(msg.Attachments) > 0

	const query = `
		INSERT INTO messages (
			id, user_id, remote_id, thread_id,
			subject, sender, sender_email, recipients,
			snippet, body, attachments, has_attachments,
			is_read, is_starred, is_deleted, classified,
			folder_id, received_at, created_at, updated_at
		) VALUES (
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?, 0, 0,
			NULL, ?, ?, ?
		)
		ON CONFLICT (user_id, remote_id) DO UPDATE SET
			thread_id       = excluded.thread_id,
			subject         = excluded.subject,
			sender          = excluded.sender,
			sender_email    = excluded.sender_email,
			recipients      = excluded.recipients,
			snippet         = excluded.snippet,
			body            = excluded.body,
			attachments     = excluded.attachments,
			has_attachments = excluded.has_attachments,
			is_read         = excluded.is_read,
			is_starred      = excluded.is_starred,
			classified      = 0,
			received_at     = excluded.received_at,
			updated_at      = excluded.updated_at`

	_, err := tx.db.ExecContext(ctx, query,
		msg.ID, msg.UserID, msg.RemoteID, msg.ThreadID,
		model.Truncate(msg.Subject, model.MaxSubjectLen),
		model.Truncate(msg.Sender, model.MaxSenderLen),
		model.Truncate(msg.SenderEmail, model.MaxSenderEmailLen),
		msg.Recipients,
		msg.Snippet, msg.Body, msg.Attachments, boolToInt(msg.HasAttachments),
		boolToInt(msg.IsRead), boolToInt(msg.IsStarred),
		msg.ReceivedAt.UTC(), now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting message %s: %w", msg.RemoteID, err)
	}

	var stored struct {
		ID       string  `db:"id"`
		FolderID *string `db:"folder_id"`
	}
	err = sqlx.GetContext(ctx, tx.db, &stored,
		"SELECT id, folder_id FROM messages WHERE user_id = ? AND remote_id = ?",
		msg.UserID, msg.RemoteID,
	)
	if err != nil {
		return fmt.Errorf("reading upserted message %s: %w", msg.RemoteID, err)
	}
	msg.ID = stored.ID
	msg.FolderID = stored.FolderID
	msg.Classified = false

	if stored.FolderID != nil {
		return tx.RecomputeFolderCounts(ctx, *stored.FolderID)
	}
	return nil
}

// GetMessage retrieves a single message owned by userID.
func (q *queries) GetMessage(ctx context.Context, userID, id string) (*model.Message, error) {
	var m model.Message
	err := sqlx.GetContext(ctx, q.db, &m,
		"SELECT * FROM messages WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", notFound(err, "message", id))
	}
	return &m, nil
}

// GetMessages retrieves messages matching the filter, newest first.
func (q *queries) GetMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error) {
	where, args, err := q.messageWhere(filter)
	if err != nil {
		return nil, err
	}

	query := "SELECT * FROM messages" + where + " ORDER BY received_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	var messages []model.Message
	if err := sqlx.SelectContext(ctx, q.db, &messages, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return messages, nil
}

// CountMessages counts messages matching the filter, ignoring Limit.
func (q *queries) CountMessages(ctx context.Context, filter MessageFilter) (int, error) {
	where, args, err := q.messageWhere(filter)
	if err != nil {
		return 0, err
	}

	var count int
	if err := sqlx.GetContext(ctx, q.db, &count, "SELECT COUNT(*) FROM messages"+where, args...); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

func (q *queries) messageWhere(filter MessageFilter) (string, []interface{}, error) {
	if filter.UserID == "" {
		return "", nil, fmt.Errorf("message filter requires a user id")
	}

	conditions := []string{"user_id = ?"}
	args := []interface{}{filter.UserID}

	if filter.IDs != nil {
		if len(filter.IDs) == 0 {
			conditions = append(conditions, "0 = 1")
		} else {
			clause, inArgs, err := q.in("id IN (?)", filter.IDs)
			if err != nil {
				return "", nil, fmt.Errorf("expanding id filter: %w", err)
			}
			conditions = append(conditions, clause)
			args = append(args, inArgs...)
		}
	}
	if filter.FolderID != nil {
		conditions = append(conditions, "folder_id = ?")
		args = append(args, *filter.FolderID)
	}
	if filter.Unfoldered {
		conditions = append(conditions, "folder_id IS NULL")
	}
	if filter.Classified != nil {
		conditions = append(conditions, "classified = ?")
		args = append(args, boolToInt(*filter.Classified))
	}
	if filter.IsRead != nil {
		conditions = append(conditions, "is_read = ?")
		args = append(args, boolToInt(*filter.IsRead))
	}
	if !filter.IncludeDeleted {
		conditions = append(conditions, "is_deleted = 0")
	}

	return " WHERE " + strings.Join(conditions, " AND "), args, nil
}

// MessageRemoteIDs returns the set of remote IDs already stored for a user,
// including soft-deleted messages.
func (q *queries) MessageRemoteIDs(ctx context.Context, userID string) (map[string]bool, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, q.db, &ids,
		"SELECT remote_id FROM messages WHERE user_id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("listing remote ids: %w", err)
	}

	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// MoveMessages assigns messages to folderID (nil for no folder). Moving
// into a folder marks the messages classified. Returns the number of
// messages moved.
func (s *SQLiteStore) MoveMessages(
	ctx context.Context,
	userID string,
	ids []string,
	folderID *string,
) (int, error) {
	var moved int
	err := s.InTx(ctx, func(tx *Tx) error {
		if folderID != nil {
			if _, err := tx.GetFolder(ctx, userID, *folderID); err != nil {
				return err
			}
		}
		n, err := tx.updateMessages(ctx, userID, ids, folderID,
			"folder_id = ?, classified = ?", folderID, boolToInt(folderID != nil))
		moved = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("moving messages: %w", err)
	}
	return moved, nil
}

// SetMessagesRead toggles the read flag and refreshes the unread counters.
func (s *SQLiteStore) SetMessagesRead(ctx context.Context, userID string, ids []string, read bool) (int, error) {
	var changed int
	err := s.InTx(ctx, func(tx *Tx) error {
		n, err := tx.updateMessages(ctx, userID, ids, nil, "is_read = ?", boolToInt(read))
		changed = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("setting read flag: %w", err)
	}
	return changed, nil
}

// SetMessagesStarred toggles the starred flag. Counters are unaffected.
func (s *SQLiteStore) SetMessagesStarred(ctx context.Context, userID string, ids []string, starred bool) (int, error) {
	var changed int
	err := s.InTx(ctx, func(tx *Tx) error {
		n, err := tx.updateMessages(ctx, userID, ids, nil, "is_starred = ?", boolToInt(starred))
		changed = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("setting starred flag: %w", err)
	}
	return changed, nil
}

// SetMessagesDeleted soft-deletes or restores messages.
func (s *SQLiteStore) SetMessagesDeleted(ctx context.Context, userID string, ids []string, deleted bool) (int, error) {
	var changed int
	err := s.InTx(ctx, func(tx *Tx) error {
		n, err := tx.updateMessages(ctx, userID, ids, nil, "is_deleted = ?", boolToInt(deleted))
		changed = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("setting deleted flag: %w", err)
	}
	return changed, nil
}

// updateMessages applies set to the user's messages in ids and
// recomputes the counters of every folder the messages were in before
// the update, plus newFolderID when given.
func (tx *Tx) updateMessages(
	ctx context.Context,
	userID string,
	ids []string,
	newFolderID *string,
	set string,
	setArgs ...interface{},
) (int, error) {
	ids = uniqueStrings(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := tx.in(
		"SELECT DISTINCT folder_id FROM messages WHERE user_id = ? AND id IN (?) AND folder_id IS NOT NULL",
		userID, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("expanding folder query: %w", err)
	}
	var touched []string
	if err := sqlx.SelectContext(ctx, tx.db, &touched, query, args...); err != nil {
		return 0, fmt.Errorf("collecting affected folders: %w", err)
	}

	updateArgs := append([]interface{}{}, setArgs...)
	updateArgs = append(updateArgs, time.Now().UTC(), userID, ids)
	query, args, err = tx.in(
		"UPDATE messages SET "+set+", updated_at = ? WHERE user_id = ? AND id IN (?)",
		updateArgs...,
	)
	if err != nil {
		return 0, fmt.Errorf("expanding update: %w", err)
	}
	result, err := tx.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("updating messages: %w", err)
	}
	rows, _ := result.RowsAffected()

	if newFolderID != nil {
		touched = append(touched, *newFolderID)
	}
	if err := tx.RecomputeFolderCounts(ctx, touched...); err != nil {
		return 0, err
	}
	return int(rows), nil
}

// AssignMessage sets a message's folder and classified flag and
// recomputes the counters of the previous and the new folder. It
// returns the previous folder ID.
func (tx *Tx) AssignMessage(
	ctx context.Context,
	userID string,
	messageID string,
	folderID *string,
	classified bool,
) (*string, error) {
	msg, err := tx.GetMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}

	_, err = tx.db.ExecContext(ctx, `
		UPDATE messages SET folder_id = ?, classified = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		folderID, boolToInt(classified), time.Now().UTC(), messageID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("assigning message %s: %w", messageID, err)
	}

	var touched []string
	if folderID != nil {
		touched = append(touched, *folderID)
	}
	if msg.FolderID != nil {
		touched = append(touched, *msg.FolderID)
	}
	if err := tx.RecomputeFolderCounts(ctx, touched...); err != nil {
		return nil, err
	}
	return msg.FolderID, nil
}
