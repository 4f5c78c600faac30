package app

import (
	"context"
	"fmt"

	"github.com/nhle/mailsort/internal/folder"
	"github.com/nhle/mailsort/internal/model"
	"github.com/nhle/mailsort/internal/store"
)

// ListMessages returns the user's messages matching filter.
func (a *App) ListMessages(ctx context.Context, filter store.MessageFilter) ([]model.Message, int, error) {
	msgs, err := a.store.GetMessages(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := a.store.CountMessages(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// GetMessage returns one of the user's messages, including deleted ones.
func (a *App) GetMessage(ctx context.Context, userID, messageID string) (*model.Message, error) {
	return a.store.GetMessage(ctx, userID, messageID)
}

// MoveMessage moves a message into folderID, or out of any folder when
// folderID is nil.
func (a *App) MoveMessage(ctx context.Context, userID, messageID string, folderID *string) error {
	n, err := a.store.MoveMessages(ctx, userID, []string{messageID}, folderID)
	return single(messageID, n, err)
}

// BulkMove moves several messages and returns how many were moved.
func (a *App) BulkMove(ctx context.Context, userID string, messageIDs []string, folderID *string) (int, error) {
	return a.store.MoveMessages(ctx, userID, messageIDs, folderID)
}

// SetRead marks a message read or unread.
func (a *App) SetRead(ctx context.Context, userID, messageID string, read bool) error {
	n, err := a.store.SetMessagesRead(ctx, userID, []string{messageID}, read)
	return single(messageID, n, err)
}

// BulkSetRead marks several messages read or unread.
func (a *App) BulkSetRead(ctx context.Context, userID string, messageIDs []string, read bool) (int, error) {
	return a.store.SetMessagesRead(ctx, userID, messageIDs, read)
}

// SetStarred stars or unstars a message.
func (a *App) SetStarred(ctx context.Context, userID, messageID string, starred bool) error {
	n, err := a.store.SetMessagesStarred(ctx, userID, []string{messageID}, starred)
	return single(messageID, n, err)
}

// DeleteMessage soft-deletes a message.
func (a *App) DeleteMessage(ctx context.Context, userID, messageID string) error {
	n, err := a.store.SetMessagesDeleted(ctx, userID, []string{messageID}, true)
	return single(messageID, n, err)
}

// RestoreMessage undoes DeleteMessage.
func (a *App) RestoreMessage(ctx context.Context, userID, messageID string) error {
	n, err := a.store.SetMessagesDeleted(ctx, userID, []string{messageID}, false)
	return single(messageID, n, err)
}

// GetAttachment downloads an attachment listed on a stored message.
func (a *App) GetAttachment(
	ctx context.Context,
	userID string,
	messageID string,
	attachmentID string,
) (*model.Attachment, []byte, error) {
	msg, err := a.store.GetMessage(ctx, userID, messageID)
	if err != nil {
		return nil, nil, err
	}

	var meta *model.Attachment
	for i := range msg.Attachments {
		if msg.Attachments[i].ID == attachmentID {
			meta = &msg.Attachments[i]
			break
		}
	}
	if meta == nil {
		return nil, nil, fmt.Errorf("attachment %s: %w", attachmentID, store.ErrNotFound)
	}

	data, err := a.provider(userID).GetAttachment(ctx, msg.RemoteID, attachmentID)
	if err != nil {
		return nil, nil, err
	}
	return meta, data, nil
}

// === Folders ===

// CreateFolder creates a folder under parentID (nil for the root).
func (a *App) CreateFolder(ctx context.Context, userID, name string, parentID *string) (*model.Folder, error) {
	return a.folders.Create(ctx, userID, name, parentID)
}

// RenameFolder renames a folder and rewrites its subtree's paths.
func (a *App) RenameFolder(ctx context.Context, userID, folderID, name string) (*model.Folder, error) {
	return a.folders.Rename(ctx, userID, folderID, name)
}

// MoveFolder re-parents a folder.
func (a *App) MoveFolder(ctx context.Context, userID, folderID string, parentID *string) (*model.Folder, error) {
	return a.folders.Move(ctx, userID, folderID, parentID)
}

// DeleteFolder removes a folder, releasing its messages and promoting
// its children.
func (a *App) DeleteFolder(ctx context.Context, userID, folderID string) (folder.DeleteResult, error) {
	return a.folders.Delete(ctx, userID, folderID)
}

// FolderTree returns the user's folder forest with cumulative counts.
func (a *App) FolderTree(ctx context.Context, userID string) (*folder.Tree, error) {
	return a.folders.ListTree(ctx, userID)
}

// ReorderFolders sets sibling positions.
func (a *App) ReorderFolders(ctx context.Context, userID string, updates []folder.OrderUpdate) (int, error) {
	return a.folders.Reorder(ctx, userID, updates)
}

// RecountFolders rebuilds every folder counter of userID from its
// messages.
func (a *App) RecountFolders(ctx context.Context, userID string) error {
	if _, err := a.store.GetUser(ctx, userID); err != nil {
		return err
	}
	return a.store.RecomputeAllFolderCounts(ctx, userID)
}

// single turns a bulk result for one message into ErrNotFound when
// nothing matched.
func single(id string, n int, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	return nil
}
