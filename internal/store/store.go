package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/mailsort/internal/model"
)

var (
	// ErrNotFound is returned when a user, message or folder does not exist
	// or belongs to another user.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
)

// MessageFilter controls which messages a query returns. All set fields
// are combined with AND.
type MessageFilter struct {
	UserID         string
	IDs            []string // restrict to these message IDs
	FolderID       *string  // messages in this folder
	Unfoldered     bool     // messages with no folder
	Classified     *bool
	IsRead         *bool
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Store defines the persistence interface for users, messages and folders.
type Store interface {
	// === Users ===

	CreateUser(ctx context.Context, email string) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	SaveUserTokens(
		ctx context.Context,
		userID string,
		accessToken string,
		refreshToken string,
		expiry *time.Time,
	) error

	// === Sync cursor ===

	CompleteSync(ctx context.Context, userID, cursor string, at time.Time) error
	AdvanceCursor(ctx context.Context, userID, cursor string, at time.Time) error
	ResetCursor(ctx context.Context, userID, cursor string) error

	// === Messages ===

	UpsertMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, userID, id string) (*model.Message, error)
	GetMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error)
	CountMessages(ctx context.Context, filter MessageFilter) (int, error)
	MessageRemoteIDs(ctx context.Context, userID string) (map[string]bool, error)
	MoveMessages(ctx context.Context, userID string, ids []string, folderID *string) (int, error)
	SetMessagesRead(ctx context.Context, userID string, ids []string, read bool) (int, error)
	SetMessagesStarred(ctx context.Context, userID string, ids []string, starred bool) (int, error)
	SetMessagesDeleted(ctx context.Context, userID string, ids []string, deleted bool) (int, error)

	// === Folders ===

	GetFolder(ctx context.Context, userID, id string) (*model.Folder, error)
	GetFolderByPath(ctx context.Context, userID, path string) (*model.Folder, error)
	ListFolders(ctx context.Context, userID string) ([]model.Folder, error)
	SetFolderOrder(ctx context.Context, userID, id string, order int) error
	RecomputeAllFolderCounts(ctx context.Context, userID string) error

	// === Transactions ===

	// InTx runs fn inside a single transaction. fn must only use tx;
	// the store serializes access through one connection.
	InTx(ctx context.Context, fn func(tx *Tx) error) error

	Close() error
}
