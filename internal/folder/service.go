package folder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsort/internal/model"
	"github.com/nhle/mailsort/internal/store"
)

// Validation errors.
var (
	ErrInvalidPath   = errors.New("folder path has no usable segments")
	ErrInvalidName   = errors.New("folder name must be non-empty and must not contain the path separator")
	ErrDepthExceeded = errors.New("folder depth limit exceeded")
	ErrCyclicMove    = errors.New("cannot move a folder into itself or its descendants")
	ErrPathConflict  = errors.New("a folder with this path already exists")
)

// DeleteResult reports what a folder deletion displaced.
type DeleteResult struct {
	MovedMessages   int `json:"moved_messages"`
	MovedSubfolders int `json:"moved_subfolders"`
}

// Tree is a user's folder forest with cumulative counts.
type Tree struct {
	Roots       []*model.FolderNode `json:"roots"`
	TotalCount  int                 `json:"total_count"`
	UnreadCount int                 `json:"unread_count"`
}

// OrderUpdate sets one folder's position among its siblings.
type OrderUpdate struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

// Service manages folder hierarchies. Every mutation runs in one store
// transaction and keeps path and depth consistent with the parent chain.
type Service struct {
	store store.Store
	log   logrus.FieldLogger
}

// NewService creates a folder service.
func NewService(s store.Store, log logrus.FieldLogger) *Service {
	return &Service{store: s, log: log}
}

// ResolveOrCreate returns the folder at path, creating any missing
// ancestors. Segments beyond the depth limit are dropped. created is
// true when at least one folder was inserted.
func (s *Service) ResolveOrCreate(ctx context.Context, userID, path string) (*model.Folder, bool, error) {
	var (
		folder  *model.Folder
		created bool
	)
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		folder, created, err = ResolveOrCreateTx(ctx, tx, userID, path)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return folder, created, nil
}

// ResolveOrCreateTx is ResolveOrCreate inside the caller's transaction.
func ResolveOrCreateTx(ctx context.Context, tx *store.Tx, userID, path string) (*model.Folder, bool, error) {
	segments := model.SplitFolderPath(path)
	if len(segments) == 0 {
		return nil, false, fmt.Errorf("resolving %q: %w", path, ErrInvalidPath)
	}
	if len(segments) > model.MaxFolderDepth+1 {
		segments = segments[:model.MaxFolderDepth+1]
	}

	var (
		parent  *model.Folder
		created bool
	)
	for depth := range segments {
		prefix := model.JoinFolderPath(segments[:depth+1]...)

		existing, err := tx.GetFolderByPath(ctx, userID, prefix)
		if err == nil {
			parent = existing
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}

		var parentID *string
		if parent != nil {
			id := parent.ID
			parentID = &id
		}
		order, err := tx.CountSiblings(ctx, userID, parentID)
		if err != nil {
			return nil, false, err
		}

		f := &model.Folder{
			UserID:    userID,
			Name:      segments[depth],
			ParentID:  parentID,
			Path:      prefix,
			Depth:     depth,
			SortOrder: order,
		}
		if err := tx.InsertFolder(ctx, f); err != nil {
			return nil, false, err
		}
		parent = f
		created = true
	}
	return parent, created, nil
}

// Create adds a single folder under parentID (nil for a root folder).
func (s *Service) Create(ctx context.Context, userID, name string, parentID *string) (*model.Folder, error) {
	name, err := validName(name)
	if err != nil {
		return nil, err
	}

	var created *model.Folder
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		parentPath, depth := "", 0
		if parentID != nil {
			parent, err := tx.GetFolder(ctx, userID, *parentID)
			if err != nil {
				return err
			}
			parentPath, depth = parent.Path, parent.Depth+1
		}
		if depth > model.MaxFolderDepth {
			return ErrDepthExceeded
		}

		order, err := tx.CountSiblings(ctx, userID, parentID)
		if err != nil {
			return err
		}
		f := &model.Folder{
			UserID:    userID,
			Name:      name,
			ParentID:  parentID,
			Path:      model.ChildPath(parentPath, name),
			Depth:     depth,
			SortOrder: order,
		}
		if err := tx.InsertFolder(ctx, f); err != nil {
			return conflict(err)
		}
		created = f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating folder %q: %w", name, err)
	}

	s.log.WithFields(logrus.Fields{
		"user_id": userID,
		"path":    created.Path,
	}).Info("folder created")
	return created, nil
}

// Rename changes a folder's name and rewrites the paths of its subtree.
func (s *Service) Rename(ctx context.Context, userID, folderID, name string) (*model.Folder, error) {
	name, err := validName(name)
	if err != nil {
		return nil, err
	}

	var renamed model.Folder
	err = s.store.InTx(ctx, func(tx *store.Tx) error {
		tree, err := loadTree(ctx, tx, userID)
		if err != nil {
			return err
		}
		if _, ok := tree.Node(folderID); !ok {
			return fmt.Errorf("folder %s: %w", folderID, store.ErrNotFound)
		}

		changed := tree.Rename(folderID, name)
		if err := writePlacements(ctx, tx, tree, changed); err != nil {
			return err
		}
		renamed = changed[0]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("renaming folder %s: %w", folderID, err)
	}
	return &renamed, nil
}

// Move re-parents a folder (nil newParentID moves it to the root) and
// recomputes path and depth for it and every descendant.
func (s *Service) Move(ctx context.Context, userID, folderID string, newParentID *string) (*model.Folder, error) {
	var moved model.Folder
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		tree, err := loadTree(ctx, tx, userID)
		if err != nil {
			return err
		}
		if _, ok := tree.Node(folderID); !ok {
			return fmt.Errorf("folder %s: %w", folderID, store.ErrNotFound)
		}

		depth := 0
		if newParentID != nil {
			if *newParentID == folderID || tree.IsDescendant(folderID, *newParentID) {
				return ErrCyclicMove
			}
			parent, ok := tree.Node(*newParentID)
			if !ok {
				return fmt.Errorf("folder %s: %w", *newParentID, store.ErrNotFound)
			}
			depth = parent.Depth + 1
		}
		if depth+tree.Height(folderID) > model.MaxFolderDepth {
			return ErrDepthExceeded
		}

		changed := tree.Reparent(folderID, newParentID)
		if err := writePlacements(ctx, tx, tree, changed); err != nil {
			return err
		}
		moved = changed[0]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("moving folder %s: %w", folderID, err)
	}

	s.log.WithFields(logrus.Fields{
		"user_id": userID,
		"path":    moved.Path,
	}).Info("folder moved")
	return &moved, nil
}

// Delete removes a folder. Messages anywhere in its subtree lose their
// folder and become unclassified; its immediate children become roots.
func (s *Service) Delete(ctx context.Context, userID, folderID string) (DeleteResult, error) {
	var result DeleteResult
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		tree, err := loadTree(ctx, tx, userID)
		if err != nil {
			return err
		}
		if _, ok := tree.Node(folderID); !ok {
			return fmt.Errorf("folder %s: %w", folderID, store.ErrNotFound)
		}

		var subtree []string
		for _, n := range tree.Subtree(folderID) {
			subtree = append(subtree, n.ID)
		}

		moved, err := tx.DetachMessages(ctx, userID, subtree)
		if err != nil {
			return err
		}

		// The row goes first so a promoted child may take over its path.
		// Children's parent_id is cleared by the foreign key.
		if err := tx.DeleteFolderRow(ctx, userID, folderID); err != nil {
			return err
		}

		promoted := tree.Remove(folderID)
		var changed []model.Folder
		for _, id := range promoted {
			changed = append(changed, tree.Recompute(id)...)
		}
		if err := writePlacements(ctx, tx, tree, changed); err != nil {
			return err
		}

		if err := tx.RecomputeFolderCounts(ctx, subtree[1:]...); err != nil {
			return err
		}

		result = DeleteResult{MovedMessages: moved, MovedSubfolders: len(promoted)}
		return nil
	})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("deleting folder %s: %w", folderID, err)
	}

	s.log.WithFields(logrus.Fields{
		"user_id":          userID,
		"folder_id":        folderID,
		"moved_messages":   result.MovedMessages,
		"moved_subfolders": result.MovedSubfolders,
	}).Info("folder deleted")
	return result, nil
}

// ListTree returns the user's folders as a forest with cumulative counts.
// Stored counters are not modified.
func (s *Service) ListTree(ctx context.Context, userID string) (*Tree, error) {
	folders, err := s.store.ListFolders(ctx, userID)
	if err != nil {
		return nil, err
	}

	ft := model.NewFolderTree(folders)
	ft.ComputeCumulative()

	tree := &Tree{Roots: ft.Roots()}
	for _, r := range tree.Roots {
		tree.TotalCount += r.CumulativeTotal
		tree.UnreadCount += r.CumulativeUnread
	}
	if tree.Roots == nil {
		tree.Roots = []*model.FolderNode{}
	}
	return tree, nil
}

// ListFlat returns the raw folder rows ordered by depth and position.
func (s *Service) ListFlat(ctx context.Context, userID string) ([]model.Folder, error) {
	return s.store.ListFolders(ctx, userID)
}

// Paths returns every folder path of the user.
func (s *Service) Paths(ctx context.Context, userID string) ([]string, error) {
	folders, err := s.store.ListFolders(ctx, userID)
	if err != nil {
		return nil, err
	}
	return model.NewFolderTree(folders).Paths(), nil
}

// Reorder sets sibling positions. Unknown folder ids are skipped.
func (s *Service) Reorder(ctx context.Context, userID string, updates []OrderUpdate) (int, error) {
	applied := 0
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		for _, u := range updates {
			err := tx.SetFolderOrder(ctx, userID, u.ID, u.Order)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reordering folders: %w", err)
	}
	return applied, nil
}

func loadTree(ctx context.Context, tx *store.Tx, userID string) (*model.FolderTree, error) {
	folders, err := tx.ListFolders(ctx, userID)
	if err != nil {
		return nil, err
	}
	return model.NewFolderTree(folders), nil
}

// writePlacements persists recomputed folders after checking that none
// of the new paths collides with a folder outside the changed set.
func writePlacements(ctx context.Context, tx *store.Tx, tree *model.FolderTree, changed []model.Folder) error {
	except := make(map[string]bool, len(changed))
	for _, f := range changed {
		except[f.ID] = true
	}
	for _, f := range changed {
		if tree.PathTaken(f.Path, except) {
			return fmt.Errorf("%s: %w", f.Path, ErrPathConflict)
		}
	}
	// Rows are parked on unique placeholder paths first, so a row may
	// take a path another changed row is about to leave.
	if len(changed) > 1 {
		for _, f := range changed {
			parked := f
			parked.Path = placeholderPrefix + f.ID
			if err := tx.UpdateFolderPlacement(ctx, parked); err != nil {
				return conflict(err)
			}
		}
	}
	for _, f := range changed {
		if err := tx.UpdateFolderPlacement(ctx, f); err != nil {
			return conflict(err)
		}
	}
	return nil
}

// placeholderPrefix cannot start a real path: names never contain the
// separator and paths never begin with it.
const placeholderPrefix = model.FolderSeparator + "pending:"

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, model.FolderSeparator) {
		return "", ErrInvalidName
	}
	return name, nil
}

// conflict maps a store uniqueness violation to ErrPathConflict.
func conflict(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrPathConflict, err)
	}
	return err
}
