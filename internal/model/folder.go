package model

import (
	"strings"
	"time"
)

const (
	// FolderSeparator joins folder names into a path.
	FolderSeparator = "/"

	// MaxFolderDepth is the deepest allowed depth (0-based), giving
	// five levels in total.
	MaxFolderDepth = 4

	// UnclassifiedPath is the classifier's marker for "no folder".
	UnclassifiedPath = "Unclassified"
)

// Folder is a node in a user's folder hierarchy. Path and Depth are
// derived from the parent chain and rewritten whenever it changes.
type Folder struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	Name        string    `json:"name" db:"name"`
	ParentID    *string   `json:"parent_id,omitempty" db:"parent_id"`
	Path        string    `json:"path" db:"path"`
	Depth       int       `json:"depth" db:"depth"`
	TotalCount  int       `json:"total_count" db:"total_count"`
	UnreadCount int       `json:"unread_count" db:"unread_count"`
	SortOrder   int       `json:"sort_order" db:"sort_order"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// SplitFolderPath splits a path into trimmed, non-empty segments.
func SplitFolderPath(path string) []string {
	raw := strings.Split(path, FolderSeparator)
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		segments = append(segments, s)
	}
	return segments
}

// JoinFolderPath joins segments with the folder separator.
func JoinFolderPath(segments ...string) string {
	return strings.Join(segments, FolderSeparator)
}

// ChildPath returns the path of a folder named name under parentPath.
// An empty parentPath denotes the root.
func ChildPath(parentPath, name string) string {
	if parentPath == "" {
		return name
	}
	return parentPath + FolderSeparator + name
}

// IsUnclassified reports whether a classifier path means "no folder".
func IsUnclassified(path string) bool {
	p := strings.TrimSpace(path)
	return p == "" || strings.EqualFold(p, UnclassifiedPath)
}
