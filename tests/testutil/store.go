package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/nhle/mailsort/internal/model"
	"github.com/nhle/mailsort/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewTestLogger returns a logger that records entries instead of
// printing them.
func NewTestLogger() (*logrus.Logger, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return log, hook
}

// NewTestUser creates a user with the given email.
func NewTestUser(t *testing.T, s store.Store, email string) *model.User {
	t.Helper()

	u, err := s.CreateUser(context.Background(), email)
	if err != nil {
		t.Fatalf("creating test user: %v", err)
	}
	return u
}

// NewTestMessage stores an unread, unclassified message for userID.
func NewTestMessage(t *testing.T, s store.Store, userID, remoteID, subject string) *model.Message {
	t.Helper()

	m := &model.Message{
		UserID:      userID,
		RemoteID:    remoteID,
		ThreadID:    "thread-" + remoteID,
		Subject:     subject,
		Sender:      "Alice <alice@example.com>",
		SenderEmail: "alice@example.com",
		Snippet:     "snippet of " + subject,
		ReceivedAt:  time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := s.UpsertMessage(context.Background(), m); err != nil {
		t.Fatalf("creating test message: %v", err)
	}
	return m
}

// NewTestFolderPath creates every folder along path and returns the last.
func NewTestFolderPath(t *testing.T, s store.Store, userID, path string) *model.Folder {
	t.Helper()

	var leaf *model.Folder
	err := s.InTx(context.Background(), func(tx *store.Tx) error {
		var parent *model.Folder
		segments := model.SplitFolderPath(path)
		for depth := range segments {
			p := model.JoinFolderPath(segments[:depth+1]...)
			existing, err := tx.GetFolderByPath(context.Background(), userID, p)
			if err == nil {
				parent = existing
				continue
			}
			f := &model.Folder{
				UserID: userID,
				Name:   segments[depth],
				Path:   p,
				Depth:  depth,
			}
			if parent != nil {
				id := parent.ID
				f.ParentID = &id
			}
			if err := tx.InsertFolder(context.Background(), f); err != nil {
				return err
			}
			parent = f
		}
		leaf = parent
		return nil
	})
	if err != nil {
		t.Fatalf("creating test folder %s: %v", path, err)
	}
	return leaf
}
