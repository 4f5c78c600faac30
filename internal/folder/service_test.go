package folder_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsort/internal/folder"
	"github.com/nhle/mailsort/internal/model"
	"github.com/nhle/mailsort/internal/store"
	"github.com/nhle/mailsort/tests/testutil"
)

type fixture struct {
	store *store.SQLiteStore
	svc   *folder.Service
	user  *model.User
	ctx   context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := testutil.NewTestStore(t)
	log, _ := testutil.NewTestLogger()
	return &fixture{
		store: s,
		svc:   folder.NewService(s, log),
		user:  testutil.NewTestUser(t, s, "a@example.com"),
		ctx:   context.Background(),
	}
}

func (f *fixture) folder(t *testing.T, id string) *model.Folder {
	t.Helper()
	got, err := f.store.GetFolder(f.ctx, f.user.ID, id)
	require.NoError(t, err)
	return got
}

func TestResolveOrCreateBuildsAncestors(t *testing.T) {
	f := newFixture(t)

	leaf, created, err := f.svc.ResolveOrCreate(f.ctx, f.user.ID, " Work / Projects /Alpha ")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Work/Projects/Alpha", leaf.Path)
	assert.Equal(t, 2, leaf.Depth)

	parent := f.folder(t, *leaf.ParentID)
	assert.Equal(t, "Work/Projects", parent.Path)
	assert.Equal(t, 1, parent.Depth)

	again, created, err := f.svc.ResolveOrCreate(f.ctx, f.user.ID, "Work/Projects/Alpha")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, leaf.ID, again.ID)

	paths, err := f.svc.Paths(f.ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Work", "Work/Projects", "Work/Projects/Alpha"}, paths)
}

func TestResolveOrCreateTruncatesDeepPaths(t *testing.T) {
	f := newFixture(t)

	leaf, _, err := f.svc.ResolveOrCreate(f.ctx, f.user.ID, "a/b/c/d/e/f/g")
	require.NoError(t, err)
	assert.Equal(t, "a/b/c/d/e", leaf.Path)
	assert.Equal(t, model.MaxFolderDepth, leaf.Depth)

	_, _, err = f.svc.ResolveOrCreate(f.ctx, f.user.ID, " / ")
	assert.ErrorIs(t, err, folder.ErrInvalidPath)
}

func TestCreateValidates(t *testing.T) {
	f := newFixture(t)

	root, err := f.svc.Create(f.ctx, f.user.ID, "Work", nil)
	require.NoError(t, err)
	assert.Equal(t, "Work", root.Path)

	child, err := f.svc.Create(f.ctx, f.user.ID, "Projects", &root.ID)
	require.NoError(t, err)
	assert.Equal(t, "Work/Projects", child.Path)
	assert.Equal(t, 1, child.Depth)

	_, err = f.svc.Create(f.ctx, f.user.ID, "a/b", nil)
	assert.ErrorIs(t, err, folder.ErrInvalidName)
	_, err = f.svc.Create(f.ctx, f.user.ID, "  ", nil)
	assert.ErrorIs(t, err, folder.ErrInvalidName)
	_, err = f.svc.Create(f.ctx, f.user.ID, "Work", nil)
	assert.ErrorIs(t, err, folder.ErrPathConflict)

	missing := "nope"
	_, err = f.svc.Create(f.ctx, f.user.ID, "X", &missing)
	assert.ErrorIs(t, err, store.ErrNotFound)

	deepest := testutil.NewTestFolderPath(t, f.store, f.user.ID, "a/b/c/d/e")
	_, err = f.svc.Create(f.ctx, f.user.ID, "f", &deepest.ID)
	assert.ErrorIs(t, err, folder.ErrDepthExceeded)
}

func TestRenameRewritesSubtree(t *testing.T) {
	f := newFixture(t)
	leaf := testutil.NewTestFolderPath(t, f.store, f.user.ID, "Work/Projects/Alpha")
	work, err := f.store.GetFolderByPath(f.ctx, f.user.ID, "Work")
	require.NoError(t, err)

	renamed, err := f.svc.Rename(f.ctx, f.user.ID, work.ID, "Job")
	require.NoError(t, err)
	assert.Equal(t, "Job", renamed.Path)
	assert.Equal(t, "Job/Projects/Alpha", f.folder(t, leaf.ID).Path)

	testutil.NewTestFolderPath(t, f.store, f.user.ID, "Home")
	_, err = f.svc.Rename(f.ctx, f.user.ID, work.ID, "Home")
	assert.ErrorIs(t, err, folder.ErrPathConflict)
}

func TestMoveRecomputesPathAndDepth(t *testing.T) {
	f := newFixture(t)
	alpha := testutil.NewTestFolderPath(t, f.store, f.user.ID, "Work/Projects/Alpha")
	home := testutil.NewTestFolderPath(t, f.store, f.user.ID, "Home")
	projects, err := f.store.GetFolderByPath(f.ctx, f.user.ID, "Work/Projects")
	require.NoError(t, err)

	moved, err := f.svc.Move(f.ctx, f.user.ID, projects.ID, &home.ID)
	require.NoError(t, err)
	assert.Equal(t, "Home/Projects", moved.Path)
	assert.Equal(t, 1, moved.Depth)

	got := f.folder(t, alpha.ID)
	assert.Equal(t, "Home/Projects/Alpha", got.Path)
	assert.Equal(t, 2, got.Depth)

	toRoot, err := f.svc.Move(f.ctx, f.user.ID, projects.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "Projects", toRoot.Path)
	assert.Nil(t, toRoot.ParentID)
	assert.Equal(t, 1, f.folder(t, alpha.ID).Depth)
}

func TestMoveRejectsCyclesAndDepth(t *testing.T) {
	f := newFixture(t)
	alpha := testutil.NewTestFolderPath(t, f.store, f.user.ID, "Work/Projects/Alpha")
	work, err := f.store.GetFolderByPath(f.ctx, f.user.ID, "Work")
	require.NoError(t, err)

	_, err = f.svc.Move(f.ctx, f.user.ID, work.ID, &alpha.ID)
	assert.ErrorIs(t, err, folder.ErrCyclicMove)
	_, err = f.svc.Move(f.ctx, f.user.ID, work.ID, &work.ID)
	assert.ErrorIs(t, err, folder.ErrCyclicMove)

	deep := testutil.NewTestFolderPath(t, f.store, f.user.ID, "a/b/c")
	_, err = f.svc.Move(f.ctx, f.user.ID, work.ID, &deep.ID)
	assert.ErrorIs(t, err, folder.ErrDepthExceeded, "Work has two levels below it")

	assert.Equal(t, "Work/Projects/Alpha", f.folder(t, alpha.ID).Path, "rejected moves change nothing")
}

func TestDeletePromotesChildrenAndReleasesMessages(t *testing.T) {
	f := newFixture(t)
	alpha := testutil.NewTestFolderPath(t, f.store, f.user.ID, "Work/Projects/Alpha")
	projects, err := f.store.GetFolderByPath(f.ctx, f.user.ID, "Work/Projects")
	require.NoError(t, err)
	work, err := f.store.GetFolderByPath(f.ctx, f.user.ID, "Work")
	require.NoError(t, err)

	m1 := testutil.NewTestMessage(t, f.store, f.user.ID, "r1", "in work")
	m2 := testutil.NewTestMessage(t, f.store, f.user.ID, "r2", "in alpha")
	_, err = f.store.MoveMessages(f.ctx, f.user.ID, []string{m1.ID}, &work.ID)
	require.NoError(t, err)
	_, err = f.store.MoveMessages(f.ctx, f.user.ID, []string{m2.ID}, &alpha.ID)
	require.NoError(t, err)

	result, err := f.svc.Delete(f.ctx, f.user.ID, work.ID)
	require.NoError(t, err)
	assert.Equal(t, folder.DeleteResult{MovedMessages: 2, MovedSubfolders: 1}, result)

	_, err = f.store.GetFolder(f.ctx, f.user.ID, work.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	p := f.folder(t, projects.ID)
	assert.Nil(t, p.ParentID)
	assert.Equal(t, 0, p.Depth)
	assert.Equal(t, "Projects", p.Path)

	a := f.folder(t, alpha.ID)
	assert.Equal(t, "Projects/Alpha", a.Path)
	assert.Equal(t, 1, a.Depth)
	assert.Equal(t, 0, a.TotalCount)
	assert.Equal(t, 0, a.UnreadCount)

	for _, id := range []string{m1.ID, m2.ID} {
		msg, err := f.store.GetMessage(f.ctx, f.user.ID, id)
		require.NoError(t, err)
		assert.Nil(t, msg.FolderID)
		assert.False(t, msg.Classified)
	}
}

func TestDeleteLetsChildTakeOverParentPath(t *testing.T) {
	f := newFixture(t)
	inner, created, err := f.svc.ResolveOrCreate(f.ctx, f.user.ID, "Work/Work")
	require.NoError(t, err)
	require.True(t, created)
	outer, err := f.store.GetFolderByPath(f.ctx, f.user.ID, "Work")
	require.NoError(t, err)

	result, err := f.svc.Delete(f.ctx, f.user.ID, outer.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.MovedSubfolders)

	got := f.folder(t, inner.ID)
	assert.Equal(t, "Work", got.Path)
	assert.Nil(t, got.ParentID)
	assert.Equal(t, 0, got.Depth)
}

func TestDeleteReshufflesOverlappingPaths(t *testing.T) {
	f := newFixture(t)
	deep := testutil.NewTestFolderPath(t, f.store, f.user.ID, "Work/Work/Y")
	sibling := testutil.NewTestFolderPath(t, f.store, f.user.ID, "Work/Y")
	outer, err := f.store.GetFolderByPath(f.ctx, f.user.ID, "Work")
	require.NoError(t, err)
	inner, err := f.store.GetFolderByPath(f.ctx, f.user.ID, "Work/Work")
	require.NoError(t, err)

	_, err = f.svc.Delete(f.ctx, f.user.ID, outer.ID)
	require.NoError(t, err)

	assert.Equal(t, "Work", f.folder(t, inner.ID).Path)
	assert.Equal(t, "Work/Y", f.folder(t, deep.ID).Path)
	assert.Equal(t, "Y", f.folder(t, sibling.ID).Path)

	paths, err := f.svc.Paths(f.ctx, f.user.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Work", "Work/Y", "Y"}, paths)
}

func TestDeleteRejectsPromotionCollision(t *testing.T) {
	f := newFixture(t)
	testutil.NewTestFolderPath(t, f.store, f.user.ID, "Work/Projects")
	testutil.NewTestFolderPath(t, f.store, f.user.ID, "Projects")
	work, err := f.store.GetFolderByPath(f.ctx, f.user.ID, "Work")
	require.NoError(t, err)

	_, err = f.svc.Delete(f.ctx, f.user.ID, work.ID)
	assert.ErrorIs(t, err, folder.ErrPathConflict)

	_, err = f.store.GetFolder(f.ctx, f.user.ID, work.ID)
	assert.NoError(t, err, "the failed delete is rolled back")
}

func TestListTreeCumulativeCounts(t *testing.T) {
	f := newFixture(t)
	alpha := testutil.NewTestFolderPath(t, f.store, f.user.ID, "Work/Alpha")
	work, err := f.store.GetFolderByPath(f.ctx, f.user.ID, "Work")
	require.NoError(t, err)
	testutil.NewTestFolderPath(t, f.store, f.user.ID, "Home")

	m1 := testutil.NewTestMessage(t, f.store, f.user.ID, "r1", "one")
	m2 := testutil.NewTestMessage(t, f.store, f.user.ID, "r2", "two")
	m3 := testutil.NewTestMessage(t, f.store, f.user.ID, "r3", "three")
	_, err = f.store.MoveMessages(f.ctx, f.user.ID, []string{m1.ID}, &work.ID)
	require.NoError(t, err)
	_, err = f.store.MoveMessages(f.ctx, f.user.ID, []string{m2.ID, m3.ID}, &alpha.ID)
	require.NoError(t, err)
	_, err = f.store.SetMessagesRead(f.ctx, f.user.ID, []string{m3.ID}, true)
	require.NoError(t, err)

	tree, err := f.svc.ListTree(f.ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, tree.TotalCount)
	assert.Equal(t, 2, tree.UnreadCount)
	require.Len(t, tree.Roots, 2)

	var workNode *model.FolderNode
	for _, r := range tree.Roots {
		if r.ID == work.ID {
			workNode = r
		}
	}
	require.NotNil(t, workNode)
	assert.Equal(t, 1, workNode.TotalCount)
	assert.Equal(t, 3, workNode.CumulativeTotal)
	assert.Equal(t, 2, workNode.CumulativeUnread)
	require.Len(t, workNode.Children, 1)
	assert.Equal(t, 2, workNode.Children[0].CumulativeTotal)
}

func TestListTreeEmpty(t *testing.T) {
	f := newFixture(t)

	tree, err := f.svc.ListTree(f.ctx, f.user.ID)
	require.NoError(t, err)
	assert.NotNil(t, tree.Roots)
	assert.Empty(t, tree.Roots)
}

func TestReorderSkipsUnknownFolders(t *testing.T) {
	f := newFixture(t)
	a := testutil.NewTestFolderPath(t, f.store, f.user.ID, "A")
	b := testutil.NewTestFolderPath(t, f.store, f.user.ID, "B")

	n, err := f.svc.Reorder(f.ctx, f.user.ID, []folder.OrderUpdate{
		{ID: a.ID, Order: 5},
		{ID: "missing", Order: 1},
		{ID: b.ID, Order: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	flat, err := f.svc.ListFlat(f.ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, flat, 2)
	assert.Equal(t, b.ID, flat[0].ID)
}
