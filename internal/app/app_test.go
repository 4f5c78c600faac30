package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/nhle/mailsort/internal/app"
	"github.com/nhle/mailsort/internal/classifier"
	"github.com/nhle/mailsort/internal/credential"
	"github.com/nhle/mailsort/internal/folder"
	"github.com/nhle/mailsort/internal/jobs"
	"github.com/nhle/mailsort/internal/model"
	"github.com/nhle/mailsort/internal/source"
	"github.com/nhle/mailsort/internal/store"
	"github.com/nhle/mailsort/tests/testutil"
)

type fakeProvider struct {
	ids         []string
	attachments map[string][]byte
}

func (f *fakeProvider) ListMessages(context.Context, string, int64, string) (*gmailapi.ListMessagesResponse, error) {
	resp := &gmailapi.ListMessagesResponse{}
	for _, id := range f.ids {
		resp.Messages = append(resp.Messages, &gmailapi.Message{Id: id})
	}
	return resp, nil
}

func (f *fakeProvider) GetMessage(_ context.Context, id string) (*gmailapi.Message, error) {
	return &gmailapi.Message{
		Id:           id,
		ThreadId:     "t-" + id,
		LabelIds:     []string{"INBOX", "UNREAD"},
		InternalDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		Payload: &gmailapi.MessagePart{
			MimeType: "text/plain",
			Headers: []*gmailapi.MessagePartHeader{
				{Name: "Subject", Value: "Subject " + id},
				{Name: "From", Value: "Sender <sender@example.com>"},
			},
		},
	}, nil
}

func (f *fakeProvider) GetHistory(context.Context, string, ...string) (*gmailapi.ListHistoryResponse, error) {
	return &gmailapi.ListHistoryResponse{HistoryId: 50}, nil
}

func (f *fakeProvider) GetProfile(context.Context) (*gmailapi.Profile, error) {
	return &gmailapi.Profile{EmailAddress: "a@example.com", HistoryId: 42}, nil
}

func (f *fakeProvider) GetAttachment(_ context.Context, messageID, attachmentID string) ([]byte, error) {
	data, ok := f.attachments[messageID+"/"+attachmentID]
	if !ok {
		return nil, &source.ProviderError{Method: "GET", Path: "attachments", Status: 404, Err: errors.New("not found")}
	}
	return data, nil
}

// folderClassifier files every item into one folder.
type folderClassifier struct{ path string }

func (c folderClassifier) Classify(_ context.Context, _ []string, items []classifier.Item) ([]classifier.Decision, error) {
	out := make([]classifier.Decision, len(items))
	for i, it := range items {
		out[i] = classifier.Decision{MailID: it.ID, FolderPath: c.path, IsNewFolder: true, Confidence: 0.7}
	}
	return out, nil
}

type fixture struct {
	app      *app.App
	store    *store.SQLiteStore
	provider *fakeProvider
	ctx      context.Context
}

func newFixture(t *testing.T, c classifier.Classifier) *fixture {
	t.Helper()
	s := testutil.NewTestStore(t)
	log, _ := testutil.NewTestLogger()

	cipher, err := credential.NewCipher("test passphrase", "test salt")
	require.NoError(t, err)

	cfg := model.DefaultAppConfig()
	cfg.Classifier.BatchPause = 0
	cfg.Classifier.MaxMessages = 2

	p := &fakeProvider{ids: []string{"m1", "m2", "m3"}, attachments: map[string][]byte{}}
	a := app.New(app.Deps{
		Store:      s,
		Registry:   jobs.NewRegistry(cfg.Jobs, log),
		Provider:   func(string) app.MailProvider { return p },
		Tokens:     credential.NewVault(s, cipher),
		Classifier: c,
		Config:     cfg,
		Log:        log,
	})
	t.Cleanup(func() { a.Jobs().Close() })

	return &fixture{app: a, store: s, provider: p, ctx: context.Background()}
}

func (f *fixture) connect(t *testing.T, email string) *model.User {
	t.Helper()
	u, err := f.app.Connect(f.ctx, email, model.TokenSet{AccessToken: "access", RefreshToken: "refresh"})
	require.NoError(t, err)
	return u
}

func (f *fixture) wait(t *testing.T, jobID string) jobs.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := f.app.Wait(ctx, jobID)
	require.NoError(t, err)
	return rec
}

func TestConnectCreatesUserOnce(t *testing.T) {
	f := newFixture(t, nil)

	first := f.connect(t, "a@example.com")
	assert.True(t, first.Connected())

	second, err := f.app.Connect(f.ctx, "a@example.com", model.TokenSet{AccessToken: "rotated"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	users, err := f.app.Users(f.ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestStartSyncRequiresConnection(t *testing.T) {
	f := newFixture(t, nil)
	u := testutil.NewTestUser(t, f.store, "b@example.com")

	_, err := f.app.StartSync(f.ctx, u.ID, false)
	assert.ErrorIs(t, err, source.ErrNotConnected)
	assert.True(t, source.IsAuthError(err))

	_, err = f.app.StartSync(f.ctx, "missing", false)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncThenStatus(t *testing.T) {
	f := newFixture(t, nil)
	u := f.connect(t, "a@example.com")

	started, err := f.app.StartSync(f.ctx, u.ID, false)
	require.NoError(t, err)
	assert.Equal(t, jobs.SyncInitial, started.Type)

	rec := f.wait(t, started.JobID)
	require.Equal(t, jobs.StateCompleted, rec.State, rec.Error)

	status, err := f.app.SyncStatus(u.ID, started.JobID)
	require.NoError(t, err)
	assert.Equal(t, float64(100), status.Percentage)
	assert.Equal(t, 3, status.Progress.Succeeded)

	_, total, err := f.app.ListMessages(f.ctx, store.MessageFilter{UserID: u.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestJobsAreScopedToOwner(t *testing.T) {
	f := newFixture(t, nil)
	owner := f.connect(t, "a@example.com")
	other := f.connect(t, "b@example.com")

	started, err := f.app.StartSync(f.ctx, owner.ID, true)
	require.NoError(t, err)
	f.wait(t, started.JobID)

	_, err = f.app.SyncStatus(other.ID, started.JobID)
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
	assert.ErrorIs(t, f.app.StopSync(other.ID, started.JobID), jobs.ErrJobNotFound)

	_, err = f.app.ClassificationStatus(owner.ID, started.JobID)
	assert.ErrorIs(t, err, jobs.ErrJobNotFound, "a sync job is not a classification job")
}

func TestStartClassificationWithoutClassifier(t *testing.T) {
	f := newFixture(t, nil)
	u := f.connect(t, "a@example.com")

	_, err := f.app.StartClassification(f.ctx, u.ID, nil)
	assert.ErrorIs(t, err, app.ErrClassifierUnavailable)
}

func TestStartClassificationNoItems(t *testing.T) {
	f := newFixture(t, folderClassifier{path: "Work"})
	u := f.connect(t, "a@example.com")

	_, err := f.app.StartClassification(f.ctx, u.ID, nil)
	assert.ErrorIs(t, err, app.ErrNoItems)

	other := f.connect(t, "b@example.com")
	foreign := testutil.NewTestMessage(t, f.store, other.ID, "r1", "not yours")
	_, err = f.app.StartClassification(f.ctx, u.ID, []string{foreign.ID})
	assert.ErrorIs(t, err, app.ErrNoItems)
}

func TestClassificationTakesUnclassifiedUpToLimit(t *testing.T) {
	f := newFixture(t, folderClassifier{path: "Work/Reports"})
	u := f.connect(t, "a@example.com")
	for _, r := range []string{"r1", "r2", "r3"} {
		testutil.NewTestMessage(t, f.store, u.ID, r, "report "+r)
	}

	started, err := f.app.StartClassification(f.ctx, u.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, started.Count)

	rec := f.wait(t, started.JobID)
	require.Equal(t, jobs.StateCompleted, rec.State, rec.Error)

	status, err := f.app.ClassificationStatus(u.ID, started.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.Summary{Total: 2, Success: 2, NewFoldersCreated: 1}, status.Summary)

	tree, err := f.app.FolderTree(f.ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, tree.Roots, 1)
	assert.Equal(t, 2, tree.Roots[0].CumulativeTotal)
}

func TestMailboxOperationsKeepCounts(t *testing.T) {
	f := newFixture(t, nil)
	u := f.connect(t, "a@example.com")
	m1 := testutil.NewTestMessage(t, f.store, u.ID, "r1", "one")
	m2 := testutil.NewTestMessage(t, f.store, u.ID, "r2", "two")

	dir, err := f.app.CreateFolder(f.ctx, u.ID, "Inbox", nil)
	require.NoError(t, err)

	moved, err := f.app.BulkMove(f.ctx, u.ID, []string{m1.ID, m2.ID, "ghost"}, &dir.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	require.NoError(t, f.app.SetRead(f.ctx, u.ID, m1.ID, true))
	require.NoError(t, f.app.SetStarred(f.ctx, u.ID, m1.ID, true))
	require.NoError(t, f.app.DeleteMessage(f.ctx, u.ID, m2.ID))

	got, err := f.store.GetFolder(f.ctx, u.ID, dir.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalCount)
	assert.Equal(t, 0, got.UnreadCount)

	require.NoError(t, f.app.RestoreMessage(f.ctx, u.ID, m2.ID))
	got, err = f.store.GetFolder(f.ctx, u.ID, dir.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalCount)
	assert.Equal(t, 1, got.UnreadCount)

	msg, err := f.app.GetMessage(f.ctx, u.ID, m1.ID)
	require.NoError(t, err)
	assert.True(t, msg.IsRead)
	assert.True(t, msg.IsStarred)

	assert.ErrorIs(t, f.app.SetRead(f.ctx, u.ID, "ghost", true), store.ErrNotFound)
	require.NoError(t, f.app.MoveMessage(f.ctx, u.ID, m1.ID, nil))
	got, err = f.store.GetFolder(f.ctx, u.ID, dir.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalCount)
}

func TestGetAttachment(t *testing.T) {
	f := newFixture(t, nil)
	u := f.connect(t, "a@example.com")

	msg := &model.Message{
		UserID:      u.ID,
		RemoteID:    "remote-1",
		Subject:     "invoice",
		ReceivedAt:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Attachments: model.Attachments{{ID: "att-1", Name: "invoice.pdf", Size: 3, MimeType: "application/pdf"}},
	}
	require.NoError(t, f.store.UpsertMessage(f.ctx, msg))
	f.provider.attachments["remote-1/att-1"] = []byte("pdf")

	meta, data, err := f.app.GetAttachment(f.ctx, u.ID, msg.ID, "att-1")
	require.NoError(t, err)
	assert.Equal(t, "invoice.pdf", meta.Name)
	assert.Equal(t, []byte("pdf"), data)

	_, _, err = f.app.GetAttachment(f.ctx, u.ID, msg.ID, "att-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// blockingClassifier waits until its context is cancelled.
type blockingClassifier struct{ started chan struct{} }

func (c blockingClassifier) Classify(ctx context.Context, _ []string, _ []classifier.Item) ([]classifier.Decision, error) {
	close(c.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStopClassification(t *testing.T) {
	c := blockingClassifier{started: make(chan struct{})}
	f := newFixture(t, c)
	u := f.connect(t, "a@example.com")
	testutil.NewTestMessage(t, f.store, u.ID, "r1", "one")

	started, err := f.app.StartClassification(f.ctx, u.ID, nil)
	require.NoError(t, err)

	_, err = f.app.StartClassification(f.ctx, u.ID, nil)
	assert.ErrorIs(t, err, jobs.ErrAlreadyRunning)

	<-c.started
	require.NoError(t, f.app.StopClassification(u.ID, started.JobID))

	rec := f.wait(t, started.JobID)
	assert.Equal(t, jobs.StateCancelled, rec.State)
	assert.Empty(t, rec.Results)
}

func TestFolderOperations(t *testing.T) {
	f := newFixture(t, nil)
	u := f.connect(t, "a@example.com")

	work, err := f.app.CreateFolder(f.ctx, u.ID, "Work", nil)
	require.NoError(t, err)
	home, err := f.app.CreateFolder(f.ctx, u.ID, "Home", nil)
	require.NoError(t, err)
	bills, err := f.app.CreateFolder(f.ctx, u.ID, "Bills", &home.ID)
	require.NoError(t, err)

	moved, err := f.app.MoveFolder(f.ctx, u.ID, bills.ID, &work.ID)
	require.NoError(t, err)
	assert.Equal(t, "Work/Bills", moved.Path)

	renamed, err := f.app.RenameFolder(f.ctx, u.ID, work.ID, "Office")
	require.NoError(t, err)
	assert.Equal(t, "Office", renamed.Path)

	paths, err := f.app.Folders().Paths(f.ctx, u.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Home", "Office", "Office/Bills"}, paths)

	n, err := f.app.ReorderFolders(f.ctx, u.ID, []folder.OrderUpdate{
		{ID: home.ID, Order: 0},
		{ID: work.ID, Order: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tree, err := f.app.FolderTree(f.ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, tree.Roots, 2)
	assert.Equal(t, "Home", tree.Roots[0].Name)

	res, err := f.app.DeleteFolder(f.ctx, u.ID, work.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MovedSubfolders)
}

func TestBulkReadAndRecount(t *testing.T) {
	f := newFixture(t, nil)
	u := f.connect(t, "a@example.com")
	m1 := testutil.NewTestMessage(t, f.store, u.ID, "r1", "one")
	m2 := testutil.NewTestMessage(t, f.store, u.ID, "r2", "two")

	dir, err := f.app.CreateFolder(f.ctx, u.ID, "Inbox", nil)
	require.NoError(t, err)
	_, err = f.app.BulkMove(f.ctx, u.ID, []string{m1.ID, m2.ID}, &dir.ID)
	require.NoError(t, err)

	n, err := f.app.BulkSetRead(f.ctx, u.ID, []string{m1.ID, m2.ID}, true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, f.app.RecountFolders(f.ctx, u.ID))
	got, err := f.store.GetFolder(f.ctx, u.ID, dir.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalCount)
	assert.Equal(t, 0, got.UnreadCount)

	assert.ErrorIs(t, f.app.RecountFolders(f.ctx, "missing"), store.ErrNotFound)
}
