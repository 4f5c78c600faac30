package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/nhle/mailsort/internal/jobs"
	"github.com/nhle/mailsort/internal/model"
	"github.com/nhle/mailsort/internal/source"
	"github.com/nhle/mailsort/internal/source/gmail"
	"github.com/nhle/mailsort/internal/store"
)

// ErrCursorInvalid means the stored history cursor is no longer known to
// the provider. The next sync falls back to a full sync.
var ErrCursorInvalid = errors.New("sync cursor is no longer valid")

// CursorResetError reports that the cursor was replaced by the
// provider's current history id after the old one expired.
type CursorResetError struct {
	UserID    string
	OldCursor string
	NewCursor string
}

func (e *CursorResetError) Error() string {
	return fmt.Sprintf("sync cursor %s for %s expired, reset to %s; run a full sync",
		e.OldCursor, e.UserID, e.NewCursor)
}

func (e *CursorResetError) Unwrap() error {
	return ErrCursorInvalid
}

// Mailbox is the slice of the provider client the engine uses.
type Mailbox interface {
	ListMessages(ctx context.Context, query string, maxResults int64, pageToken string) (*gmailapi.ListMessagesResponse, error)
	GetMessage(ctx context.Context, id string) (*gmailapi.Message, error)
	GetHistory(ctx context.Context, startHistoryID string, historyTypes ...string) (*gmailapi.ListHistoryResponse, error)
	GetProfile(ctx context.Context) (*gmailapi.Profile, error)
}

// MailboxFunc returns the provider client for a user.
type MailboxFunc func(userID string) Mailbox

// Engine replicates a user's provider mailbox into the store.
type Engine struct {
	store   store.Store
	mailbox MailboxFunc
	cfg     model.SyncConfig
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewEngine creates a sync engine.
func NewEngine(s store.Store, mailbox MailboxFunc, cfg model.SyncConfig, log logrus.FieldLogger) *Engine {
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 180
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	return &Engine{
		store:   s,
		mailbox: mailbox,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// Mode picks the sync type for u. A full sync is forced until the
// initial sync has completed and a cursor exists.
func Mode(u *model.User, full bool) jobs.SyncType {
	if full || !u.InitialSyncDone || u.SyncCursor == "" {
		return jobs.SyncInitial
	}
	return jobs.SyncIncremental
}

// Run performs one sync for userID and reports per-message progress.
func (e *Engine) Run(ctx context.Context, userID string, full bool, rep *jobs.Reporter) error {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}

	mb := e.mailbox(userID)
	log := e.log.WithField("user_id", userID)

	if Mode(user, full) == jobs.SyncInitial {
		log.Info("starting full sync")
		return e.fullSync(ctx, user, mb, rep, log)
	}
	log.WithField("cursor", user.SyncCursor).Info("starting incremental sync")
	return e.incrementalSync(ctx, user, mb, rep, log)
}

func (e *Engine) fullSync(
	ctx context.Context,
	user *model.User,
	mb Mailbox,
	rep *jobs.Reporter,
	log logrus.FieldLogger,
) error {
	after := e.now().UTC().AddDate(0, 0, -e.cfg.LookbackDays)
	query := "after:" + after.Format("2006/01/02")

	var remote []string
	pageToken := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := mb.ListMessages(ctx, query, int64(e.cfg.PageSize), pageToken)
		if err != nil {
			return fmt.Errorf("listing remote messages: %w", err)
		}
		for _, m := range page.Messages {
			remote = append(remote, m.Id)
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	known, err := e.store.MessageRemoteIDs(ctx, user.ID)
	if err != nil {
		return err
	}
	pending := missing(remote, known)
	rep.SetTotal(len(pending))
	log.WithFields(logrus.Fields{
		"remote":  len(remote),
		"pending": len(pending),
	}).Info("full sync listing complete")

	for start := 0; start < len(pending); start += e.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + e.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		for _, id := range pending[start:end] {
			if err := e.ingest(ctx, user.ID, mb, id, rep, log); err != nil {
				return err
			}
		}
	}

	profile, err := mb.GetProfile(ctx)
	if err != nil {
		return fmt.Errorf("reading history position: %w", err)
	}
	cursor := formatHistoryID(profile.HistoryId)
	if err := e.store.CompleteSync(ctx, user.ID, cursor, e.now().UTC()); err != nil {
		return err
	}
	log.WithField("cursor", cursor).Info("full sync complete")
	return nil
}

func (e *Engine) incrementalSync(
	ctx context.Context,
	user *model.User,
	mb Mailbox,
	rep *jobs.Reporter,
	log logrus.FieldLogger,
) error {
	history, err := mb.GetHistory(ctx, user.SyncCursor, gmail.HistoryMessageAdded)
	if err != nil {
		if source.IsNotFound(err) {
			return e.resetCursor(ctx, user, mb, log)
		}
		return fmt.Errorf("reading history: %w", err)
	}

	var added []string
	seen := make(map[string]bool)
	for _, h := range history.History {
		for _, ma := range h.MessagesAdded {
			if ma.Message == nil || seen[ma.Message.Id] {
				continue
			}
			if !gmail.HasLabel(ma.Message, gmail.LabelInbox) {
				continue
			}
			seen[ma.Message.Id] = true
			added = append(added, ma.Message.Id)
		}
	}

	known, err := e.store.MessageRemoteIDs(ctx, user.ID)
	if err != nil {
		return err
	}
	pending := missing(added, known)
	rep.SetTotal(len(pending))

	for _, id := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.ingest(ctx, user.ID, mb, id, rep, log); err != nil {
			return err
		}
	}

	cursor := user.SyncCursor
	if history.HistoryId != 0 {
		cursor = formatHistoryID(history.HistoryId)
	}
	if err := e.store.AdvanceCursor(ctx, user.ID, cursor, e.now().UTC()); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"new":    len(pending),
		"cursor": cursor,
	}).Info("incremental sync complete")
	return nil
}

// resetCursor replaces an expired cursor with the provider's current
// position and fails the job with a CursorResetError.
func (e *Engine) resetCursor(ctx context.Context, user *model.User, mb Mailbox, log logrus.FieldLogger) error {
	log.WithField("cursor", user.SyncCursor).Warn("history cursor expired")

	profile, err := mb.GetProfile(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading current history position: %v", ErrCursorInvalid, err)
	}
	cursor := formatHistoryID(profile.HistoryId)
	if err := e.store.ResetCursor(ctx, user.ID, cursor); err != nil {
		return fmt.Errorf("%w: %v", ErrCursorInvalid, err)
	}
	return &CursorResetError{UserID: user.ID, OldCursor: user.SyncCursor, NewCursor: cursor}
}

// ingest fetches and stores one message. Only auth failures and
// cancellation are returned; anything else is counted and logged.
func (e *Engine) ingest(
	ctx context.Context,
	userID string,
	mb Mailbox,
	remoteID string,
	rep *jobs.Reporter,
	log logrus.FieldLogger,
) error {
	raw, err := mb.GetMessage(ctx, remoteID)
	if err == nil {
		msg := gmail.ParseMessage(raw)
		msg.UserID = userID
		err = e.store.UpsertMessage(ctx, &msg)
	}
	if err == nil {
		rep.Succeeded()
		return nil
	}

	if source.IsAuthError(err) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	rep.Failed()
	log.WithError(err).WithField("remote_id", remoteID).Warn("failed to sync message")
	return nil
}

// missing returns the distinct ids not present in known, in order.
func missing(ids []string, known map[string]bool) []string {
	var out []string
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if known[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func formatHistoryID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
