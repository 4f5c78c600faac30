package classifier

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsort/internal/folder"
	"github.com/nhle/mailsort/internal/jobs"
	"github.com/nhle/mailsort/internal/model"
	"github.com/nhle/mailsort/internal/store"
)

const errNoDecision = "no decision returned"

// Engine runs classification jobs: it batches messages through a
// Classifier and applies each decision in its own transaction.
type Engine struct {
	store      store.Store
	classifier Classifier
	batchSize  int
	pause      time.Duration
	log        logrus.FieldLogger
}

// NewEngine creates a classification engine.
func NewEngine(s store.Store, c Classifier, cfg model.ClassifierConfig, log logrus.FieldLogger) *Engine {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	pause := time.Duration(cfg.BatchPause) * time.Millisecond
	if pause < 0 {
		pause = 0
	}
	return &Engine{
		store:      s,
		classifier: c,
		batchSize:  batchSize,
		pause:      pause,
		log:        log,
	}
}

// Run classifies the given messages of userID. Deleted or unknown ids
// are skipped. The job completes even when some messages fail; only
// cancellation or a storage failure outside a message aborts it.
func (e *Engine) Run(ctx context.Context, userID string, messageIDs []string, rep *jobs.Reporter) error {
	log := e.log.WithField("user_id", userID)

	msgs, err := e.store.GetMessages(ctx, store.MessageFilter{UserID: userID, IDs: messageIDs})
	if err != nil {
		return err
	}
	byID := make(map[string]model.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	var items []Item
	for _, id := range messageIDs {
		if m, ok := byID[id]; ok {
			items = append(items, ItemFromMessage(m))
			delete(byID, id)
		}
	}
	rep.SetTotal(len(items))

	folders, err := e.store.ListFolders(ctx, userID)
	if err != nil {
		return err
	}
	paths := newPathSet(model.NewFolderTree(folders).Paths())

	for start := 0; start < len(items); start += e.batchSize {
		if err := ctx.Err(); err != nil {
			log.Info("classification cancelled")
			return err
		}

		end := start + e.batchSize
		if end > len(items) {
			end = len(items)
		}
		if err := e.runBatch(ctx, userID, items[start:end], paths, rep, log); err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			log.Info("classification cancelled")
			return err
		}
		if end < len(items) {
			if err := sleep(ctx, e.pause); err != nil {
				return err
			}
		}
	}

	log.WithField("total", len(items)).Info("classification complete")
	return nil
}

func (e *Engine) runBatch(
	ctx context.Context,
	userID string,
	batch []Item,
	paths *pathSet,
	rep *jobs.Reporter,
	log logrus.FieldLogger,
) error {
	decisions, err := e.classifier.Classify(ctx, paths.list, batch)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).WithField("batch_size", len(batch)).Warn("classifier batch failed")
		for _, it := range batch {
			rep.Result(jobs.Result{MailID: it.ID, Status: jobs.ResultFailed, Error: err.Error()})
		}
		return nil
	}

	byMail := make(map[string]Decision, len(decisions))
	for _, d := range decisions {
		if _, dup := byMail[d.MailID]; !dup {
			byMail[d.MailID] = d
		}
	}

	for _, it := range batch {
		d, ok := byMail[it.ID]
		if !ok {
			rep.Result(jobs.Result{MailID: it.ID, Status: jobs.ResultFailed, Error: errNoDecision})
			continue
		}

		ref, err := e.apply(ctx, userID, it.ID, d)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).WithField("message_id", it.ID).Warn("failed to apply classification")
			rep.Result(jobs.Result{MailID: it.ID, Status: jobs.ResultFailed, Error: err.Error()})
			continue
		}

		if ref != nil && ref.IsNewFolder {
			rep.FolderCreated()
			paths.addWithAncestors(ref.Path)
		}
		rep.Result(jobs.Result{
			MailID: it.ID,
			Status: jobs.ResultSuccess,
			Folder: ref,
			Reason: d.Reason,
		})
	}
	return nil
}

// apply assigns one message according to d, atomically. The returned
// ref is nil when the message was left unclassified.
func (e *Engine) apply(ctx context.Context, userID, messageID string, d Decision) (*jobs.FolderRef, error) {
	var ref *jobs.FolderRef
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		if model.IsUnclassified(d.FolderPath) {
			if _, err := tx.AssignMessage(ctx, userID, messageID, nil, true); err != nil {
				return err
			}
			return nil
		}

		var (
			f       *model.Folder
			created bool
			err     error
		)
		if d.IsNewFolder {
			f, created, err = folder.ResolveOrCreateTx(ctx, tx, userID, d.FolderPath)
		} else {
			lookup := model.JoinFolderPath(model.SplitFolderPath(d.FolderPath)...)
			f, err = tx.GetFolderByPath(ctx, userID, lookup)
			if errors.Is(err, store.ErrNotFound) {
				f, created, err = folder.ResolveOrCreateTx(ctx, tx, userID, d.FolderPath)
			}
		}
		if err != nil {
			return err
		}

		if _, err := tx.AssignMessage(ctx, userID, messageID, &f.ID, true); err != nil {
			return err
		}
		ref = &jobs.FolderRef{
			ID:          f.ID,
			Name:        f.Name,
			Path:        f.Path,
			IsNewFolder: created,
			Confidence:  d.Confidence,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// pathSet is the folder list offered to the classifier, extended as
// the job creates folders.
type pathSet struct {
	list []string
	seen map[string]bool
}

func newPathSet(paths []string) *pathSet {
	s := &pathSet{seen: make(map[string]bool, len(paths))}
	for _, p := range paths {
		s.add(p)
	}
	return s
}

func (s *pathSet) add(p string) {
	if p == "" || s.seen[p] {
		return
	}
	s.seen[p] = true
	s.list = append(s.list, p)
}

func (s *pathSet) addWithAncestors(path string) {
	segments := model.SplitFolderPath(path)
	for i := range segments {
		s.add(model.JoinFolderPath(segments[:i+1]...))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
