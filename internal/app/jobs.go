package app

import (
	"context"
	"time"

	"github.com/nhle/mailsort/internal/jobs"
	"github.com/nhle/mailsort/internal/model"
	"github.com/nhle/mailsort/internal/source"
	"github.com/nhle/mailsort/internal/store"
	appsync "github.com/nhle/mailsort/internal/sync"
)

// SyncStarted is returned when a sync job has been accepted.
type SyncStarted struct {
	JobID     string        `json:"sync_id"`
	Type      jobs.SyncType `json:"type"`
	StartedAt time.Time     `json:"started_at"`
}

// SyncStatus is a snapshot of a sync job.
type SyncStatus struct {
	jobs.Record
	Percentage float64 `json:"percentage"`
}

// ClassificationStarted is returned when a classification job has been
// accepted.
type ClassificationStarted struct {
	JobID     string    `json:"classification_id"`
	Count     int       `json:"mail_count"`
	StartedAt time.Time `json:"started_at"`
}

// ClassificationStatus is a snapshot of a classification job.
type ClassificationStatus struct {
	jobs.Record
	Summary jobs.Summary `json:"summary"`
}

// StartSync starts a sync for userID. full forces a full sync; a user
// that never completed one gets a full sync regardless.
func (a *App) StartSync(ctx context.Context, userID string, full bool) (*SyncStarted, error) {
	user, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Connected() {
		return nil, &source.AuthError{UserID: userID, Kind: source.ErrNotConnected}
	}

	mode := appsync.Mode(user, full)
	rec, err := a.registry.Start(userID, jobs.KindSync, mode, func(ctx context.Context, rep *jobs.Reporter) error {
		return a.syncer.Run(ctx, userID, full, rep)
	})
	if err != nil {
		return nil, err
	}

	a.log.WithField("user_id", userID).
		WithField("job_id", rec.ID).
		WithField("type", string(mode)).
		Info("sync requested")
	return &SyncStarted{JobID: rec.ID, Type: mode, StartedAt: rec.CreatedAt}, nil
}

// SyncStatus returns the state of one of userID's sync jobs.
func (a *App) SyncStatus(userID, jobID string) (*SyncStatus, error) {
	rec, err := a.job(userID, jobID, jobs.KindSync)
	if err != nil {
		return nil, err
	}
	return &SyncStatus{Record: rec, Percentage: rec.Progress.Percentage()}, nil
}

// StopSync requests cancellation of a sync job.
func (a *App) StopSync(userID, jobID string) error {
	if _, err := a.job(userID, jobID, jobs.KindSync); err != nil {
		return err
	}
	return a.registry.Cancel(jobID)
}

// StartClassification classifies messageIDs, or the user's unclassified
// messages when messageIDs is empty. Either way at most the configured
// number of messages is taken.
func (a *App) StartClassification(ctx context.Context, userID string, messageIDs []string) (*ClassificationStarted, error) {
	if a.classifier == nil {
		return nil, ErrClassifierUnavailable
	}
	if _, err := a.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	targets, err := a.classificationTargets(ctx, userID, messageIDs)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, ErrNoItems
	}

	rec, err := a.registry.Start(userID, jobs.KindClassification, "", func(ctx context.Context, rep *jobs.Reporter) error {
		return a.classifier.Run(ctx, userID, targets, rep)
	})
	if err != nil {
		return nil, err
	}

	a.log.WithField("user_id", userID).
		WithField("job_id", rec.ID).
		WithField("count", len(targets)).
		Info("classification requested")
	return &ClassificationStarted{JobID: rec.ID, Count: len(targets), StartedAt: rec.CreatedAt}, nil
}

func (a *App) classificationTargets(ctx context.Context, userID string, messageIDs []string) ([]string, error) {
	if len(messageIDs) == 0 {
		unclassified := false
		msgs, err := a.store.GetMessages(ctx, store.MessageFilter{
			UserID:     userID,
			Classified: &unclassified,
			Limit:      a.maxClassify,
		})
		if err != nil {
			return nil, err
		}
		return messageIDsOf(msgs), nil
	}

	msgs, err := a.store.GetMessages(ctx, store.MessageFilter{UserID: userID, IDs: messageIDs})
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		owned[m.ID] = true
	}

	var targets []string
	for _, id := range messageIDs {
		if !owned[id] {
			continue
		}
		owned[id] = false
		targets = append(targets, id)
		if len(targets) == a.maxClassify {
			break
		}
	}
	return targets, nil
}

// ClassificationStatus returns the state of one of userID's
// classification jobs.
func (a *App) ClassificationStatus(userID, jobID string) (*ClassificationStatus, error) {
	rec, err := a.job(userID, jobID, jobs.KindClassification)
	if err != nil {
		return nil, err
	}
	return &ClassificationStatus{Record: rec, Summary: rec.Summary()}, nil
}

// StopClassification requests cancellation of a classification job.
func (a *App) StopClassification(userID, jobID string) error {
	if _, err := a.job(userID, jobID, jobs.KindClassification); err != nil {
		return err
	}
	return a.registry.Cancel(jobID)
}

// job returns jobID if it belongs to userID and is of kind. Other users'
// jobs are reported as not found.
func (a *App) job(userID, jobID string, kind jobs.Kind) (jobs.Record, error) {
	rec, ok := a.registry.Get(jobID)
	if !ok || rec.Kind != kind || (userID != "" && rec.UserID != userID) {
		return jobs.Record{}, jobs.ErrJobNotFound
	}
	return rec, nil
}

func messageIDsOf(msgs []model.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
