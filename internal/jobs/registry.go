package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsort/internal/model"
)

var (
	// ErrAlreadyRunning is returned by Start when the user already has a
	// live job of the same kind.
	ErrAlreadyRunning = errors.New("a job of this kind is already running for this user")
	ErrJobNotFound    = errors.New("job not found")
	ErrClosed         = errors.New("job registry is closed")
)

// Work is the body of a job. It must return promptly once ctx is done.
type Work func(ctx context.Context, r *Reporter) error

type entry struct {
	rec             Record
	cancel          context.CancelFunc
	cancelRequested bool
	done            chan struct{}
}

// Registry tracks jobs in memory and runs them on a bounded set of
// workers. Records are lost on restart.
type Registry struct {
	mu      gosync.Mutex
	jobs    map[string]*entry
	closed  bool
	wg      gosync.WaitGroup
	sem     chan struct{}
	baseCtx context.Context
	stop    context.CancelFunc

	retention  time.Duration
	maxRecords int
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewRegistry creates a registry from the jobs configuration.
func NewRegistry(cfg model.JobsConfig, log logrus.FieldLogger) *Registry {
	workers := cfg.MaxConcurrent
	if workers <= 0 {
		workers = 4
	}
	retention := time.Duration(cfg.RetentionMin) * time.Minute
	if retention <= 0 {
		retention = time.Hour
	}
	maxRecords := cfg.MaxRecords
	if maxRecords <= 0 {
		maxRecords = 500
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Registry{
		jobs:       make(map[string]*entry),
		sem:        make(chan struct{}, workers),
		baseCtx:    ctx,
		stop:       stop,
		retention:  retention,
		maxRecords: maxRecords,
		log:        log,
		now:        time.Now,
	}
}

// Start allocates a pending job and dispatches work in the background.
// The exclusivity check and the allocation happen under one lock.
func (r *Registry) Start(userID string, kind Kind, syncType SyncType, work Work) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Record{}, ErrClosed
	}

	r.evictLocked()

	for _, e := range r.jobs {
		if e.rec.UserID == userID && e.rec.Kind == kind && !e.rec.State.Terminal() {
			return Record{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, e.rec.ID)
		}
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	e := &entry{
		rec: Record{
			ID:        r.newIDLocked(kind),
			UserID:    userID,
			Kind:      kind,
			SyncType:  syncType,
			State:     StatePending,
			CreatedAt: r.now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.jobs[e.rec.ID] = e

	r.wg.Add(1)
	go r.run(ctx, e, work)

	return e.rec.clone(), nil
}

// Get returns a snapshot of the job's record.
func (r *Registry) Get(jobID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[jobID]
	if !ok {
		return Record{}, false
	}
	return e.rec.clone(), true
}

// Active returns the user's live job of the given kind, if any.
func (r *Registry) Active(userID string, kind Kind) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.jobs {
		if e.rec.UserID == userID && e.rec.Kind == kind && !e.rec.State.Terminal() {
			return e.rec.clone(), true
		}
	}
	return Record{}, false
}

// List returns snapshots of every record for userID, newest first.
func (r *Registry) List(userID string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Record
	for _, e := range r.jobs {
		if userID == "" || e.rec.UserID == userID {
			out = append(out, e.rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel requests cooperative cancellation. Terminal jobs are left as is.
func (r *Registry) Cancel(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if e.rec.State.Terminal() {
		return nil
	}
	e.cancelRequested = true
	e.cancel()
	r.log.WithField("job_id", jobID).Info("job cancellation requested")
	return nil
}

// Wait blocks until the job is terminal or ctx is done.
func (r *Registry) Wait(ctx context.Context, jobID string) (Record, error) {
	r.mu.Lock()
	e, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return Record{}, ErrJobNotFound
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return e.rec.clone(), nil
}

// Close cancels every live job and waits for the workers to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, e := range r.jobs {
		if !e.rec.State.Terminal() {
			e.cancelRequested = true
		}
	}
	r.mu.Unlock()

	r.stop()
	r.wg.Wait()
}

func (r *Registry) run(ctx context.Context, e *entry, work Work) {
	defer r.wg.Done()
	defer e.cancel()
	defer close(e.done)

	log := r.log.WithFields(logrus.Fields{
		"job_id":  e.rec.ID,
		"user_id": e.rec.UserID,
		"kind":    string(e.rec.Kind),
	})

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		r.finish(e, ctx.Err(), log)
		return
	}
	defer func() { <-r.sem }()

	r.mu.Lock()
	started := r.now().UTC()
	e.rec.State = StateInProgress
	e.rec.StartedAt = &started
	r.mu.Unlock()
	log.Info("job started")

	updates := make(chan func(*Record), 64)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for fn := range updates {
			r.mu.Lock()
			fn(&e.rec)
			r.mu.Unlock()
		}
	}()

	err := invoke(ctx, work, &Reporter{updates: updates})
	close(updates)
	<-collected

	r.finish(e, err, log)
}

func invoke(ctx context.Context, work Work, rep *Reporter) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return work(ctx, rep)
}

func (r *Registry) finish(e *entry, err error, log logrus.FieldLogger) {
	r.mu.Lock()
	defer r.mu.Unlock()

	finished := r.now().UTC()
	e.rec.FinishedAt = &finished

	switch {
	case err == nil:
		e.rec.State = StateCompleted
	case e.cancelRequested && errors.Is(err, context.Canceled):
		e.rec.State = StateCancelled
	default:
		e.rec.State = StateFailed
		e.rec.Error = err.Error()
	}

	l := log.WithFields(logrus.Fields{
		"state":     string(e.rec.State),
		"processed": e.rec.Progress.Processed,
		"failed":    e.rec.Progress.Failed,
	})
	if e.rec.State == StateFailed {
		l.WithError(err).Warn("job failed")
	} else {
		l.Info("job finished")
	}
}

// evictLocked drops terminal records past retention, then the oldest
// terminal records beyond maxRecords.
func (r *Registry) evictLocked() {
	cutoff := r.now().Add(-r.retention)

	var terminal []*entry
	for id, e := range r.jobs {
		if !e.rec.State.Terminal() || e.rec.FinishedAt == nil {
			continue
		}
		if e.rec.FinishedAt.Before(cutoff) {
			delete(r.jobs, id)
			continue
		}
		terminal = append(terminal, e)
	}

	if len(terminal) <= r.maxRecords {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].rec.FinishedAt.Before(*terminal[j].rec.FinishedAt)
	})
	for _, e := range terminal[:len(terminal)-r.maxRecords] {
		delete(r.jobs, e.rec.ID)
	}
}

func (r *Registry) newIDLocked(kind Kind) string {
	prefix := "sync_"
	if kind == KindClassification {
		prefix = "cls_"
	}
	for {
		id := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, taken := r.jobs[id]; !taken {
			return id
		}
	}
}
