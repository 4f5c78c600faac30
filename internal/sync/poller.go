package sync

import (
	"context"
	"errors"
	"sort"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsort/internal/jobs"
	"github.com/nhle/mailsort/internal/model"
	"github.com/nhle/mailsort/internal/source"
)

// listTimeout bounds the user listing done at the start of each poll.
const listTimeout = 30 * time.Second

// TriggerFunc starts a sync job for userID and returns its id.
type TriggerFunc func(ctx context.Context, userID string) (string, error)

// UserLister lists the users the poller considers.
type UserLister interface {
	ListUsers(ctx context.Context) ([]model.User, error)
}

// PollStatus is the outcome of the last poll of one user.
type PollStatus struct {
	UserID    string    `json:"user_id"`
	LastJobID string    `json:"last_job_id,omitempty"`
	LastPoll  time.Time `json:"last_poll"`
	Skipped   bool      `json:"skipped"`
	Error     string    `json:"error,omitempty"`
}

// Poller periodically starts a sync for every connected user. It only
// triggers jobs; the registry runs them and enforces one live sync per
// user, so a poll that finds a sync still running is skipped.
type Poller struct {
	users    UserLister
	trigger  TriggerFunc
	interval time.Duration
	log      logrus.FieldLogger

	mu        gosync.Mutex
	statuses  map[string]*PollStatus
	running   bool
	triggerCh chan string
	stopCh    chan struct{}
	done      chan struct{}
}

// NewPoller creates a poller that polls every cfg.PollIntervalSec.
func NewPoller(users UserLister, trigger TriggerFunc, cfg model.SyncConfig, log logrus.FieldLogger) *Poller {
	interval := time.Duration(cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Poller{
		users:     users,
		trigger:   trigger,
		interval:  interval,
		log:       log,
		statuses:  make(map[string]*PollStatus),
		triggerCh: make(chan string, 16),
	}
}

// Start polls once immediately and then on every tick until Stop is
// called or ctx is done. Calling Start on a running poller does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})

	go p.loop(ctx, p.stopCh, p.done)
}

// Stop halts the loop and waits for an in-flight poll to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.done
	p.mu.Unlock()

	<-done
}

// RefreshAll requests an immediate poll of every connected user.
func (p *Poller) RefreshAll() {
	p.RefreshUser("")
}

// RefreshUser requests an immediate poll of one user. An empty id means
// every user.
func (p *Poller) RefreshUser(userID string) {
	select {
	case p.triggerCh <- userID:
	default:
		// A poll is already queued.
	}
}

// Statuses returns the last poll outcome of every user seen, ordered by
// user id.
func (p *Poller) Statuses() []PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PollStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (p *Poller) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx, "")

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.poll(ctx, "")
		case userID := <-p.triggerCh:
			p.poll(ctx, userID)
		}
	}
}

// poll triggers a sync for each connected user, or only for userID
// when it is set.
func (p *Poller) poll(ctx context.Context, userID string) {
	listCtx, cancel := context.WithTimeout(ctx, listTimeout)
	users, err := p.users.ListUsers(listCtx)
	cancel()
	if err != nil {
		p.log.WithError(err).Error("poll: listing users")
		return
	}

	for _, u := range users {
		if userID != "" && u.ID != userID {
			continue
		}
		if !u.Connected() {
			continue
		}
		p.triggerUser(ctx, u.ID)
	}
}

func (p *Poller) triggerUser(ctx context.Context, userID string) {
	log := p.log.WithField("user_id", userID)
	status := PollStatus{UserID: userID, LastPoll: time.Now().UTC()}

	jobID, err := p.trigger(ctx, userID)
	switch {
	case err == nil:
		status.LastJobID = jobID
		log.WithField("job_id", jobID).Debug("poll: sync started")
	case errors.Is(err, jobs.ErrAlreadyRunning):
		status.Skipped = true
		log.Debug("poll: sync already running")
	case source.IsAuthError(err):
		status.Error = err.Error()
		log.WithError(err).Warn("poll: mailbox needs reconnecting")
	default:
		status.Error = err.Error()
		log.WithError(err).Error("poll: starting sync")
	}

	p.mu.Lock()
	if prev, ok := p.statuses[userID]; ok && status.Skipped {
		status.LastJobID = prev.LastJobID
	}
	p.statuses[userID] = &status
	p.mu.Unlock()
}
