package app

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsort/internal/classifier"
	"github.com/nhle/mailsort/internal/folder"
	"github.com/nhle/mailsort/internal/jobs"
	"github.com/nhle/mailsort/internal/model"
	"github.com/nhle/mailsort/internal/source"
	"github.com/nhle/mailsort/internal/store"
	appsync "github.com/nhle/mailsort/internal/sync"
)

var (
	// ErrNoItems is returned when a classification request selects no
	// messages.
	ErrNoItems = errors.New("no messages to classify")

	// ErrClassifierUnavailable is returned when no classifier is configured.
	ErrClassifierUnavailable = errors.New("classifier is not configured")
)

// MailProvider is the per-user provider client the app needs.
type MailProvider interface {
	appsync.Mailbox
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// ProviderFunc returns the provider client for a user.
type ProviderFunc func(userID string) MailProvider

// Deps are the collaborators of an App.
type Deps struct {
	Store      store.Store
	Registry   *jobs.Registry
	Provider   ProviderFunc
	Tokens     source.TokenStore
	Classifier classifier.Classifier
	Config     *model.AppConfig
	Log        logrus.FieldLogger
}

// App is the control surface: it starts and observes jobs, and exposes
// the mailbox and folder operations that keep counters consistent.
type App struct {
	store       store.Store
	registry    *jobs.Registry
	provider    ProviderFunc
	tokens      source.TokenStore
	syncer      *appsync.Engine
	classifier  *classifier.Engine
	folders     *folder.Service
	maxClassify int
	syncCfg     model.SyncConfig
	log         logrus.FieldLogger
}

// New wires an App from its dependencies.
func New(d Deps) *App {
	cfg := d.Config
	if cfg == nil {
		cfg = model.DefaultAppConfig()
	}
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	registry := d.Registry
	if registry == nil {
		registry = jobs.NewRegistry(cfg.Jobs, log)
	}

	mailbox := func(userID string) appsync.Mailbox { return d.Provider(userID) }

	a := &App{
		store:       d.Store,
		registry:    registry,
		provider:    d.Provider,
		tokens:      d.Tokens,
		syncer:      appsync.NewEngine(d.Store, mailbox, cfg.Sync, log.WithField("component", "sync")),
		folders:     folder.NewService(d.Store, log.WithField("component", "folder")),
		maxClassify: cfg.Classifier.MaxMessages,
		syncCfg:     cfg.Sync,
		log:         log,
	}
	if a.maxClassify <= 0 {
		a.maxClassify = 20
	}
	if d.Classifier != nil {
		a.classifier = classifier.NewEngine(d.Store, d.Classifier, cfg.Classifier,
			log.WithField("component", "classifier"))
	}
	return a
}

// Folders exposes the folder service.
func (a *App) Folders() *folder.Service {
	return a.folders
}

// Jobs exposes the job registry.
func (a *App) Jobs() *jobs.Registry {
	return a.registry
}

// Connect stores provider tokens for the user with email, creating the
// user on first use.
func (a *App) Connect(ctx context.Context, email string, tokens model.TokenSet) (*model.User, error) {
	user, err := a.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		user, err = a.store.CreateUser(ctx, email)
	}
	if err != nil {
		return nil, err
	}

	if tokens.Expiry != nil {
		exp := tokens.Expiry.UTC()
		tokens.Expiry = &exp
	}
	if err := a.tokens.SaveTokens(ctx, user.ID, tokens); err != nil {
		return nil, err
	}

	a.log.WithField("user_id", user.ID).Info("mail account connected")
	return a.store.GetUser(ctx, user.ID)
}

// Wait blocks until jobID is terminal.
func (a *App) Wait(ctx context.Context, jobID string) (jobs.Record, error) {
	return a.registry.Wait(ctx, jobID)
}

// Close cancels running jobs and closes the store.
func (a *App) Close() error {
	a.registry.Close()
	return a.store.Close()
}

// Users lists every known user.
func (a *App) Users(ctx context.Context) ([]model.User, error) {
	return a.store.ListUsers(ctx)
}

// Poller returns a poller that periodically starts a sync for every
// connected user.
func (a *App) Poller() *appsync.Poller {
	trigger := func(ctx context.Context, userID string) (string, error) {
		started, err := a.StartSync(ctx, userID, false)
		if err != nil {
			return "", err
		}
		return started.JobID, nil
	}
	return appsync.NewPoller(a.store, trigger, a.syncCfg, a.log.WithField("component", "poller"))
}
