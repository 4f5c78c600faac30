package app

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsort/internal/classifier"
	"github.com/nhle/mailsort/internal/credential"
	"github.com/nhle/mailsort/internal/jobs"
	"github.com/nhle/mailsort/internal/model"
	"github.com/nhle/mailsort/internal/source/gmail"
	"github.com/nhle/mailsort/internal/store"
)

// Build opens the store and wires the production collaborators from cfg.
// Secrets not present in cfg are read from the system keyring.
func Build(cfg *model.AppConfig, log *logrus.Logger) (*App, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	passphrase, err := credential.Resolve(cfg.Security.Passphrase, credential.KeyTokenPassphrase, true)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("resolving token passphrase: %w", err)
	}
	cipher, err := credential.NewCipher(passphrase, cfg.Security.Salt)
	if err != nil {
		s.Close()
		return nil, err
	}
	vault := credential.NewVault(s, cipher)

	provider := gmail.NewService(gmail.ConfigFrom(cfg.Provider), vault, log.WithField("component", "gmail"))

	return New(Deps{
		Store:      s,
		Registry:   jobs.NewRegistry(cfg.Jobs, log.WithField("component", "jobs")),
		Provider:   func(userID string) MailProvider { return provider.ForUser(userID) },
		Tokens:     vault,
		Classifier: createClassifier(cfg.Classifier, log),
		Config:     cfg,
		Log:        log,
	}), nil
}

// createClassifier builds the Anthropic classifier, loading the API key
// from the keyring when the configuration has none. It returns nil when
// no key is available.
func createClassifier(cfg model.ClassifierConfig, log *logrus.Logger) classifier.Classifier {
	key, err := credential.Resolve(cfg.APIKey, credential.KeyClassifierAPI, false)
	if err != nil {
		log.WithError(err).Warn("classifier API key not found, classification disabled")
		return nil
	}
	cfg.APIKey = key
	return classifier.NewAnthropic(cfg, log.WithField("component", "anthropic"))
}
