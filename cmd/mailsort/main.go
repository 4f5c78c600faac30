package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsort/internal/app"
	"github.com/nhle/mailsort/internal/credential"
	"github.com/nhle/mailsort/internal/jobs"
	"github.com/nhle/mailsort/internal/logging"
	"github.com/nhle/mailsort/internal/model"
)

const usage = `usage: mailsort [-config path] <command> [flags]

commands:
  connect   store provider tokens for a mailbox
  sync      synchronize a mailbox and wait for the job
  classify  classify messages and wait for the job
  folders   print the folder tree
  users     list known users
  watch     sync every connected mailbox periodically until interrupted
  recount   rebuild a user's folder counters
  secret    store or remove a keyring secret
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("mailsort", flag.ContinueOnError)
	configPath := global.String("config", model.DefaultConfigPath(), "path to config file")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("missing command")
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	if cmd == "secret" {
		return runSecret(rest)
	}

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log, nil)
	if err != nil {
		return err
	}

	a, err := app.Build(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "connect":
		return runConnect(ctx, a, rest)
	case "sync":
		return runSync(ctx, a, rest, log)
	case "classify":
		return runClassify(ctx, a, rest, log)
	case "folders":
		return runFolders(ctx, a, rest)
	case "users":
		return runUsers(ctx, a)
	case "watch":
		return runWatch(ctx, a, log)
	case "recount":
		return runRecount(ctx, a, rest)
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runConnect(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	email := fs.String("email", "", "mailbox address")
	access := fs.String("access", "", "access token")
	refresh := fs.String("refresh", "", "refresh token")
	expiresIn := fs.Int("expires-in", 0, "access token lifetime in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *access == "" {
		return errors.New("connect requires -email and -access")
	}

	tokens := model.TokenSet{AccessToken: *access, RefreshToken: *refresh}
	if *expiresIn > 0 {
		exp := time.Now().Add(time.Duration(*expiresIn) * time.Second).UTC()
		tokens.Expiry = &exp
	}

	user, err := a.Connect(ctx, *email, tokens)
	if err != nil {
		return err
	}
	return printJSON(user)
}

func runSync(ctx context.Context, a *app.App, args []string, log logrus.FieldLogger) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	userID := fs.String("user", "", "user id")
	full := fs.Bool("full", false, "force a full sync")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("sync requires -user")
	}

	started, err := a.StartSync(ctx, *userID, *full)
	if err != nil {
		return err
	}
	log.WithField("job_id", started.JobID).Info("waiting for sync")

	rec, err := waitOrCancel(ctx, a, started.JobID)
	if err != nil {
		return err
	}
	return printJSON(app.SyncStatus{Record: rec, Percentage: rec.Progress.Percentage()})
}

func runClassify(ctx context.Context, a *app.App, args []string, log logrus.FieldLogger) error {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	userID := fs.String("user", "", "user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("classify requires -user")
	}

	started, err := a.StartClassification(ctx, *userID, fs.Args())
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"job_id": started.JobID,
		"count":  started.Count,
	}).Info("waiting for classification")

	rec, err := waitOrCancel(ctx, a, started.JobID)
	if err != nil {
		return err
	}
	return printJSON(app.ClassificationStatus{Record: rec, Summary: rec.Summary()})
}

func runFolders(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("folders", flag.ContinueOnError)
	userID := fs.String("user", "", "user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("folders requires -user")
	}

	tree, err := a.FolderTree(ctx, *userID)
	if err != nil {
		return err
	}
	return printJSON(tree)
}

func runUsers(ctx context.Context, a *app.App) error {
	users, err := a.Users(ctx)
	if err != nil {
		return err
	}
	return printJSON(users)
}

func runWatch(ctx context.Context, a *app.App, log logrus.FieldLogger) error {
	p := a.Poller()
	p.Start(ctx)
	log.Info("watching mailboxes, interrupt to stop")

	<-ctx.Done()
	p.Stop()
	return printJSON(p.Statuses())
}

func runRecount(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("recount", flag.ContinueOnError)
	userID := fs.String("user", "", "user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("recount requires -user")
	}

	if err := a.RecountFolders(ctx, *userID); err != nil {
		return err
	}
	tree, err := a.FolderTree(ctx, *userID)
	if err != nil {
		return err
	}
	return printJSON(tree)
}

// runSecret manages keyring entries without opening the database.
func runSecret(args []string) error {
	fs := flag.NewFlagSet("secret", flag.ContinueOnError)
	name := fs.String("name", credential.KeyClassifierAPI, "keyring entry")
	value := fs.String("value", "", "value to store")
	remove := fs.Bool("delete", false, "remove the entry")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !credential.Known(*name) {
		return fmt.Errorf("%w: %q", credential.ErrUnknownSecret, *name)
	}

	if *remove {
		return credential.Delete(*name)
	}
	if *value == "" {
		return errors.New("secret requires -value or -delete")
	}
	return credential.Set(*name, *value)
}

// waitOrCancel waits for jobID. On interrupt it cancels the job and
// waits for it to wind down.
func waitOrCancel(ctx context.Context, a *app.App, jobID string) (jobs.Record, error) {
	rec, err := a.Wait(ctx, jobID)
	if err == nil {
		return rec, nil
	}
	if ctx.Err() == nil {
		return jobs.Record{}, err
	}

	if err := a.Jobs().Cancel(jobID); err != nil {
		return jobs.Record{}, err
	}
	return a.Wait(context.Background(), jobID)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
