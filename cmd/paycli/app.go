package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/nkiryanov/safepay/internal/amount"
	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/models"
	"github.com/nkiryanov/safepay/internal/repository/boltstore"
	"github.com/nkiryanov/safepay/internal/service/challenge"
	"github.com/nkiryanov/safepay/internal/service/coordinator"
	"github.com/nkiryanov/safepay/internal/service/recovery"
	"github.com/nkiryanov/safepay/internal/service/remote"
)

const usage = `usage: paycli [flags] <command> [args]

commands:
  submit <amount> [--recipient R] [--description D]
  retry <id>
  verify <id> <code>
  cancel <id>
  status <id>
  pending
  challenges
  history
  archive
  recover
  watch [--interval D] [--min-age D] [--workers N]`

var errUsage = errors.New(usage)

type resultLine struct {
	Transaction models.Transaction `json:"transaction"`
	Message     string             `json:"message,omitempty"`
	Error       string             `json:"error,omitempty"`
}

type statusLine struct {
	Transaction models.Transaction `json:"transaction"`
	Found       bool               `json:"found"`
	SafeToRetry bool               `json:"safeToRetry"`
	Error       string             `json:"error,omitempty"`
}

type archiveLine struct {
	Archived int `json:"archived"`
}

// App runs one command against the local store and the payment service
type App struct {
	coordinator *coordinator.Coordinator
	store       *boltstore.Storage
	broker      *challenge.Broker

	in     io.Reader
	out    *json.Encoder
	prompt io.Writer
	logger logger.Logger
}

func NewApp(c *Config, stdin io.Reader, stdout, stderr io.Writer) (*App, error) {
	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	store, err := boltstore.Open(c.StorePath, logger)
	if err != nil {
		return nil, fmt.Errorf("error while opening store %s: %w", c.StorePath, err)
	}

	app := &App{
		store:  store,
		in:     stdin,
		out:    json.NewEncoder(stdout),
		prompt: stderr,
		logger: logger,
	}

	// Without a code provider challenges end the call and wait for the verify command
	var codes remote.CodeProvider
	if c.Interactive {
		app.broker = challenge.NewBroker(logger)
		codes = app.broker
	}

	client := remote.NewClient(c.RemoteAddr, c.Timeout, codes, logger)

	app.coordinator, err = coordinator.New(coordinator.Config{}, store, client, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return app, nil
}

func (a *App) Close() error {
	a.coordinator.Close()
	return a.store.Close()
}

// Exec runs the command. Interrupted or failed operations still print the latest snapshot.
func (a *App) Exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	if a.broker != nil {
		promptCtx, stop := context.WithCancel(ctx)
		defer stop()
		go a.answerPrompts(promptCtx)
	}

	command, args := args[0], args[1:]

	if command != "recover" && command != "watch" {
		a.recoverOnStart(ctx)
	}

	switch command {
	case "submit":
		return a.submit(ctx, args)

	case "retry":
		id, err := oneArg(command, args)
		if err != nil {
			return err
		}
		return a.printResult(a.coordinator.Retry(ctx, id))

	case "verify":
		if len(args) != 2 {
			return fmt.Errorf("verify expects <id> <code>\n%w", errUsage)
		}
		return a.printResult(a.coordinator.VerifyAndComplete(ctx, args[0], args[1]))

	case "cancel":
		id, err := oneArg(command, args)
		if err != nil {
			return err
		}
		tx, err := a.coordinator.Cancel(ctx, id)
		return a.printResult(coordinator.Result{Transaction: tx}, err)

	case "status":
		id, err := oneArg(command, args)
		if err != nil {
			return err
		}
		report, err := a.coordinator.QueryStatus(ctx, id)
		return a.printStatus(report, err)

	case "pending":
		return a.printList(a.coordinator.ListPending(ctx))

	case "challenges":
		return a.printList(a.coordinator.ListAwaitingChallenge(ctx))

	case "history":
		return a.printList(a.coordinator.ListHistory(ctx))

	case "archive":
		n, err := a.coordinator.ArchiveCompleted(ctx)
		if err != nil {
			return err
		}
		return a.out.Encode(archiveLine{Archived: n})

	case "recover":
		reports, err := a.coordinator.Recover(ctx)
		for _, r := range reports {
			if encErr := a.out.Encode(statusLine{Transaction: r.Transaction, Found: r.Found, SafeToRetry: r.SafeToRetry}); encErr != nil {
				return encErr
			}
		}
		return err

	case "watch":
		return a.watch(ctx, args)

	default:
		return fmt.Errorf("unknown command %q\n%w", command, errUsage)
	}
}

func (a *App) submit(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("submit", pflag.ContinueOnError)
	recipient := fs.String("recipient", "", "Transfer recipient")
	description := fs.String("description", "", "Free-form description")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("submit expects <amount>\n%w", errUsage)
	}

	amt, err := amount.FromString(fs.Arg(0))
	if err != nil {
		return err
	}

	return a.printResult(a.coordinator.Submit(ctx, amt, *recipient, *description))
}

// watch keeps reconciling stale pending records and prints every state change until ctx ends
func (a *App) watch(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	interval := fs.Duration("interval", 10*time.Second, "Pause between pending scans")
	minAge := fs.Duration("min-age", 30*time.Second, "Reconcile records pending for at least this long")
	workers := fs.Int("workers", 2, "Concurrent status queries")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *minAge == 0 {
		// zero means the processor default, pass a negative age to reconcile at once
		*minAge = -1
	}

	updates, unsubscribe := a.coordinator.Subscribe()
	defer unsubscribe()

	processor := recovery.New(recovery.Config{
		Workers:  *workers,
		Interval: *interval,
		MinAge:   *minAge,
	}, a.coordinator, a.logger)
	stopped := processor.Process(ctx)

	for {
		select {
		case tx, ok := <-updates:
			if !ok {
				return nil
			}
			if err := a.out.Encode(tx); err != nil {
				return err
			}
		case <-stopped:
			return nil
		}
	}
}

// recoverOnStart settles records left pending by an earlier interrupted run.
// Failures are not fatal: the records stay pending until the next start.
func (a *App) recoverOnStart(ctx context.Context) {
	reports, err := a.coordinator.Recover(ctx)
	if len(reports) > 0 {
		a.logger.Info("Recovered pending transactions", "count", len(reports))
	}
	if err != nil {
		a.logger.Warn("Recovery incomplete", "error", err)
	}
}

// answerPrompts reads one line per verification prompt; an empty line or closed input declines it.
// Prompts still open when ctx ends are declined.
func (a *App) answerPrompts(ctx context.Context) {
	defer a.broker.CancelAll()

	lines := readLines(ctx, a.in)

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-a.broker.Prompts():
			_, _ = fmt.Fprintf(a.prompt, "Verification required for %s (%s): ", p.ClientID, p.Kind)

			select {
			case <-ctx.Done():
				p.Cancel()
				return
			case <-p.Done():
				// the caller gave up waiting
			case line, ok := <-lines:
				code := strings.TrimSpace(line)
				if !ok || code == "" {
					p.Cancel()
					continue
				}
				p.Resolve(code)
			}
		}
	}
}

// readLines feeds input lines to a channel that is closed at EOF.
// A read blocked on a terminal outlives ctx; the goroutine ends with the process.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)

	go func() {
		defer close(out)

		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (a *App) printResult(res coordinator.Result, err error) error {
	if res.Transaction.ClientID == "" {
		return err
	}

	line := resultLine{Transaction: res.Transaction, Message: res.Message}
	if err != nil {
		line.Error = err.Error()
	}
	if encErr := a.out.Encode(line); encErr != nil {
		return encErr
	}

	return err
}

func (a *App) printStatus(report coordinator.StatusReport, err error) error {
	if report.Transaction.ClientID == "" {
		return err
	}

	line := statusLine{Transaction: report.Transaction, Found: report.Found, SafeToRetry: report.SafeToRetry}
	if err != nil {
		line.Error = err.Error()
	}
	if encErr := a.out.Encode(line); encErr != nil {
		return encErr
	}

	return err
}

func (a *App) printList(items []models.Transaction, err error) error {
	if err != nil {
		return err
	}

	for _, tx := range items {
		if err := a.out.Encode(tx); err != nil {
			return err
		}
	}
	return nil
}

func oneArg(command string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s expects <id>\n%w", command, errUsage)
	}
	return args[0], nil
}
