// Package coordinator drives transactions through their lifecycle against the remote service.
//
// Every mutation of one client id runs under a per-id lock: the new state is persisted
// first, then the remote call is made, then the outcome is persisted and published.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nkiryanov/safepay/internal/amount"
	"github.com/nkiryanov/safepay/internal/apperrors"
	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/metrics"
	"github.com/nkiryanov/safepay/internal/models"
	"github.com/nkiryanov/safepay/internal/repository"
	"github.com/nkiryanov/safepay/internal/service/remote"
)

const defaultTimeoutMessage = "Gateway timeout"

var validate = validator.New()

// submitInput bounds the free-form fields a transaction carries
type submitInput struct {
	Recipient   string `validate:"max=256"`
	Description string `validate:"max=512"`
}

// Remote is the payment service as seen by the coordinator; *remote.Client implements it
type Remote interface {
	Submit(ctx context.Context, tx models.Transaction) (remote.SubmitResult, error)
	Verify(ctx context.Context, clientID, code string) (remote.VerifyResult, error)
	Status(ctx context.Context, clientID string) (remote.StatusResult, error)
}

type Config struct {
	// Clock for timestamps, time.Now by default
	Clock func() time.Time

	// Client id generator, random UUID by default
	NewID func() string
}

// Result is the latest snapshot of the transaction after an operation.
// It is returned together with the error too, when a snapshot exists.
type Result struct {
	Transaction models.Transaction
	Message     string
}

// StatusReport is the answer of a status query
type StatusReport struct {
	Transaction models.Transaction

	// The remote service has applied the debit
	Found bool

	// The remote service never applied the debit, sending it again cannot double charge
	SafeToRetry bool
}

type Coordinator struct {
	store  repository.TransactionStore
	remote Remote
	locks  *keyLocker
	bus    *Bus
	now    func() time.Time
	newID  func() string
	logger logger.Logger
}

func New(cfg Config, store repository.TransactionStore, r Remote, l logger.Logger) (*Coordinator, error) {
	if store == nil || r == nil {
		return nil, errors.New("store and remote must not be nil")
	}

	c := &Coordinator{
		store:  store,
		remote: r,
		locks:  newKeyLocker(),
		bus:    NewBus(),
		now:    cfg.Clock,
		newID:  cfg.NewID,
		logger: l,
	}

	if c.now == nil {
		c.now = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}

	return c, nil
}

// Subscribe to state changes. Snapshots of one client id arrive in transition order.
func (c *Coordinator) Subscribe() (<-chan models.Transaction, func()) {
	return c.bus.Subscribe()
}

// Close stops notifications; subscriber channels are closed
func (c *Coordinator) Close() {
	c.bus.Close()
}

// Submit creates a transaction with a fresh client id, persists it as pending and sends it
func (c *Coordinator) Submit(ctx context.Context, amt amount.Amount, recipient, description string) (Result, error) {
	if !amt.IsPositive() {
		return Result{}, &apperrors.ValidationError{Reason: fmt.Sprintf("amount must be positive, got %s", amt)}
	}
	if err := checkInput(recipient, description); err != nil {
		return Result{}, err
	}

	id := c.newID()

	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return Result{}, &apperrors.NetworkFailure{ClientID: id, Message: "submission interrupted before sending", Err: err}
	}
	defer unlock()

	now := c.now()
	tx, err := models.NewTransaction(id, amt, recipient, description, now).Apply(models.Submitted{}, now)
	if err != nil {
		return Result{}, err
	}

	// Nothing is sent unless the pending record is durable
	if err := c.store.Save(ctx, tx); err != nil {
		c.logger.Error("Failed to persist transaction before sending", "client_id", id, "error", err)
		return Result{Transaction: tx}, c.storageErr(id, "save", err)
	}
	c.publish(tx)

	c.logger.Info("Transaction submitted", "client_id", id, "amount", amt.Cents())

	return c.send(ctx, tx)
}

// Retry resends a timed out transaction with the same client id
func (c *Coordinator) Retry(ctx context.Context, clientID string) (Result, error) {
	unlock, tx, err := c.lockAndLoad(ctx, clientID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	switch {
	case tx.State == models.StateAwaitingChallenge:
		return Result{Transaction: tx}, &apperrors.ValidationError{ClientID: clientID, Reason: "transaction awaits verification, verify it instead of retrying"}
	case !tx.CanRetry():
		return Result{Transaction: tx}, &apperrors.ValidationError{ClientID: clientID, Reason: fmt.Sprintf("transaction in state %s cannot be retried", tx.State)}
	}

	pending, err := c.transition(ctx, clientID, models.RetryRequested{})
	if err != nil {
		return Result{Transaction: tx}, err
	}

	c.logger.Info("Transaction retried", "client_id", clientID, "retry_count", pending.RetryCount)

	return c.send(ctx, pending)
}

// VerifyAndComplete passes the code to the remote service and, once accepted, resends the
// transaction with the same client id. A rejected code leaves the transaction as is.
func (c *Coordinator) VerifyAndComplete(ctx context.Context, clientID, code string) (Result, error) {
	unlock, tx, err := c.lockAndLoad(ctx, clientID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	if tx.State != models.StateAwaitingChallenge {
		return Result{Transaction: tx}, &apperrors.ValidationError{ClientID: clientID, Reason: fmt.Sprintf("transaction in state %s does not await verification", tx.State)}
	}

	res, err := c.remote.Verify(ctx, clientID, code)
	if err != nil {
		return Result{Transaction: tx}, &apperrors.NetworkFailure{ClientID: clientID, Message: err.Error(), Err: err}
	}
	if !res.Success {
		if res.StatusCode >= 500 {
			return Result{Transaction: tx}, &apperrors.NetworkFailure{ClientID: clientID, StatusCode: res.StatusCode, Message: res.Message}
		}

		msg := res.Message
		if msg == "" {
			msg = "invalid verification code"
		}
		c.logger.Info("Verification rejected", "client_id", clientID)
		return Result{Transaction: tx}, &apperrors.VerificationError{ClientID: clientID, Message: msg}
	}

	pending, err := c.transition(ctx, clientID, models.Verified{})
	if err != nil {
		return Result{Transaction: tx}, err
	}

	c.logger.Info("Transaction verified", "client_id", clientID)

	return c.send(ctx, pending)
}

// Cancel marks a non-terminal transaction cancelled. Only local state changes:
// a request already sent stays sent. Terminal transactions are returned unchanged,
// an unknown id is a no-op returning an empty record.
func (c *Coordinator) Cancel(ctx context.Context, clientID string) (models.Transaction, error) {
	unlock, tx, err := c.lockAndLoad(ctx, clientID)
	if errors.Is(err, apperrors.ErrTransactionNotFound) {
		c.logger.Debug("Nothing to cancel", "client_id", clientID)
		return models.Transaction{}, nil
	}
	if err != nil {
		return models.Transaction{}, err
	}
	defer unlock()

	if tx.IsTerminal() {
		return tx, nil
	}

	cancelled, err := c.transition(ctx, clientID, models.Cancelled{})
	if err != nil {
		return tx, err
	}

	c.logger.Info("Transaction cancelled", "client_id", clientID, "from", tx.State)
	return cancelled, nil
}

// QueryStatus asks the remote service whether it applied the debit and adopts the answer.
// Found: a non-terminal record becomes completed. Not found: a pending record becomes
// timeout so it can be retried with the same id. Query failures change nothing.
func (c *Coordinator) QueryStatus(ctx context.Context, clientID string) (StatusReport, error) {
	unlock, tx, err := c.lockAndLoad(ctx, clientID)
	if err != nil {
		return StatusReport{}, err
	}
	defer unlock()

	res, err := c.remote.Status(ctx, clientID)
	if err != nil {
		var statusErr *remote.StatusError
		if errors.As(err, &statusErr) {
			return StatusReport{Transaction: tx}, &apperrors.NetworkFailure{ClientID: clientID, StatusCode: statusErr.StatusCode, Message: statusErr.Error()}
		}
		return StatusReport{Transaction: tx}, &apperrors.NetworkFailure{ClientID: clientID, Message: err.Error(), Unresolved: ctx.Err() != nil, Err: err}
	}

	report := StatusReport{Transaction: tx, Found: res.Found, SafeToRetry: !res.Found}

	switch {
	case res.Found && !tx.IsTerminal():
		report.Transaction, err = c.transition(context.WithoutCancel(ctx), clientID, models.Reconciled{ServerID: res.ServerID})
		c.logger.Info("Transaction reconciled as completed", "client_id", clientID, "server_id", res.ServerID)

	case res.Found && tx.State != models.StateCompleted:
		c.logger.Warn("Remote service applied a transaction closed locally", "client_id", clientID, "state", tx.State, "server_id", res.ServerID)

	case !res.Found && tx.State == models.StatePending:
		report.Transaction, err = c.transition(context.WithoutCancel(ctx), clientID, models.TimedOut{Message: "not applied by remote service"})
		c.logger.Info("Transaction not applied remotely, ready for retry", "client_id", clientID)
	}

	if err != nil {
		report.Transaction = tx
	}
	return report, err
}

// Recover reconciles every pending record, whose outcome is unknown after a crash.
// Records that fail to reconcile stay pending; their errors are joined.
func (c *Coordinator) Recover(ctx context.Context) ([]StatusReport, error) {
	pending, err := c.store.ListPending(ctx)
	if err != nil {
		return nil, c.storageErr("", "list", err)
	}

	var (
		reports []StatusReport
		errs    []error
	)

	for _, tx := range pending {
		if tx.State != models.StatePending {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		report, err := c.QueryStatus(ctx, tx.ClientID)
		if err != nil {
			c.logger.Warn("Failed to recover transaction", "client_id", tx.ClientID, "error", err)
			errs = append(errs, err)
			continue
		}
		reports = append(reports, report)
	}

	if len(reports) > 0 {
		c.logger.Info("Recovery finished", "reconciled", len(reports), "failed", len(errs))
	}

	return reports, errors.Join(errs...)
}

func (c *Coordinator) Get(ctx context.Context, clientID string) (models.Transaction, error) {
	return c.store.Get(ctx, clientID)
}

func (c *Coordinator) ListPending(ctx context.Context) ([]models.Transaction, error) {
	return c.store.ListPending(ctx)
}

func (c *Coordinator) ListAwaitingChallenge(ctx context.Context) ([]models.Transaction, error) {
	return c.store.ListAwaitingChallenge(ctx)
}

func (c *Coordinator) ListHistory(ctx context.Context) ([]models.Transaction, error) {
	return c.store.ListHistory(ctx)
}

func (c *Coordinator) ArchiveCompleted(ctx context.Context) (int, error) {
	return c.store.ArchiveCompleted(ctx)
}

// send runs the remote call for a persisted pending transaction and records the outcome.
// Must be called with the client id locked.
func (c *Coordinator) send(ctx context.Context, tx models.Transaction) (Result, error) {
	res, err := c.remote.Submit(ctx, tx)
	if err != nil {
		if ctx.Err() != nil {
			// Same as a crash mid-flight: the record stays pending for a status query
			c.logger.Warn("Remote call interrupted, outcome unknown", "client_id", tx.ClientID, "error", err)
			return Result{Transaction: tx}, &apperrors.NetworkFailure{
				ClientID:   tx.ClientID,
				Message:    "call interrupted, outcome unknown",
				Unresolved: true,
				Err:        err,
			}
		}

		c.logger.Warn("Remote call failed", "client_id", tx.ClientID, "error", err)
		return c.resolve(ctx, tx, models.Failed{Message: err.Error()}, "",
			&apperrors.NetworkFailure{ClientID: tx.ClientID, Message: err.Error(), Err: err})
	}

	switch res.Outcome {
	case remote.OutcomeSuccess:
		return c.resolve(ctx, tx, models.Succeeded{ServerID: res.ServerID}, res.Message, nil)

	case remote.OutcomeTimeout:
		msg := res.Message
		if msg == "" {
			msg = defaultTimeoutMessage
		}
		return c.resolve(ctx, tx, models.TimedOut{Message: msg}, msg,
			&apperrors.TimeoutFailure{ClientID: tx.ClientID, Message: msg})

	case remote.OutcomeChallenge:
		return c.resolve(ctx, tx, models.ChallengeRequired{Kind: res.Challenge, Message: res.Message}, res.Message,
			&apperrors.ChallengeFailure{ClientID: tx.ClientID, Kind: string(res.Challenge), Message: res.Message})

	case remote.OutcomeUnknown:
		// Accepted but unreadable: may be applied, so it stays pending until a status query settles it
		c.logger.Warn("Remote answer unreadable, outcome unknown", "client_id", tx.ClientID, "status", res.StatusCode)
		return Result{Transaction: tx, Message: res.Message}, &apperrors.NetworkFailure{
			ClientID:   tx.ClientID,
			StatusCode: res.StatusCode,
			Message:    res.Message,
			Unresolved: true,
		}

	default:
		return c.resolve(ctx, tx, models.Failed{Message: res.Message}, res.Message,
			&apperrors.NetworkFailure{ClientID: tx.ClientID, StatusCode: res.StatusCode, Message: res.Message})
	}
}

// resolve persists the outcome of a remote call and publishes it.
// The answer is already known, so it is recorded even if ctx ended meanwhile.
func (c *Coordinator) resolve(ctx context.Context, tx models.Transaction, e models.Event, msg string, failure error) (Result, error) {
	next, err := c.transition(context.WithoutCancel(ctx), tx.ClientID, e)
	if err != nil {
		c.logger.Error("Failed to record remote outcome", "client_id", tx.ClientID, "event", fmt.Sprintf("%T", e), "error", err)
		return Result{Transaction: tx, Message: msg}, err
	}

	return Result{Transaction: next, Message: msg}, failure
}

// transition applies e to the stored record, persists and publishes the result
func (c *Coordinator) transition(ctx context.Context, clientID string, e models.Event) (models.Transaction, error) {
	next, err := c.store.Update(ctx, clientID, func(cur models.Transaction) (models.Transaction, error) {
		return cur.Apply(e, c.now())
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidTransition) || errors.Is(err, apperrors.ErrTransactionNotFound) {
			return next, err
		}
		return next, c.storageErr(clientID, "update", err)
	}

	c.publish(next)
	return next, nil
}

func (c *Coordinator) lockAndLoad(ctx context.Context, clientID string) (func(), models.Transaction, error) {
	unlock, err := c.locks.Lock(ctx, clientID)
	if err != nil {
		return nil, models.Transaction{}, &apperrors.NetworkFailure{ClientID: clientID, Message: "interrupted while waiting for transaction", Err: err}
	}

	tx, err := c.store.Get(ctx, clientID)
	switch {
	case err == nil:
		return unlock, tx, nil
	case errors.Is(err, apperrors.ErrTransactionNotFound):
		unlock()
		return nil, tx, &apperrors.ValidationError{ClientID: clientID, Reason: "transaction not found", Err: err}
	default:
		unlock()
		return nil, tx, c.storageErr(clientID, "get", err)
	}
}

func (c *Coordinator) publish(tx models.Transaction) {
	metrics.Transitions.WithLabelValues(string(tx.State)).Inc()
	c.logger.Debug("Transaction state changed", "client_id", tx.ClientID, "state", tx.State)
	c.bus.Publish(tx)
}

func checkInput(recipient, description string) error {
	err := validate.Struct(submitInput{Recipient: recipient, Description: description})

	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return err
	}

	fe := errs[0]
	return &apperrors.ValidationError{Reason: fmt.Sprintf("%s is too long (maximum %s characters)", strings.ToLower(fe.Field()), fe.Param())}
}

// storageErr makes sure storage failures carry the client id
func (c *Coordinator) storageErr(clientID, op string, err error) error {
	var se *apperrors.StorageError
	if errors.As(err, &se) {
		if se.ClientID == "" {
			se.ClientID = clientID
		}
		return se
	}
	return &apperrors.StorageError{ClientID: clientID, Op: op, Err: err}
}
