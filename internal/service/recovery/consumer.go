package recovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkiryanov/safepay/internal/apperrors"
	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/models"
)

type Consumer struct {
	countWorkers int

	// When the remote service is unreachable every worker pauses until this moment
	waitUntil atomic.Int64
	backoff   time.Duration

	reconciler reconciler
	logger     logger.Logger
}

func (c *Consumer) Consume(ctx context.Context, in <-chan models.Transaction) <-chan struct{} {
	idleStopped := make(chan struct{})

	var wg sync.WaitGroup
	for range c.countWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx, in)
		}()
	}

	go func() {
		defer close(idleStopped)
		wg.Wait()
		c.logger.Debug("Consumer stopped")
	}()

	return idleStopped
}

func (c *Consumer) worker(ctx context.Context, in <-chan models.Transaction) {
	for {
		waitUntil := time.UnixMilli(c.waitUntil.Load())
		if waitUntil.After(time.Now()) {
			c.logger.Debug("Worker is waiting for remote service", "wait_until", waitUntil)

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(waitUntil)):
				continue
			}
		}

		select {
		case <-ctx.Done():
			return

		case tx, ok := <-in:
			if !ok {
				c.logger.Debug("Consumer worker stopped, input channel closed")
				return
			}

			report, err := c.reconciler.QueryStatus(ctx, tx.ClientID)
			var netErr *apperrors.NetworkFailure

			switch {
			case err == nil:
				c.logger.Info("Transaction reconciled", "client_id", tx.ClientID, "found", report.Found, "state", report.Transaction.State)

			case errors.As(err, &netErr) && netErr.StatusCode == 0 && !netErr.Unresolved:
				c.logger.Warn("Remote service unreachable, pausing recovery", "backoff", c.backoff, "error", err)
				c.waitUntil.Store(time.Now().Add(c.backoff).UnixMilli())

			case errors.Is(err, apperrors.ErrNetwork):
				c.logger.Warn("Status query failed", "client_id", tx.ClientID, "error", err)

			default:
				c.logger.Error("Failed to reconcile transaction", "client_id", tx.ClientID, "error", err)
			}
		}
	}
}
