package recovery

import (
	"context"
	"time"

	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/models"
)

type Producer struct {
	interval time.Duration
	minAge   time.Duration
	now      func() time.Time

	reconciler reconciler
	logger     logger.Logger
}

func (p *Producer) Produce(ctx context.Context, out chan<- models.Transaction) <-chan struct{} {
	idleStopped := make(chan struct{})
	p.logger.Debug("Starting producer", "interval", p.interval, "min_age", p.minAge)

	go func() {
		defer close(idleStopped)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Debug("Producer stopped by context")
				return

			case <-ticker.C:
				pending, err := p.reconciler.ListPending(ctx)
				if err != nil {
					p.logger.Error("Failed to list pending transactions", "error", err)
					continue
				}

				for _, tx := range pending {
					if !p.stale(tx) {
						continue
					}

					select {
					case <-ctx.Done():
						p.logger.Debug("Producer stopped by context while sending transactions")
						return
					case out <- tx:
						p.logger.Debug("Transaction sent for reconciliation", "client_id", tx.ClientID)
					}
				}
			}
		}
	}()

	return idleStopped
}

// stale reports a pending record nobody has touched for minAge, its outcome is unknown
func (p *Producer) stale(tx models.Transaction) bool {
	return tx.State == models.StatePending && p.now().Sub(tx.UpdatedAt) >= p.minAge
}
