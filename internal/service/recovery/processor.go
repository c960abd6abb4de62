// Package recovery keeps reconciling transactions whose outcome is unknown.
// A producer lists stale pending records on a ticker, a pool of workers runs a status query for each.
package recovery

import (
	"context"
	"time"

	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/models"
	"github.com/nkiryanov/safepay/internal/service/coordinator"
)

const (
	defaultCountWorkers    = 4                // Number of workers running status queries
	defaultProduceInterval = 10 * time.Second // Interval between pending scans
	defaultMinAge          = 30 * time.Second // Pending records younger than this may still be in flight
	defaultBackoff         = 30 * time.Second // Pause after the remote service is unreachable
)

type reconciler interface {
	ListPending(ctx context.Context) ([]models.Transaction, error)
	QueryStatus(ctx context.Context, clientID string) (coordinator.StatusReport, error)
}

type Config struct {
	Workers  int
	Interval time.Duration
	MinAge   time.Duration
	Backoff  time.Duration
}

type Processor struct {
	consumer *Consumer
	producer *Producer
}

func New(cfg Config, r reconciler, logger logger.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultCountWorkers
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProduceInterval
	}
	if cfg.MinAge < 0 {
		cfg.MinAge = 0
	} else if cfg.MinAge == 0 {
		cfg.MinAge = defaultMinAge
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}

	return &Processor{
		consumer: &Consumer{
			countWorkers: cfg.Workers,
			backoff:      cfg.Backoff,
			reconciler:   r,
			logger:       logger,
		},
		producer: &Producer{
			interval:   cfg.Interval,
			minAge:     cfg.MinAge,
			now:        time.Now,
			reconciler: r,
			logger:     logger,
		},
	}
}

// Process runs until ctx ends; the returned channel is closed once everything stopped
func (p *Processor) Process(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})

	txChan := make(chan models.Transaction)

	producerStopped := p.producer.Produce(ctx, txChan)
	consumerStopped := p.consumer.Consume(ctx, txChan)

	go func() {
		defer close(idleStopped)
		defer close(txChan)
		<-producerStopped
		<-consumerStopped
		p.consumer.logger.Debug("Recovery processor stopped")
	}()

	return idleStopped
}
