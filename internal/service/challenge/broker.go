// Package challenge hands verification challenges raised on the wire to whoever can answer them
package challenge

import (
	"context"
	"errors"
	"sync"

	"github.com/nkiryanov/safepay/internal/logger"
	"github.com/nkiryanov/safepay/internal/models"
)

var ErrNoCode = errors.New("no verification code supplied")

const promptsBuffer = 64

// Prompt is a pending request for a verification code.
// It settles exactly once, either with a code or cancelled.
type Prompt struct {
	models.Challenge

	once sync.Once
	done chan struct{}
	code string
}

func newPrompt(ch models.Challenge) *Prompt {
	return &Prompt{Challenge: ch, done: make(chan struct{})}
}

// Resolve answers the prompt. Returns false if it was already settled
func (p *Prompt) Resolve(code string) bool {
	settled := false
	p.once.Do(func() {
		p.code = code
		close(p.done)
		settled = true
	})
	return settled
}

// Cancel settles the prompt without a code
func (p *Prompt) Cancel() bool {
	return p.Resolve("")
}

func (p *Prompt) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the prompt settles or ctx ends. No deadline of its own.
func (p *Prompt) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		if p.code == "" {
			return "", ErrNoCode
		}
		return p.code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type Broker struct {
	mu      sync.Mutex
	open    []*Prompt
	prompts chan *Prompt
	logger  logger.Logger
}

func NewBroker(l logger.Logger) *Broker {
	return &Broker{
		prompts: make(chan *Prompt, promptsBuffer),
		logger:  l,
	}
}

// Prompts delivers new prompts. If nobody reads them the prompts are still reachable via Open
func (b *Broker) Prompts() <-chan *Prompt {
	return b.prompts
}

// Open lists unsettled prompts, oldest first
func (b *Broker) Open() []*Prompt {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Prompt, len(b.open))
	copy(out, b.open)
	return out
}

// CancelAll declines every open prompt and reports how many were settled
func (b *Broker) CancelAll() int {
	n := 0
	for _, p := range b.Open() {
		if p.Cancel() {
			n++
		}
	}
	return n
}

// ProvideCode publishes a prompt for ch and waits for the answer.
// It returns ErrNoCode when the prompt is cancelled, or the ctx error.
func (b *Broker) ProvideCode(ctx context.Context, ch models.Challenge) (string, error) {
	p := newPrompt(ch)

	b.mu.Lock()
	b.open = append(b.open, p)
	b.mu.Unlock()
	defer b.remove(p)

	select {
	case b.prompts <- p:
	default:
		b.logger.Warn("Prompt queue is full, prompt is only listed as open", "client_id", ch.ClientID)
	}

	b.logger.Info("Verification code requested", "client_id", ch.ClientID, "kind", ch.Kind)

	code, err := p.Wait(ctx)
	if err != nil {
		p.Cancel()
	}
	return code, err
}

func (b *Broker) remove(p *Prompt) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, o := range b.open {
		if o == p {
			b.open = append(b.open[:i], b.open[i+1:]...)
			return
		}
	}
}
