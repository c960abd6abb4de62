package bank

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/nkiryanov/safepay/internal/models"
)

type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeLostResponse Outcome = "lost-response" // debit applied, answer lost as a gateway timeout
	OutcomeChallenge    Outcome = "challenge"
	OutcomeFailure      Outcome = "failure"
)

// OutcomePolicy picks how the bank answers a new submission. It is a test fixture, not a contract
type OutcomePolicy interface {
	Next(req models.SubmitRequest) Outcome
}

// RandomPolicy answers success 60%, timeout 20%, challenge 20%
type RandomPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPolicy is deterministic for a non-zero seed
func NewRandomPolicy(seed uint64) *RandomPolicy {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &RandomPolicy{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (p *RandomPolicy) Next(models.SubmitRequest) Outcome {
	p.mu.Lock()
	n := p.rng.IntN(100)
	p.mu.Unlock()

	switch {
	case n < 60:
		return OutcomeSuccess
	case n < 80:
		return OutcomeTimeout
	default:
		return OutcomeChallenge
	}
}

type FixedPolicy struct {
	Outcome Outcome
}

func (p FixedPolicy) Next(models.SubmitRequest) Outcome {
	return p.Outcome
}

// ScriptedPolicy plays queued outcomes in order, then Fallback
type ScriptedPolicy struct {
	mu       sync.Mutex
	queue    []Outcome
	Fallback Outcome
}

func NewScriptedPolicy(fallback Outcome, script ...Outcome) *ScriptedPolicy {
	return &ScriptedPolicy{queue: script, Fallback: fallback}
}

func (p *ScriptedPolicy) Push(o ...Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queue = append(p.queue, o...)
}

func (p *ScriptedPolicy) Next(models.SubmitRequest) Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return p.Fallback
	}
	next := p.queue[0]
	p.queue = p.queue[1:]
	return next
}

// ParsePolicy builds a policy from its config name: "random" or one of the outcomes
func ParsePolicy(name string, seed uint64) (OutcomePolicy, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(name))); o {
	case "random", "":
		return NewRandomPolicy(seed), nil
	case OutcomeSuccess, OutcomeTimeout, OutcomeLostResponse, OutcomeChallenge, OutcomeFailure:
		return FixedPolicy{Outcome: o}, nil
	default:
		return nil, fmt.Errorf("unknown bank policy: %q", name)
	}
}
