package coordinator

import (
	"sync"

	"github.com/nkiryanov/safepay/internal/models"
)

// Bus fans transaction snapshots out to subscribers.
// Publish never blocks: every subscriber owns an unbounded queue drained in publish order.
type Bus struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

type subscriber struct {
	mu     sync.Mutex
	queue  []models.Transaction
	signal chan struct{}
	out    chan models.Transaction
	done   chan struct{}
	once   sync.Once
}

// Subscribe returns a channel of snapshots and a func to stop receiving.
// The channel is closed after unsubscribe or when the bus closes.
func (b *Bus) Subscribe() (<-chan models.Transaction, func()) {
	s := &subscriber{
		signal: make(chan struct{}, 1),
		out:    make(chan models.Transaction),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run()

	return s.out, func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		s.stop()
	}
}

func (b *Bus) Publish(tx models.Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.subs {
		s.push(tx)
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for s := range b.subs {
		s.stop()
		delete(b.subs, s)
	}
}

func (s *subscriber) push(tx models.Transaction) {
	s.mu.Lock()
	s.queue = append(s.queue, tx)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = models.Transaction{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}
