package notify

import (
	"sync"

	"scanflow/internal/domain"
)

const subscriberBuffer = 16

// Bus fans job snapshots out to per-job subscribers. Slow subscribers miss
// intermediate snapshots rather than blocking the publisher.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[chan *domain.Job]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan *domain.Job]struct{})}
}

// Subscribe returns a channel of snapshots for jobID and a function that
// unsubscribes and closes it.
func (b *Bus) Subscribe(jobID string) (<-chan *domain.Job, func()) {
	ch := make(chan *domain.Job, subscriberBuffer)
	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan *domain.Job]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[jobID], ch)
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
			close(ch)
		})
	}
}

func (b *Bus) Publish(j *domain.Job) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[j.ID] {
		select {
		case ch <- j:
		default:
		}
	}
}

// Subscribers reports the number of live subscriptions for jobID.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}
