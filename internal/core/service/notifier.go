package service

import (
	"sync"

	"github.com/based-aa/aa-minter/internal/core/domain"
)

const subscriberBuffer = 16

// Notifier fans controller events out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan domain.Event
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan domain.Event)}
}

// Subscribe registers a subscriber. The returned cancel func closes the channel.
func (n *Notifier) Subscribe() (<-chan domain.Event, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	ch := make(chan domain.Event, subscriberBuffer)
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs, id)
			close(ch)
		})
	}
}

func (n *Notifier) Publish(ev domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
