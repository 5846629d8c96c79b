package notify

import (
	"log"
	"sync"
	"time"

	"catchment_api/internal/domain/model"
)

const (
	// Per-subscriber queue capacity. A slow consumer loses events rather than
	// blocking the publisher.
	subscriberQueueSize = 100

	// Consecutive failed deliveries before a subscriber is pruned.
	maxConsecutiveDrops = 3
)

// Subscription is one live event stream for a job. Events arrives on C until
// Unsubscribe is called or the bus prunes the subscriber, at which point C is
// closed.
type Subscription struct {
	CSVID string
	C     <-chan model.Event

	ch    chan model.Event
	drops int
}

// Bus fans job status events out to in-process subscribers. All methods are
// safe for concurrent use; Publish never blocks.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]map[*Subscription]struct{})}
}

func (b *Bus) Subscribe(csvID string) *Subscription {
	sub := &Subscription{CSVID: csvID, ch: make(chan model.Event, subscriberQueueSize)}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[csvID] == nil {
		b.subscribers[csvID] = make(map[*Subscription]struct{})
	}
	b.subscribers[csvID][sub] = struct{}{}
	log.Printf("INFO: New subscriber for CSV %s. Total subscribers: %d", csvID, len(b.subscribers[csvID]))
	return sub
}

// Unsubscribe is idempotent and safe to call concurrently with Publish.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Bus) removeLocked(sub *Subscription) {
	subs, ok := b.subscribers[sub.CSVID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subscribers, sub.CSVID)
	}
	close(sub.ch)
}

// Publish delivers the event to every subscriber of its job. A full queue
// drops the new event and, after repeated failures, prunes the subscriber.
func (b *Bus) Publish(event model.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers[event.CSVID] {
		select {
		case sub.ch <- event:
			sub.drops = 0
		default:
			sub.drops++
			log.Printf("WARN: Queue full for CSV %s, dropping %s event", event.CSVID, event.Type)
			if sub.drops >= maxConsecutiveDrops {
				b.removeLocked(sub)
			}
		}
	}
}

func (b *Bus) SubscriberCount(csvID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[csvID])
}
