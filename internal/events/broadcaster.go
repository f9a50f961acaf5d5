package events

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"sync"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Publisher is the event-publication contract consumed by the orchestrator
// and the ledger. Publish is fire-and-forget: it never blocks the caller on
// slow subscribers.
type Publisher interface {
	Publish(topic string, event Event)
}

// Broadcaster is an in-memory topic fan-out. Subscribers register for a
// topic and receive every event published to it after subscription, in
// publication order. Events for full subscriber buffers are dropped.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // topic -> subID -> ch
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
	}
}

// Subscribe registers a subscriber for events on the given topic. The
// returned channel receives events until ctx is cancelled, at which point
// the subscription is removed and the channel closed.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan Event, string) {
	subID := newSubID()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan Event)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the topic. Non-blocking:
// subscribers whose buffers are full miss the event. Sends happen under
// the read lock; Unsubscribe closes channels under the write lock, so a
// send can never land on a closed channel.
func (b *Broadcaster) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- event:
		default:
			log.Printf("events: dropped %s event for slow subscriber on %s", event.Type, topic)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// more than once.
func (b *Broadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}
	close(ch)
}

// SubscriberCount returns the number of live subscriptions for a topic.
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

func newSubID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process is in a bad state anyway.
		panic(err)
	}
	return "sub-" + hex.EncodeToString(b)
}
