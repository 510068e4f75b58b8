package depot

import (
	"sync"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls this far behind is dropped rather than backing up the
// publisher; it reconciles by reading Latest after resubscribing.
const subscriberBuffer = 16

// Broadcaster holds the single current job snapshot and fans updates out
// to push subscribers. Publishing never blocks; polling Latest is the
// correctness fallback for clients that miss pushes.
type Broadcaster struct {
	mu     sync.RWMutex
	latest Snapshot
	subs   map[chan Snapshot]struct{}
}

// NewBroadcaster creates a Broadcaster seeded with the given snapshot.
func NewBroadcaster(initial Snapshot) *Broadcaster {
	return &Broadcaster{
		latest: initial,
		subs:   make(map[chan Snapshot]struct{}),
	}
}

// Latest returns the current snapshot.
func (b *Broadcaster) Latest() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}

// Publish replaces the current snapshot and pushes it to every
// subscriber. Subscribers whose buffers are full are closed and removed.
func (b *Broadcaster) Publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = s
	for ch := range b.subs {
		select {
		case ch <- s:
		default:
			delete(b.subs, ch)
			close(ch)
		}
	}
}

// Subscribe registers a push subscriber. The returned cancel func must
// be called when the subscriber goes away; it is safe to call after the
// subscriber was already dropped for being slow.
func (b *Broadcaster) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
