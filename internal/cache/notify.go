package cache

import "sync"

// Notifier fans invalidated flag keys out to subscribers. Publishing never
// blocks: a subscriber that is not draining its channel misses updates
// instead of stalling the admin write path.
type Notifier struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[chan string]struct{})}
}

// Subscribe registers a listener and returns its channel and an unsubscribe
// function. The channel is closed on unsubscribe.
func (n *Notifier) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 1)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	unsub := func() {
		n.mu.Lock()
		if _, ok := n.subs[ch]; ok {
			delete(n.subs, ch)
			close(ch)
		}
		n.mu.Unlock()
	}
	return ch, unsub
}

// Publish notifies all listeners (non-blocking).
func (n *Notifier) Publish(flagKey string) {
	n.mu.Lock()
	for ch := range n.subs {
		select {
		case ch <- flagKey:
		default: // slow subscriber, skip instead of blocking
		}
	}
	n.mu.Unlock()
}
