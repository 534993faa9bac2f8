// Package notify provides a broadcast mechanism for materialization
// progress. Consumers holding derived or analytics views subscribe and
// re-run themselves against the mirror when it grows; re-run policy
// (immediate vs. debounced) is theirs to decide.
package notify

import "sync"

// Progress is published once per merged batch.
type Progress struct {
	// QueryID identifies the query box whose mirror grew.
	QueryID string

	// FetchedRows is the mirror row count after the merge.
	FetchedRows int64

	// Complete is true once the remote result set is exhausted.
	Complete bool
}

// Notifier broadcasts progress updates to all subscribed listeners.
type Notifier struct {
	mu        sync.RWMutex
	listeners map[chan Progress]struct{}
}

// New creates a new Notifier instance.
func New() *Notifier {
	return &Notifier{
		listeners: make(map[chan Progress]struct{}),
	}
}

// Subscribe returns a channel that receives progress updates.
// The caller must call Unsubscribe when done to prevent leaks.
func (n *Notifier) Subscribe() chan Progress {
	ch := make(chan Progress, 1)
	n.mu.Lock()
	n.listeners[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener channel and closes it.
func (n *Notifier) Unsubscribe(ch chan Progress) {
	n.mu.Lock()
	delete(n.listeners, ch)
	n.mu.Unlock()
	close(ch)
}

// Broadcast sends a progress update to all listeners. Non-blocking: a
// slow listener's stale pending update is replaced by the newer one, so
// every listener eventually observes the latest fetched count.
func (n *Notifier) Broadcast(p Progress) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch := range n.listeners {
		select {
		case ch <- p:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- p:
			default:
			}
		}
	}
}
