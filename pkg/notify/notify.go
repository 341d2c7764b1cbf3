// Package notify implements the publish/subscribe layer spec.md §0 names
// as an out-of-scope external collaborator but whose operations still
// appear in the Client API table (spec.md §6): publish, subscribe,
// unsubscribe, get_subscribers. The default Notifier is an in-memory
// topic registry; WebsocketNotifier decorates it to additionally push
// live payloads over a websocket connection.
//
// Grounded on pkg/fd's InMemoryDirectory (itself grounded on
// pkg/replication/replica_set.go's in-memory members map), generalized
// from "per-ring-key RTM roster" to "per-topic subscriber list".
package notify

import (
	"errors"
	"sync"
)

// ErrNotFound is returned by Unsubscribe when url was never subscribed
// to topic, or was already removed by a prior Unsubscribe (spec.md §8:
// "unsubscribe(t,u) twice returns ok then {fail, not_found}").
var ErrNotFound = errors.New("notify: subscriber not found")

// Notifier is the publish/subscribe contract the Client API wraps.
type Notifier interface {
	Publish(topic, content string) error
	Subscribe(topic, url string) error
	Unsubscribe(topic, url string) error
	GetSubscribers(topic string) []string
}

// InMemory is the default Notifier: a mutex-guarded map of topic to its
// subscriber URLs, deduplicating Subscribe so repeated subscription of
// the same url never grows the list (spec.md §8's round-trip property).
type InMemory struct {
	mu   sync.RWMutex
	subs map[string][]string
}

// New creates an empty InMemory notifier.
func New() *InMemory {
	return &InMemory{subs: make(map[string][]string)}
}

// Publish is a no-op on the in-memory notifier beyond reporting success:
// there is no durable event log to append to (spec.md lists pub/sub as
// out of scope), and nothing here blocks on delivery. WebsocketNotifier
// is what actually pushes content anywhere.
func (n *InMemory) Publish(topic, content string) error {
	_ = topic
	_ = content
	return nil
}

// Subscribe adds url to topic's subscriber list if it is not already
// present.
func (n *InMemory) Subscribe(topic, url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, existing := range n.subs[topic] {
		if existing == url {
			return nil
		}
	}
	n.subs[topic] = append(n.subs[topic], url)
	return nil
}

// Unsubscribe removes url from topic's subscriber list. It returns
// ErrNotFound if url was not present.
func (n *InMemory) Unsubscribe(topic, url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.subs[topic]
	for i, existing := range list {
		if existing == url {
			n.subs[topic] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// GetSubscribers returns topic's current subscriber URLs. The returned
// slice is a copy; callers may not mutate internal state through it.
func (n *InMemory) GetSubscribers(topic string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	list := n.subs[topic]
	if len(list) == 0 {
		return nil
	}
	out := make([]string, len(list))
	copy(out, list)
	return out
}
