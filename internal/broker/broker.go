// Package broker implements the server-side pub/sub fan-out of spec §4.6:
// a key -> subscriber multimap plus a per-connection reverse index for
// O(1) teardown on close. Grounded on the teacher's internal/routing
// Router, which keeps the same shape (a mutex-guarded set of connections
// plus add/remove/broadcast) for its single implicit "topic"; broker
// generalizes that to per-key subscriber sets and the reverse index the
// teacher never needed because every client saw every broadcast.
package broker

import (
	"fmt"
	"sync"

	"github.com/carlosrabelo/karoorpc/internal/metrics"
)

// Conn is the narrow surface a subscriber must expose: a way to receive
// a publish frame. internal/rpcconn.Conn satisfies this directly.
type Conn interface {
	SendPublish(key string, data any) error
}

// Broker holds the key -> subscriber multimap and its reverse index.
type Broker struct {
	mx *metrics.Collector

	mu        sync.RWMutex
	byKey     map[string]map[Conn]struct{}
	byConn    map[Conn]map[string]struct{}
	onError   func(key string, err error)
}

// New creates an empty broker. onError, if non-nil, is invoked when a
// publish targets a key with zero subscribers (spec §4.6's "non-fatal
// error through an on_error signal"); it may be nil to drop the signal
// silently.
func New(mx *metrics.Collector, onError func(key string, err error)) *Broker {
	return &Broker{
		mx:      mx,
		byKey:   make(map[string]map[Conn]struct{}),
		byConn:  make(map[Conn]map[string]struct{}),
		onError: onError,
	}
}

// Subscribe adds conn to key's subscriber set and records the reverse
// mapping. Subscribing to the same key twice from the same conn is a
// no-op (the set already enforces uniqueness).
func (b *Broker) Subscribe(key string, conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.byKey[key]
	if !ok {
		subs = make(map[Conn]struct{})
		b.byKey[key] = subs
	}
	_, already := subs[conn]
	subs[conn] = struct{}{}

	keys, ok := b.byConn[conn]
	if !ok {
		keys = make(map[string]struct{})
		b.byConn[conn] = keys
	}
	keys[key] = struct{}{}

	if !already {
		b.mx.SubscriptionAdded()
	}
}

// Unsubscribe removes conn from key's subscriber set, in both indexes.
func (b *Broker) Unsubscribe(key string, conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(key, conn)
}

func (b *Broker) unsubscribeLocked(key string, conn Conn) {
	subs, ok := b.byKey[key]
	if !ok {
		return
	}
	if _, ok := subs[conn]; !ok {
		return
	}
	delete(subs, conn)
	if len(subs) == 0 {
		delete(b.byKey, key)
	}
	if keys, ok := b.byConn[conn]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(b.byConn, conn)
		}
	}
	b.mx.SubscriptionRemoved()
}

// UnsubscribeAll removes every subscription conn holds, in one pass over
// its reverse-index entry (spec §4.6, §4.3's close arc).
func (b *Broker) UnsubscribeAll(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys, ok := b.byConn[conn]
	if !ok {
		return
	}
	for key := range keys {
		if subs, ok := b.byKey[key]; ok {
			delete(subs, conn)
			if len(subs) == 0 {
				delete(b.byKey, key)
			}
			b.mx.SubscriptionRemoved()
		}
	}
	delete(b.byConn, conn)
}

// Publish fans data out to every subscriber of key. If the broker has no
// subscribers at all for key, it reports a non-fatal error through
// onError instead of failing the call outright (spec §4.6); a key that
// simply has zero current subscribers among an otherwise non-empty
// broker is treated the same way.
func (b *Broker) Publish(key string, data any) error {
	b.mu.RLock()
	subs := b.byKey[key]
	snapshot := make([]Conn, 0, len(subs))
	for c := range subs {
		snapshot = append(snapshot, c)
	}
	b.mu.RUnlock()

	if len(snapshot) == 0 {
		err := fmt.Errorf("broker: publish to key %q has no subscribers", key)
		if b.onError != nil {
			b.onError(key, err)
		}
		return nil
	}

	for _, c := range snapshot {
		if err := c.SendPublish(key, data); err != nil {
			if b.onError != nil {
				b.onError(key, err)
			}
		}
	}
	return nil
}

// SubscriberCount reports how many connections currently subscribe to
// key, for diagnostics/tests.
func (b *Broker) SubscriberCount(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byKey[key])
}
