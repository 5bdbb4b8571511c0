package events

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrDuplicateSubscription is returned when a subscription already exists
// for the same (kind, key) pair. Only one waiter per pair at a time.
var ErrDuplicateSubscription = errors.New("duplicate subscription")

// Handler receives a single matching notification. Subscriptions are
// one-shot: the dispatcher removes the entry before invoking the handler,
// so a handler may re-subscribe for a follow-up event without racing its
// own removal.
type Handler func(env Envelope)

type subKey struct {
	kind Kind
	key  string
}

// Dispatcher routes decoded notifications to the in-flight operation
// waiting on them. It is safe for concurrent use; the lock covers only
// table mutation, never handler execution.
type Dispatcher struct {
	mu   sync.Mutex
	subs map[subKey]Handler
	log  *logrus.Entry
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		subs: make(map[subKey]Handler),
		log:  log,
	}
}

// Subscribe registers a one-shot handler for (kind, key). It fails with
// ErrDuplicateSubscription if a waiter is already registered for the pair.
func (d *Dispatcher) Subscribe(kind Kind, key string, h Handler) error {
	sk := subKey{kind: kind, key: key}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.subs[sk]; exists {
		return ErrDuplicateSubscription
	}
	d.subs[sk] = h
	return nil
}

// Unsubscribe removes the subscription for (kind, key) if present.
// Removing an absent subscription is not an error.
func (d *Dispatcher) Unsubscribe(kind Kind, key string) {
	sk := subKey{kind: kind, key: key}

	d.mu.Lock()
	delete(d.subs, sk)
	d.mu.Unlock()
}

// Dispatch delivers the envelope to the subscriber registered for its
// (kind, key), removing the subscription first. It reports whether a
// subscriber was found; an unmatched notification is dropped, which is
// normal for events nothing is waiting on.
func (d *Dispatcher) Dispatch(env Envelope) bool {
	sk := subKey{kind: env.Kind, key: env.Key}

	d.mu.Lock()
	h, found := d.subs[sk]
	if found {
		delete(d.subs, sk)
	}
	d.mu.Unlock()

	if !found {
		d.log.WithFields(logrus.Fields{
			"kind": env.Kind,
			"key":  env.Key,
		}).Warn("dropping unmatched notification")
		return false
	}

	// Invoked outside the lock so a slow handler cannot stall delivery
	// for other keys.
	h(env)
	return true
}

// Pending reports the number of active subscriptions
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}
