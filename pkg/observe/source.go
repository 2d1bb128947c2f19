// Package observe implements the reactive layer: a per-process pub/sub
// fabric that redistributes every successful save to live subscriptions,
// and an Observer that turns that fabric into add/remove callbacks for a
// specification's matching tuples.
package observe

import (
	"context"
	"sync"

	"factum/pkg/fact"
)

// Subscriber receives every batch of envelopes a Source fans out. Observer
// is the query-aware implementation; pkg/wire's feed streaming registers a
// plainer one that just re-runs a step query on each notify.
type Subscriber interface {
	Notify(ctx context.Context, envelopes []fact.Envelope)
}

// Source is the observable source: a fan-out point over every save this
// process performs, generalized from a single channel-of-Event topic to
// arbitrary registered subscribers, each responsible for deciding what a
// batch of newly saved envelopes means for its own live query.
type Source struct {
	mu   sync.RWMutex
	subs map[Subscriber]struct{}
}

// NewSource constructs an empty observable source.
func NewSource() *Source {
	return &Source{subs: map[Subscriber]struct{}{}}
}

// Register adds a subscriber to the fan-out set. Callers normally do this
// through Observer.Start rather than directly.
func (s *Source) Register(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub] = struct{}{}
}

// Unregister removes a subscriber from the fan-out set. Idempotent.
func (s *Source) Unregister(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

// Notify is invoked on every successful save; it hands the newly written
// envelopes to each registered subscriber, one after another, outside the
// lock. Observer's own Notify only queues the work, but unlike
// Hub.Publish it never drops: when an observer's queue is full it blocks
// until there is room, and the subscribers after it in this call wait
// with it.
func (s *Source) Notify(ctx context.Context, envelopes []fact.Envelope) {
	s.mu.RLock()
	targets := make([]Subscriber, 0, len(s.subs))
	for sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.RUnlock()
	for _, sub := range targets {
		sub.Notify(ctx, envelopes)
	}
}
