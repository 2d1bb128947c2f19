package fork

import (
	"context"
	"sync"

	"factum/pkg/fact"
)

// outboxEntry is one pending remote send. Envelopes are content-addressed,
// so redelivering one that already landed remotely is harmless — the
// drain loop never needs to coordinate with the remote about what it has
// already seen.
type outboxEntry struct {
	envelopes []fact.Envelope
	attempts  int
}

// OutboxStore is the durable queue a Persistent fork drains in the
// background. Its methods are unexported so only this package's own
// implementations can satisfy it, the same sealed-interface shape
// pkg/query uses for Projection: callers outside this package hold and
// pass around a value of the interface without being able to fake one up.
//
// Every method takes a context because postgresOutbox issues real queries;
// memoryOutbox ignores it.
type OutboxStore interface {
	enqueue(ctx context.Context, envelopes []fact.Envelope) error
	peek(ctx context.Context) (outboxEntry, bool, error)
	ack(ctx context.Context) error
	retry(ctx context.Context) error
	len(ctx context.Context) int
}

// memoryOutbox is the reference OutboxStore: single-writer (Fork.Save
// enqueues), single-reader (the drain loop dequeues), and gone the moment
// the process exits.
type memoryOutbox struct {
	mu      sync.Mutex
	pending []outboxEntry
}

// NewMemoryOutboxStore returns an in-memory OutboxStore, the one New uses
// when no durable backend is configured.
func NewMemoryOutboxStore() OutboxStore {
	return &memoryOutbox{}
}

func (o *memoryOutbox) enqueue(ctx context.Context, envelopes []fact.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, outboxEntry{envelopes: envelopes})
	return nil
}

func (o *memoryOutbox) peek(ctx context.Context) (outboxEntry, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return outboxEntry{}, false, nil
	}
	return o.pending[0], true, nil
}

// ack removes the head entry after a successful remote send.
func (o *memoryOutbox) ack(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) > 0 {
		o.pending = o.pending[1:]
	}
	return nil
}

// retry records a failed attempt against the head entry without removing
// it, so the drain loop's next pass retries the same entry.
func (o *memoryOutbox) retry(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) > 0 {
		o.pending[0].attempts++
	}
	return nil
}

func (o *memoryOutbox) len(ctx context.Context) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
