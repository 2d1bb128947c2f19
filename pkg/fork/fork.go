package fork

import (
	"context"
	"log"
	"time"

	"factum/pkg/fact"
)

// var, not const, so tests can shrink the retry cadence the way
// pkg/store's postgresRetryDelay does for its own connect-retry loop.
var (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Fork sits between the caller and local storage, applying the
// configured Mode's remote-write policy on every save and absorbing
// inbound envelopes streamed from a remote feed.
type Fork struct {
	mode   Mode
	local  LocalStore
	remote RemoteSink

	outbox OutboxStore
	done   chan struct{}
	drain  chan struct{}
}

// New constructs a Fork backed by an in-memory outbox. remote may be nil
// only when mode is PassThrough.
func New(mode Mode, local LocalStore, remote RemoteSink) *Fork {
	return NewWithOutbox(mode, local, remote, NewMemoryOutboxStore())
}

// NewWithOutbox constructs a Fork whose Persistent-mode queue is outbox
// instead of the in-memory default, so a caller with a Postgres backend
// can hand it a durable, restart-surviving queue.
func NewWithOutbox(mode Mode, local LocalStore, remote RemoteSink, outbox OutboxStore) *Fork {
	f := &Fork{mode: mode, local: local, remote: remote, outbox: outbox, done: make(chan struct{}), drain: make(chan struct{})}
	if mode == Persistent {
		go f.drainLoop()
	}
	return f
}

// Save writes envelopes locally and applies the mode's remote policy.
func (f *Fork) Save(ctx context.Context, envelopes []fact.Envelope) ([]fact.Envelope, error) {
	written, err := f.local.Save(ctx, envelopes)
	if err != nil {
		return nil, err
	}
	if len(written) == 0 {
		return written, nil
	}
	switch f.mode {
	case PassThrough:
		// no remote side.
	case Transient:
		if err := f.remote.Send(ctx, written); err != nil {
			return written, err
		}
	case Persistent:
		if err := f.outbox.enqueue(ctx, written); err != nil {
			return written, err
		}
		f.wake()
	}
	return written, nil
}

// PendingCount reports how many outbox entries a Persistent fork still
// has to deliver. Useful for tests and health reporting.
func (f *Fork) PendingCount() int {
	return f.outbox.len(context.Background())
}

// Stop halts the drain loop. In-flight sends are allowed to finish.
func (f *Fork) Stop() {
	close(f.done)
}

func (f *Fork) wake() {
	select {
	case f.drain <- struct{}{}:
	default:
	}
}

// drainLoop is the background loop a Persistent fork runs to deliver
// outbox entries, retrying with exponential backoff on failure. It is
// idempotent by construction: every entry is a batch of content-addressed
// envelopes, so redelivering one the remote already accepted changes
// nothing.
func (f *Fork) drainLoop() {
	ctx := context.Background()
	for {
		entry, ok, err := f.outbox.peek(ctx)
		if err != nil {
			log.Printf("fork: outbox peek failed, retrying in %s: %v", initialBackoff, err)
			select {
			case <-time.After(initialBackoff):
			case <-f.done:
				return
			}
			continue
		}
		if !ok {
			select {
			case <-f.drain:
				continue
			case <-f.done:
				return
			}
		}
		if err := f.remote.Send(ctx, entry.envelopes); err != nil {
			if rerr := f.outbox.retry(ctx); rerr != nil {
				log.Printf("fork: outbox retry bookkeeping failed: %v", rerr)
			}
			wait := backoff(entry.attempts, initialBackoff, maxBackoff)
			log.Printf("fork: outbox send failed (attempt %d), retrying in %s: %v", entry.attempts+1, wait, err)
			select {
			case <-time.After(wait):
			case <-f.done:
				return
			}
			continue
		}
		if err := f.outbox.ack(ctx); err != nil {
			log.Printf("fork: outbox ack failed: %v", err)
		}
	}
}

// Ingest absorbs a batch of envelopes received from a remote feed:
// dedup against local storage, save the novel ones, and advance the
// feed's bookmark. Callers are expected to make this atomic with their
// own storage transaction where the backend supports one; the in-memory
// and Postgres backends both make Save+SaveBookmark safe to call in
// sequence here because Save is idempotent on content address.
func (f *Fork) Ingest(ctx context.Context, feedName string, envelopes []fact.Envelope, bookmark string) ([]fact.Envelope, error) {
	refs := make([]fact.Reference, 0, len(envelopes))
	byRef := make(map[fact.Reference]fact.Envelope, len(envelopes))
	for _, env := range envelopes {
		ref, err := fact.RefOf(env.Fact)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
		byRef[ref] = env
	}
	existing, err := f.local.WhichExist(ctx, refs)
	if err != nil {
		return nil, err
	}
	known := make(map[fact.Reference]bool, len(existing))
	for _, r := range existing {
		known[r] = true
	}
	var novel []fact.Envelope
	for _, ref := range refs {
		if !known[ref] {
			novel = append(novel, byRef[ref])
		}
	}
	written, err := f.local.Save(ctx, novel)
	if err != nil {
		return nil, err
	}
	if err := f.local.SaveBookmark(ctx, feedName, bookmark); err != nil {
		return nil, err
	}
	return written, nil
}
