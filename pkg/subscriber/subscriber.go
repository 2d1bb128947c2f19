// Package subscriber implements a refcounted live subscription against a
// remote feed: many local observers can watch the same remote feed
// through a single underlying connection, torn down only once the last
// one lets go.
package subscriber

import (
	"context"
	"sync"
	"time"

	"factum/pkg/fact"
)

// forceReconnectAfter bounds how long a single underlying connection is
// held open before it is torn down and reopened from the last persisted
// bookmark, the same defensive reconnect cadence a long-lived streaming
// client needs regardless of transport.
var forceReconnectAfter = 4 * time.Minute

// Ingester absorbs envelopes pulled from a remote feed. fork.Fork
// satisfies this directly.
type Ingester interface {
	Ingest(ctx context.Context, feedName string, envelopes []fact.Envelope, bookmark string) ([]fact.Envelope, error)
}

// BookmarkStore supplies the last persisted position to resume a feed
// from after a reconnect.
type BookmarkStore interface {
	LoadBookmark(ctx context.Context, feedName string) (string, error)
}

// Resolver turns a feed line's bare references into full envelopes. A
// feed only ever carries references and a bookmark on the wire; both
// transports resolve through the same reference-closure load endpoint
// regardless of how the line itself was delivered.
type Resolver interface {
	Load(ctx context.Context, refs []fact.Reference) ([]fact.Envelope, error)
}

// FeedLine mirrors pkg/wire.FeedLine so pkg/subscriber never needs to
// import pkg/wire's HTTP-specific types directly; the two are kept in
// sync by hand since both describe the same wire shape.
type FeedLine struct {
	References []fact.Reference
	Bookmark   string
}

// transport is the underlying streaming mechanism, passed to New by the
// caller. It streams lines until ctx is done, calling onLine per line
// received and markReady as soon as the first response or error is known;
// it may call markReady again later, and only the first call counts.
type transport interface {
	run(ctx context.Context, feedName string, startBookmark string, onLine func(FeedLine), markReady func(error))
}

// Subscriber is one refcounted subscription to one remote feed. AddRef
// starts the underlying connection on first acquisition and blocks every
// caller (not just the first) until the connection's initial response or
// error is known; Release tears the connection down on the last release.
type Subscriber struct {
	feedName  string
	transport transport
	resolver  Resolver
	ingest    Ingester
	bookmarks BookmarkStore

	mu       sync.Mutex
	refCount int
	cancel   context.CancelFunc
	ready    chan struct{}
	readyErr error
	loopDone chan struct{}
}

// New constructs a Subscriber for one named feed over the given
// transport (see NewHTTPTransport / NewWebSocketTransport).
func New(feedName string, t transport, resolver Resolver, ingest Ingester, bookmarks BookmarkStore) *Subscriber {
	return &Subscriber{feedName: feedName, transport: t, resolver: resolver, ingest: ingest, bookmarks: bookmarks}
}

// AddRef increments the reference count, starting the connection if this
// is the first caller, and blocks until that connection's first response
// (or terminal error) is known — the initialization barrier every caller
// observes identically, whether or not they were the one who started it.
func (s *Subscriber) AddRef(ctx context.Context) (firstAcquire bool, err error) {
	s.mu.Lock()
	s.refCount++
	firstAcquire = s.refCount == 1
	if firstAcquire {
		loopCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.ready = make(chan struct{})
		s.loopDone = make(chan struct{})
		go s.run(loopCtx)
	}
	ready := s.ready
	s.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return firstAcquire, ctx.Err()
	}
	s.mu.Lock()
	err = s.readyErr
	s.mu.Unlock()
	return firstAcquire, err
}

// Release decrements the reference count, tearing the connection down
// and waiting for its goroutine to exit if this was the last reference.
func (s *Subscriber) Release() (lastRelease bool) {
	s.mu.Lock()
	if s.refCount > 0 {
		s.refCount--
	}
	lastRelease = s.refCount == 0
	var cancel context.CancelFunc
	done := s.loopDone
	if lastRelease {
		cancel = s.cancel
	}
	s.mu.Unlock()
	if lastRelease && cancel != nil {
		cancel()
		<-done
	}
	return lastRelease
}

func (s *Subscriber) markReady(err error) {
	s.mu.Lock()
	select {
	case <-s.ready:
	default:
		s.readyErr = err
		close(s.ready)
	}
	s.mu.Unlock()
}

func (s *Subscriber) run(ctx context.Context) {
	defer close(s.loopDone)
	bookmark, _ := s.bookmarks.LoadBookmark(ctx, s.feedName)
	first := true
	markReady := func(err error) {
		if first {
			s.markReady(err)
			first = false
		}
	}
	onLine := func(line FeedLine) {
		envelopes, err := s.resolver.Load(ctx, line.References)
		if err != nil {
			return
		}
		_, _ = s.ingest.Ingest(ctx, s.feedName, envelopes, line.Bookmark)
	}
	s.transport.run(ctx, s.feedName, bookmark, onLine, markReady)
	markReady(context.Canceled)
}
