package subscriber

import (
	"context"
	"time"
)

// feedStream is the narrow surface httpTransport needs from
// pkg/wire.FeedStream.
type feedStream interface {
	Next() (FeedLine, error)
	Close() error
}

// httpTransport streams a feed over the NDJSON HTTP GET contract,
// reconnecting on any stream error and forcibly every
// forceReconnectAfter to bound how long a single TCP connection is held.
type httpTransport struct {
	open func(ctx context.Context, name string, bookmark string) (feedStream, error)
}

// NewHTTPTransport builds a transport backed by a feed-opening function.
// Callers typically pass a closure over *wire.Client.OpenFeed, since
// wire.FeedStream/wire.Client can't be named directly here without
// pkg/subscriber importing pkg/wire.
func NewHTTPTransport(open func(ctx context.Context, name string, bookmark string) (feedStream, error)) *httpTransport {
	return &httpTransport{open: open}
}

func (h *httpTransport) run(ctx context.Context, feedName string, startBookmark string, onLine func(FeedLine), markReady func(error)) {
	bookmark := startBookmark
	backoffDelay := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		connCtx, cancel := context.WithTimeout(ctx, forceReconnectAfter)
		stream, err := h.open(connCtx, feedName, bookmark)
		if err != nil {
			markReady(err)
			cancel()
			if !sleepOrDone(ctx, backoffDelay) {
				return
			}
			backoffDelay = nextBackoff(backoffDelay, maxBackoff)
			continue
		}
		backoffDelay = 500 * time.Millisecond

		for {
			line, err := stream.Next()
			if err != nil {
				break
			}
			markReady(nil)
			bookmark = line.Bookmark
			onLine(line)
		}
		_ = stream.Close()
		cancel()
		if ctx.Err() != nil {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}
