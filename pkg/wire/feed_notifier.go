package wire

import (
	"context"

	"factum/pkg/fact"
)

// feedNotifier implements observe.Subscriber for a single open GET
// /feeds/{name} connection: it doesn't care what changed, only that
// something did, so the handler's own loop can re-run the feed query.
// The channel is buffered by one and never blocks a send, coalescing
// bursts of saves into a single re-check the way a dirty flag would.
type feedNotifier struct {
	updates chan struct{}
}

func (f *feedNotifier) Notify(ctx context.Context, envelopes []fact.Envelope) {
	select {
	case f.updates <- struct{}{}:
	default:
	}
}
