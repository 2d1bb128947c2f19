package subscriber

import (
	"context"

	"factum/pkg/fact"
	"factum/pkg/wire"
)

// wireFeedStream adapts a *wire.FeedStream, whose Next returns
// wire.FeedLine, to the feedStream interface httpTransport consumes.
type wireFeedStream struct {
	stream *wire.FeedStream
}

func (w wireFeedStream) Next() (FeedLine, error) {
	line, err := w.stream.Next()
	if err != nil {
		return FeedLine{}, err
	}
	return FeedLine{References: line.References, Bookmark: line.Bookmark}, nil
}

func (w wireFeedStream) Close() error {
	return w.stream.Close()
}

// NewWireHTTPTransport builds an httpTransport that streams a named feed
// from a remote factumd instance over NDJSON, starting the walk from the
// same fixed set of references on every (re)connection.
func NewWireHTTPTransport(client *wire.Client, start []fact.Reference) *httpTransport {
	return NewHTTPTransport(func(ctx context.Context, name string, bookmark string) (feedStream, error) {
		stream, err := client.OpenFeed(ctx, name, start, bookmark)
		if err != nil {
			return nil, err
		}
		return wireFeedStream{stream: stream}, nil
	})
}

// WireResolver adapts *wire.Client to the Resolver interface via its Load
// method.
type WireResolver struct {
	Client *wire.Client
}

func (r WireResolver) Load(ctx context.Context, refs []fact.Reference) ([]fact.Envelope, error) {
	return r.Client.Load(ctx, refs)
}
