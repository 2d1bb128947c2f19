package fork

import (
	"context"

	"factum/pkg/fact"
)

// RemoteSink is the outbound half of a fork: whatever knows how to hand a
// batch of envelopes to the remote side, typically pkg/wire's HTTP
// client. Kept as a narrow interface at the point of use, the same way
// pkg/queryengine defines GraphReader instead of importing a concrete
// storage type.
type RemoteSink interface {
	Send(ctx context.Context, envelopes []fact.Envelope) error
}

// LocalStore is the subset of store.Storage the fork needs: saving,
// checking existence for dedup, and reading/advancing a feed bookmark.
type LocalStore interface {
	Save(ctx context.Context, envelopes []fact.Envelope) ([]fact.Envelope, error)
	WhichExist(ctx context.Context, refs []fact.Reference) ([]fact.Reference, error)
	SaveBookmark(ctx context.Context, feedName, bookmark string) error
	LoadBookmark(ctx context.Context, feedName string) (string, error)
}
