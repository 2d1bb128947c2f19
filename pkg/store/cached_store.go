package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"factum/pkg/fact"
	"factum/pkg/query"
	"factum/pkg/queryengine"
)

// existenceTTL bounds how long a WhichExist hit is trusted before the
// underlying store is asked again. Facts are immutable once written, so a
// positive hit never needs to be evicted early; this only protects against
// an unbounded cache on a long-lived process.
const existenceTTL = 24 * time.Hour

// CachedStore wraps a Storage with a read-through Cache for the two
// lookups a busy ingest path repeats most: existence checks (deduping
// resubmitted facts) and bookmark reads (resuming a feed). Every write and
// every cache miss still goes to the wrapped Storage, so a cold or
// unavailable cache never changes correctness, only latency.
type CachedStore struct {
	inner Storage
	cache Cache
}

func NewCachedStore(inner Storage, cache Cache) *CachedStore {
	return &CachedStore{inner: inner, cache: cache}
}

func (c *CachedStore) Save(ctx context.Context, envelopes []fact.Envelope) ([]fact.Envelope, error) {
	written, err := c.inner.Save(ctx, envelopes)
	if err != nil {
		return nil, err
	}
	for _, env := range written {
		ref, err := fact.RefOf(env.Fact)
		if err != nil {
			continue
		}
		_ = c.cache.Set(ctx, existsKey(ref), "1", existenceTTL)
	}
	return written, nil
}

func (c *CachedStore) Load(ctx context.Context, refs []fact.Reference) ([]fact.Envelope, error) {
	return c.inner.Load(ctx, refs)
}

func (c *CachedStore) WhichExist(ctx context.Context, refs []fact.Reference) ([]fact.Reference, error) {
	var out []fact.Reference
	var uncached []fact.Reference
	for _, ref := range refs {
		_, err := c.cache.Get(ctx, existsKey(ref))
		switch {
		case err == nil:
			out = append(out, ref)
		case errors.Is(err, redis.Nil):
			uncached = append(uncached, ref)
		default:
			// cache unavailable: fall back to storage for this ref too.
			uncached = append(uncached, ref)
		}
	}
	if len(uncached) == 0 {
		return out, nil
	}
	found, err := c.inner.WhichExist(ctx, uncached)
	if err != nil {
		return nil, err
	}
	for _, ref := range found {
		_ = c.cache.Set(ctx, existsKey(ref), "1", existenceTTL)
		out = append(out, ref)
	}
	return out, nil
}

func (c *CachedStore) Query(ctx context.Context, start []fact.Reference, q query.StepQuery) ([]fact.Reference, error) {
	return c.inner.Query(ctx, start, q)
}

func (c *CachedStore) Read(ctx context.Context, given queryengine.Row, spec *query.Specification) (queryengine.Result, error) {
	return c.inner.Read(ctx, given, spec)
}

func (c *CachedStore) Feed(ctx context.Context, fd FeedDescriptor, start []fact.Reference, bookmark string) (FeedPage, error) {
	return c.inner.Feed(ctx, fd, start, bookmark)
}

// GraphReader delegates to the wrapped Storage; caching a read-graph
// walk isn't worth it since authz rules only run once per submitted
// fact, not per query.
func (c *CachedStore) GraphReader() queryengine.GraphReader {
	return c.inner.GraphReader()
}

func (c *CachedStore) SaveBookmark(ctx context.Context, feedName, bookmark string) error {
	if err := c.inner.SaveBookmark(ctx, feedName, bookmark); err != nil {
		return err
	}
	if err := c.cache.Set(ctx, bookmarkKey(feedName), bookmark, 0); err != nil {
		// Drop any older cached value so LoadBookmark falls through to
		// storage rather than serving a stale bookmark.
		_ = c.cache.Del(ctx, bookmarkKey(feedName))
	}
	return nil
}

func (c *CachedStore) LoadBookmark(ctx context.Context, feedName string) (string, error) {
	if v, err := c.cache.Get(ctx, bookmarkKey(feedName)); err == nil {
		return v, nil
	}
	return c.inner.LoadBookmark(ctx, feedName)
}

func (c *CachedStore) SaveLogin(ctx context.Context, token string, login Login) error {
	return c.inner.SaveLogin(ctx, token, login)
}

func (c *CachedStore) LoadLogin(ctx context.Context, token string) (Login, error) {
	return c.inner.LoadLogin(ctx, token)
}

func existsKey(ref fact.Reference) string  { return "exists:" + ref.Type + ":" + ref.Hash }
func bookmarkKey(feedName string) string   { return "bookmark:" + feedName }
