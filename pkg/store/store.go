// Package store defines the storage contract facts, edges, ancestor
// closures, and bookmarks must satisfy, plus an in-memory reference
// implementation and Postgres/Redis-backed alternatives.
package store

import (
	"context"
	"fmt"

	"factum/pkg/fact"
	"factum/pkg/query"
	"factum/pkg/queryengine"
)

// NotFound is returned when a bookmark or reference required by an
// operation is not present in storage.
type NotFound struct {
	What string
}

func (e *NotFound) Error() string { return fmt.Sprintf("not found: %s", e.What) }

// Corrupt signals an inconsistent fact graph: an ancestor closure missing
// an entry it should contain (raised by load-time checks), or a save batch
// whose predecessor references form a cycle (raised by MemoryStore.Save).
type Corrupt struct {
	Reason string
}

func (e *Corrupt) Error() string { return fmt.Sprintf("storage corrupt: %s", e.Reason) }

// FeedDescriptor names a server-defined feed a client can stream against.
type FeedDescriptor struct {
	Name  string
	Query query.StepQuery
}

// FeedPage is one page of a feed's stream: newly matching references plus
// the bookmark to resume from.
type FeedPage struct {
	References   []fact.Reference
	NextBookmark string
}

// Login associates a session token with the fact reference of the user it
// authenticates and a display name.
type Login struct {
	UserFact    fact.Reference
	DisplayName string
}

// Storage is the contract every backend (in-memory, Postgres, or a remote
// proxy) must satisfy.
type Storage interface {
	// Save persists each envelope at most once, returning only the ones
	// newly written. Callers must supply predecessors before or within
	// the same batch (topological acceptance).
	Save(ctx context.Context, envelopes []fact.Envelope) ([]fact.Envelope, error)
	// Load returns the union of ancestor sets of the given references.
	Load(ctx context.Context, refs []fact.Reference) ([]fact.Envelope, error)
	// WhichExist returns the subset of refs already present.
	WhichExist(ctx context.Context, refs []fact.Reference) ([]fact.Reference, error)
	// Query executes a legacy step-form graph walk.
	Query(ctx context.Context, start []fact.Reference, q query.StepQuery) ([]fact.Reference, error)
	// Read executes a specification, returning one row per satisfying
	// tuple.
	Read(ctx context.Context, given queryengine.Row, spec *query.Specification) (queryengine.Result, error)
	// Feed streams references newly matching a feed past a bookmark.
	Feed(ctx context.Context, fd FeedDescriptor, start []fact.Reference, bookmark string) (FeedPage, error)
	// SaveBookmark and LoadBookmark persist opaque per-feed stream
	// positions.
	SaveBookmark(ctx context.Context, feedName, bookmark string) error
	LoadBookmark(ctx context.Context, feedName string) (string, error)
	// SaveLogin and LoadLogin manage the session-token login map.
	SaveLogin(ctx context.Context, token string, login Login) error
	LoadLogin(ctx context.Context, token string) (Login, error)
	// GraphReader exposes the predecessor/successor/field walk pkg/authz
	// needs to evaluate a rule against facts beyond a submission's own
	// evidence bundle.
	GraphReader() queryengine.GraphReader
}
