// Package factmanager is the central coordinator: it composes storage,
// authorization, signature verification, the observable fan-out source,
// and the optional local-write fork policy behind one Save/Load/Query/
// Read/Watch surface, the same flat-struct composition-root idiom
// cmd/gateway/main.go's own Server uses to hold every dependency a
// request handler needs.
package factmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"factum/pkg/audit"
	"factum/pkg/auth"
	"factum/pkg/authz"
	"factum/pkg/fact"
	"factum/pkg/fork"
	"factum/pkg/observe"
	"factum/pkg/query"
	"factum/pkg/queryengine"
	"factum/pkg/store"
	"factum/pkg/subscriber"
)

// SignatureRejected is returned by Save when a fact's signatures fail to
// verify against the configured KeyStore. Kept distinct from
// authz.Forbidden since the two failure causes are diagnostically
// different even though both a caller maps to an HTTP 403.
type SignatureRejected struct {
	FactType string
	Cause    error
}

func (e *SignatureRejected) Error() string {
	return fmt.Sprintf("signature rejected for %s: %v", e.FactType, e.Cause)
}

func (e *SignatureRejected) Unwrap() error { return e.Cause }

// saver is the subset of writing Manager needs, satisfied by either a
// bare store.Storage or a *fork.Fork wrapping one, so Manager doesn't
// need to know which write path is configured.
type saver interface {
	Save(ctx context.Context, envelopes []fact.Envelope) ([]fact.Envelope, error)
}

// Manager composes every engine-level component behind one façade.
// Storage and Source are required; Authz, Signatures, and Fork are
// optional (nil disables the corresponding check or defaults to a
// direct local save).
type Manager struct {
	Storage    store.Storage
	Fork       *fork.Fork
	Authz      *authz.Engine
	Signatures auth.KeyStore
	Source     *observe.Source

	// Audit, when set, records the verdict of every signature and
	// authorization check Save makes. Nil disables audit logging
	// entirely, the same convention Authz and Signatures use.
	Audit *audit.Writer

	subsMu sync.Mutex
	subs   map[string]*subscriber.Subscriber
}

// New constructs a Manager over required storage and an observable
// source. Optional components are set as fields afterward.
func New(storage store.Storage, source *observe.Source) *Manager {
	return &Manager{Storage: storage, Source: source, subs: map[string]*subscriber.Subscriber{}}
}

func (m *Manager) writer() saver {
	if m.Fork != nil {
		return m.Fork
	}
	return m.Storage
}

// Save verifies signatures and authorization for every not-yet-known
// fact in envelopes, persists the batch through the configured write
// path, and notifies the observable source of what was newly written.
// The full submitted batch is its own evidence bundle: a fact's
// predecessors travel in the same request that introduces it, so
// authorization never needs a fact not already in envelopes or storage.
func (m *Manager) Save(ctx context.Context, envelopes []fact.Envelope, user fact.Reference) ([]fact.Envelope, error) {
	if len(envelopes) == 0 {
		return nil, nil
	}
	refs := make([]fact.Reference, len(envelopes))
	for i, env := range envelopes {
		ref, err := fact.RefOf(env.Fact)
		if err != nil {
			return nil, fmt.Errorf("factmanager: malformed fact at index %d: %w", i, err)
		}
		refs[i] = ref
	}
	existing, err := m.Storage.WhichExist(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("factmanager: check existing facts: %w", err)
	}
	known := make(map[fact.Reference]bool, len(existing))
	for _, ref := range existing {
		known[ref] = true
	}

	// batchID correlates every audit row this call writes.
	batchID := uuid.New().String()

	for i, env := range envelopes {
		if known[refs[i]] {
			continue
		}
		signers := signerIDs(env.Signatures)
		if m.Signatures != nil {
			if _, err := auth.VerifyAny(ctx, env.Fact, env.Signatures, m.Signatures); err != nil {
				m.recordAudit(ctx, batchID, env.Fact.Type, refs[i].Hash, user.Hash, signers, audit.VerdictDeny, "signature_rejected")
				return nil, &SignatureRejected{FactType: env.Fact.Type, Cause: err}
			}
		}
		if m.Authz != nil {
			if err := m.Authz.Authorize(ctx, env.Fact.Type, refs[i], envelopes, user); err != nil {
				m.recordAudit(ctx, batchID, env.Fact.Type, refs[i].Hash, user.Hash, signers, audit.VerdictDeny, "not_authorized")
				return nil, err
			}
		}
		m.recordAudit(ctx, batchID, env.Fact.Type, refs[i].Hash, user.Hash, signers, audit.VerdictAllow, "ok")
	}

	written, err := m.writer().Save(ctx, envelopes)
	if err != nil {
		return nil, fmt.Errorf("factmanager: save: %w", err)
	}
	if len(written) > 0 && m.Source != nil {
		m.Source.Notify(ctx, written)
	}
	return written, nil
}

// Load returns the ancestor closure of the given references.
func (m *Manager) Load(ctx context.Context, refs []fact.Reference) ([]fact.Envelope, error) {
	return m.Storage.Load(ctx, refs)
}

// Query executes a legacy step-form graph walk.
func (m *Manager) Query(ctx context.Context, start []fact.Reference, q query.StepQuery) ([]fact.Reference, error) {
	return m.Storage.Query(ctx, start, q)
}

// Read executes a specification, returning one row per satisfying tuple.
func (m *Manager) Read(ctx context.Context, given queryengine.Row, spec *query.Specification) (queryengine.Result, error) {
	return m.Storage.Read(ctx, given, spec)
}

// Watch starts a live Observer against spec, registering it with the
// Manager's Source so future saves are considered. Callers must call
// Stop on the returned Observer when done.
func (m *Manager) Watch(ctx context.Context, spec *query.Specification, given queryengine.Row, onAdded observe.AddedFunc, onRemoved observe.RemovedFunc) (*observe.Observer, <-chan struct{}) {
	o := observe.NewObserver(m.Storage, m.Source, spec, given, onAdded, onRemoved)
	ready := o.Start(ctx)
	return o, ready
}

// Ingest absorbs a batch of envelopes pulled from a remote feed
// subscription, delegating to the configured Fork when one is set (so
// a Persistent fork's outbox and dedup logic are reused) or falling
// back to a direct local save otherwise.
func (m *Manager) Ingest(ctx context.Context, feedName string, envelopes []fact.Envelope, bookmark string) ([]fact.Envelope, error) {
	if m.Fork != nil {
		written, err := m.Fork.Ingest(ctx, feedName, envelopes, bookmark)
		if err != nil {
			return nil, err
		}
		if len(written) > 0 && m.Source != nil {
			m.Source.Notify(ctx, written)
		}
		return written, nil
	}
	written, err := m.Storage.Save(ctx, envelopes)
	if err != nil {
		return nil, err
	}
	if err := m.Storage.SaveBookmark(ctx, feedName, bookmark); err != nil {
		return nil, err
	}
	if len(written) > 0 && m.Source != nil {
		m.Source.Notify(ctx, written)
	}
	return written, nil
}

// recordAudit is best-effort: a failed audit write must never block or
// fail the save it's describing, so its error is dropped after being
// swallowed once here rather than propagated to the caller.
func (m *Manager) recordAudit(ctx context.Context, batchID, factType, factHash, actorID string, signers []string, verdict audit.Verdict, reason string) {
	if m.Audit == nil {
		return
	}
	_ = m.Audit.Append(ctx, audit.Record{
		BatchID:    batchID,
		FactType:   factType,
		FactHash:   factHash,
		ActorID:    actorID,
		Signers:    signers,
		Verdict:    verdict,
		ReasonCode: reason,
		CreatedAt:  time.Now().UTC(),
	})
}

func signerIDs(sigs []fact.Signature) []string {
	if len(sigs) == 0 {
		return nil
	}
	out := make([]string, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, s.Signer)
	}
	return out
}

// LoadBookmark satisfies subscriber.BookmarkStore, resuming a remote
// feed subscription from where it last left off.
func (m *Manager) LoadBookmark(ctx context.Context, feedName string) (string, error) {
	return m.Storage.LoadBookmark(ctx, feedName)
}

// Subscribe acquires a refcounted subscription to a named remote feed,
// building the underlying Subscriber on first acquisition from build
// and reusing it for every subsequent caller of the same feedName until
// the last one releases it.
func (m *Manager) Subscribe(ctx context.Context, feedName string, build func() *subscriber.Subscriber) error {
	m.subsMu.Lock()
	sub, ok := m.subs[feedName]
	if !ok {
		sub = build()
		m.subs[feedName] = sub
	}
	m.subsMu.Unlock()

	_, err := sub.AddRef(ctx)
	return err
}

// Unsubscribe releases one reference on feedName's subscription, tearing
// it down and forgetting it once the last caller has released it.
func (m *Manager) Unsubscribe(feedName string) {
	m.subsMu.Lock()
	sub, ok := m.subs[feedName]
	if !ok {
		m.subsMu.Unlock()
		return
	}
	m.subsMu.Unlock()

	if sub.Release() {
		m.subsMu.Lock()
		delete(m.subs, feedName)
		m.subsMu.Unlock()
	}
}
