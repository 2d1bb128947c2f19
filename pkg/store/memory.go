package store

import (
	"context"
	"sync"

	"factum/pkg/fact"
	"factum/pkg/query"
	"factum/pkg/queryengine"
)

// MemoryStore is the in-memory reference implementation of Storage. It is
// not safe for use from multiple processes but is fully thread-safe within
// one, guarded by a single mutex the same way an in-process cache guards
// its item map.
type MemoryStore struct {
	mu sync.Mutex

	facts     map[fact.Reference]fact.Envelope
	sequence  map[fact.Reference]int64
	nextSeq   int64
	successor map[fact.Reference]map[string][]fact.Reference
	ancestors map[fact.Reference]map[fact.Reference]bool

	bookmarks map[string]string
	logins    map[string]Login
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		facts:     map[fact.Reference]fact.Envelope{},
		sequence:  map[fact.Reference]int64{},
		successor: map[fact.Reference]map[string][]fact.Reference{},
		ancestors: map[fact.Reference]map[fact.Reference]bool{},
		bookmarks: map[string]string{},
		logins:    map[string]Login{},
	}
}

func (m *MemoryStore) Save(ctx context.Context, envelopes []fact.Envelope) ([]fact.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := make(map[fact.Reference]fact.Envelope, len(envelopes))
	for _, e := range envelopes {
		ref, err := fact.RefOf(e.Fact)
		if err != nil {
			return nil, err
		}
		batch[ref] = e
	}

	var written []fact.Envelope
	visiting := map[fact.Reference]bool{}
	visited := map[fact.Reference]bool{}

	var resolve func(ref fact.Reference) error
	resolve = func(ref fact.Reference) error {
		if visited[ref] {
			return nil
		}
		if _, ok := m.facts[ref]; ok {
			visited[ref] = true
			return nil
		}
		env, inBatch := batch[ref]
		if !inBatch {
			return &NotFound{What: "predecessor " + ref.String()}
		}
		if visiting[ref] {
			return &Corrupt{Reason: "cyclic predecessor reference at " + ref.String()}
		}
		visiting[ref] = true
		for _, preds := range env.Fact.Predecessors {
			for _, p := range preds {
				if err := resolve(p); err != nil {
					return err
				}
			}
		}
		visiting[ref] = false
		m.insertLocked(ref, env)
		written = append(written, env)
		visited[ref] = true
		return nil
	}

	for ref := range batch {
		if err := resolve(ref); err != nil {
			return nil, err
		}
	}
	return written, nil
}

// insertLocked assumes the caller holds mu and every predecessor of env is
// already stored.
func (m *MemoryStore) insertLocked(ref fact.Reference, env fact.Envelope) {
	if _, exists := m.facts[ref]; exists {
		return
	}
	m.facts[ref] = env
	m.nextSeq++
	m.sequence[ref] = m.nextSeq

	closure := map[fact.Reference]bool{ref: true}
	for role, preds := range env.Fact.Predecessors {
		for _, p := range preds {
			for a := range m.ancestors[p] {
				closure[a] = true
			}
			if m.successor[p] == nil {
				m.successor[p] = map[string][]fact.Reference{}
			}
			m.successor[p][role] = append(m.successor[p][role], ref)
		}
	}
	m.ancestors[ref] = closure
}

func (m *MemoryStore) Load(ctx context.Context, refs []fact.Reference) ([]fact.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[fact.Reference]bool{}
	var out []fact.Envelope
	for _, ref := range refs {
		closure, ok := m.ancestors[ref]
		if !ok {
			return nil, &Corrupt{Reason: "ancestor closure missing for " + ref.String()}
		}
		for a := range closure {
			if seen[a] {
				continue
			}
			seen[a] = true
			out = append(out, m.facts[a])
		}
	}
	return out, nil
}

func (m *MemoryStore) WhichExist(ctx context.Context, refs []fact.Reference) ([]fact.Reference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fact.Reference
	for _, ref := range refs {
		if _, ok := m.facts[ref]; ok {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (m *MemoryStore) Query(ctx context.Context, start []fact.Reference, q query.StepQuery) ([]fact.Reference, error) {
	return queryengine.RunSteps(ctx, m.reader(), start, q)
}

func (m *MemoryStore) Read(ctx context.Context, given queryengine.Row, spec *query.Specification) (queryengine.Result, error) {
	return queryengine.Run(ctx, m.reader(), spec, given)
}

func (m *MemoryStore) Feed(ctx context.Context, fd FeedDescriptor, start []fact.Reference, bookmark string) (FeedPage, error) {
	refs, err := m.Query(ctx, start, fd.Query)
	if err != nil {
		return FeedPage{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var after int64
	if bookmark != "" {
		after = decodeBookmark(bookmark)
	}
	var page []fact.Reference
	maxSeq := after
	for _, r := range refs {
		seq := m.sequence[r]
		if seq > after {
			page = append(page, r)
			if seq > maxSeq {
				maxSeq = seq
			}
		}
	}
	return FeedPage{References: page, NextBookmark: encodeBookmark(maxSeq)}, nil
}

func (m *MemoryStore) SaveBookmark(ctx context.Context, feedName, bookmark string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookmarks[feedName] = bookmark
	return nil
}

func (m *MemoryStore) LoadBookmark(ctx context.Context, feedName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bookmarks[feedName], nil
}

func (m *MemoryStore) SaveLogin(ctx context.Context, token string, login Login) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins[token] = login
	return nil
}

func (m *MemoryStore) LoadLogin(ctx context.Context, token string) (Login, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	login, ok := m.logins[token]
	if !ok {
		return Login{}, &NotFound{What: "login " + token}
	}
	return login, nil
}
