package store

import (
	"context"
	"strconv"

	"factum/pkg/fact"
	"factum/pkg/queryengine"
)

// memoryReader adapts MemoryStore's locked maps to queryengine.GraphReader.
// It takes its own lock per call rather than being held across a Run, since
// the executor may call back into it many times per row.
type memoryReader struct {
	m *MemoryStore
}

func (m *MemoryStore) reader() *memoryReader { return &memoryReader{m: m} }

// GraphReader satisfies Storage's GraphReader accessor.
func (m *MemoryStore) GraphReader() queryengine.GraphReader { return m.reader() }

func (r *memoryReader) Predecessors(ctx context.Context, ref fact.Reference, role string) ([]fact.Reference, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	env, ok := r.m.facts[ref]
	if !ok {
		return nil, nil
	}
	return env.Fact.Predecessors[role], nil
}

func (r *memoryReader) Successors(ctx context.Context, ref fact.Reference, role string) ([]fact.Reference, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.m.successor[ref][role], nil
}

func (r *memoryReader) TypeOf(ctx context.Context, ref fact.Reference) (string, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.m.facts[ref].Fact.Type, nil
}

func (r *memoryReader) FieldOf(ctx context.Context, ref fact.Reference, field string) (fact.Value, bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	env, ok := r.m.facts[ref]
	if !ok {
		return fact.Value{}, false, nil
	}
	v, ok := env.Fact.Fields[field]
	return v, ok, nil
}

func (r *memoryReader) SequenceOf(ctx context.Context, ref fact.Reference) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return r.m.sequence[ref], nil
}

// Bookmarks are opaque strings to callers; internally the memory store
// encodes them as the decimal sequence number of the last emitted fact.
func encodeBookmark(seq int64) string {
	return strconv.FormatInt(seq, 10)
}

func decodeBookmark(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
