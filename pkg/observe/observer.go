package observe

import (
	"context"
	"fmt"

	"factum/pkg/fact"
	"factum/pkg/query"
	"factum/pkg/queryengine"
)

// SpecReader is the read surface an Observer needs from storage. Any
// store.Storage satisfies it, but Observer never imports pkg/store —
// the same interface-at-point-of-use split pkg/queryengine uses for
// GraphReader, so store can depend on observe without a cycle if a
// future coordinator wants one.
type SpecReader interface {
	Read(ctx context.Context, given queryengine.Row, spec *query.Specification) (queryengine.Result, error)
}

// AddedFunc is invoked once per newly matching tuple. Its return value is
// an opaque handle later passed back to RemovedFunc; callers that don't
// need one can return nil.
type AddedFunc func(row queryengine.Row) (interface{}, error)

// RemovedFunc is invoked once per tuple invalidated by an existential
// flip, receiving the handle its AddedFunc returned.
type RemovedFunc func(handle interface{})

// Observer is a live subscription against one specification. It keeps
// the set of tuples it has already delivered added for, so it can raise
// removed exactly when an existential condition flips a previously
// matching tuple out of the result set — never on account of a fact
// being deleted, since facts are immutable and never are.
type Observer struct {
	reader  SpecReader
	source  *Source
	spec    *query.Specification
	given   queryengine.Row
	onAdded AddedFunc
	onRemoved RemovedFunc

	queue chan func()
	done  chan struct{}

	known       map[string]observerEntry
	initialized chan struct{}
}

// observerEntry pairs the caller's own AddedFunc handle with the child
// Observer spawned for a NestedProjection, if any, so RemovedFunc's flip
// and Stop can tear the child down at the same time they forget the
// parent tuple.
type observerEntry struct {
	handle interface{}
	child  *Observer
}

// NewObserver constructs an Observer. Call Start to run the initial pass
// and begin receiving save notifications from source.
func NewObserver(reader SpecReader, source *Source, spec *query.Specification, given queryengine.Row, onAdded AddedFunc, onRemoved RemovedFunc) *Observer {
	return &Observer{
		reader:      reader,
		source:      source,
		spec:        spec,
		given:       given,
		onAdded:     onAdded,
		onRemoved:   onRemoved,
		queue:       make(chan func(), 256),
		done:        make(chan struct{}),
		known:       map[string]observerEntry{},
		initialized: make(chan struct{}),
	}
}

// Start launches the observer's serial dispatch loop, runs the initial
// evaluation, and registers with source so future saves are considered.
// The returned channel closes once the initial pass has delivered every
// starting tuple's added callback.
func (o *Observer) Start(ctx context.Context) <-chan struct{} {
	go o.loop()
	o.enqueue(func() { o.runInitial(ctx) })
	o.source.Register(o)
	return o.initialized
}

// Stop releases the subscription and closes done, which ends the dispatch
// loop and makes later enqueues no-ops. It does not wait for the loop: a
// callback already running, or a queued task the loop selects before it
// sees done, can still run after Stop returns. Any child observer spawned
// for a nested projection is stopped along with its parent.
func (o *Observer) Stop() {
	o.source.Unregister(o)
	for _, entry := range o.known {
		if entry.child != nil {
			entry.child.Stop()
		}
	}
	close(o.done)
}

// Notify implements Subscriber, queuing handleNotify onto this observer's
// own serial dispatch loop so concurrent saves never race its known set.
func (o *Observer) Notify(ctx context.Context, envelopes []fact.Envelope) {
	o.enqueue(func() { o.handleNotify(ctx, envelopes) })
}

func (o *Observer) enqueue(task func()) {
	select {
	case o.queue <- task:
	case <-o.done:
	}
}

// loop is the single goroutine that runs every callback for this
// observer, serially, the way pkg/subscriber's forced-reconnect loop
// generalizes a single dedicated per-connection goroutine rather than
// dispatching callbacks concurrently.
func (o *Observer) loop() {
	for {
		select {
		case task := <-o.queue:
			task()
		case <-o.done:
			return
		}
	}
}

func (o *Observer) runInitial(ctx context.Context) {
	result, err := o.reader.Read(ctx, o.given, o.spec)
	if err != nil {
		close(o.initialized)
		return
	}
	for _, row := range result.Rows {
		o.deliverAdded(ctx, row)
	}
	close(o.initialized)
}

func (o *Observer) handleNotify(ctx context.Context, envelopes []fact.Envelope) {
	if !o.relevant(envelopes) {
		return
	}
	result, err := o.reader.Read(ctx, o.given, o.spec)
	if err != nil {
		return
	}
	current := make(map[string]queryengine.Row, len(result.Rows))
	for _, row := range result.Rows {
		current[rowKey(row)] = row
	}
	for key, row := range current {
		if _, seen := o.known[key]; !seen {
			o.deliverAdded(ctx, row)
		}
	}
	for key, entry := range o.known {
		if _, stillPresent := current[key]; !stillPresent {
			delete(o.known, key)
			if entry.child != nil {
				entry.child.Stop()
			}
			if o.onRemoved != nil {
				o.onRemoved(entry.handle)
			}
		}
	}
}

// relevant reports whether any envelope in the batch could possibly
// change this observer's result set: its type must appear as some
// match's unknown, or within a nested existential match. A false
// negative would violate exactly-once delivery, so this stays
// conservative and only returns false when nothing in the batch shares a
// type with anything the watched query mentions.
func (o *Observer) relevant(envelopes []fact.Envelope) bool {
	types := specTypes(o.spec)
	for _, env := range envelopes {
		if types[env.Fact.Type] {
			return true
		}
	}
	return false
}

func specTypes(spec *query.Specification) map[string]bool {
	out := map[string]bool{}
	var walk func(matches []query.Match)
	walk = func(matches []query.Match) {
		for _, m := range matches {
			for _, cond := range m.Conditions {
				switch c := cond.(type) {
				case query.PathCondition:
					for _, r := range c.RolesLeft {
						out[r.Type] = true
					}
					for _, r := range c.RolesRight {
						out[r.Type] = true
					}
				case query.ExistentialCondition:
					walk(c.Matches)
				}
			}
		}
	}
	walk(spec.Matches)
	return out
}

func (o *Observer) deliverAdded(ctx context.Context, row queryengine.Row) {
	key := rowKey(row)
	if _, seen := o.known[key]; seen {
		return
	}
	var handle interface{}
	if o.onAdded != nil {
		var err error
		handle, err = o.onAdded(row)
		if err != nil {
			return
		}
	}
	var child *Observer
	if nested, ok := o.spec.Projection.(query.NestedProjection); ok && nested.Spec != nil {
		child = o.startChild(ctx, row, nested)
	}
	o.known[key] = observerEntry{handle: handle, child: child}
}

// startChild spawns and starts a child Observer over a NestedProjection's
// specification, given row's bindings as its starting environment, the
// runtime counterpart of a nested tuple starting when its parent tuple is
// added. The child's own tuples are delivered through this Observer's own
// onAdded/onRemoved, merged with the parent row under the projection's
// Name so a caller distinguishes nested bindings from the parent's own.
func (o *Observer) startChild(ctx context.Context, row queryengine.Row, nested query.NestedProjection) *Observer {
	given := make(queryengine.Row, len(row))
	for k, v := range row {
		given[k] = v
	}
	prefix := nested.Name + "."
	onAdded := func(childRow queryengine.Row) (interface{}, error) {
		if o.onAdded == nil {
			return nil, nil
		}
		return o.onAdded(mergeNested(row, prefix, childRow))
	}
	child := NewObserver(o.reader, o.source, nested.Spec, given, onAdded, o.onRemoved)
	child.Start(ctx)
	return child
}

// mergeNested combines a parent row with a nested row's bindings, keying
// the nested labels under prefix so they never collide with the parent's
// own labels of the same name.
func mergeNested(parent queryengine.Row, prefix string, child queryengine.Row) queryengine.Row {
	merged := make(queryengine.Row, len(parent)+len(child))
	for k, v := range parent {
		merged[k] = v
	}
	for k, v := range child {
		merged[query.Label(prefix+string(k))] = v
	}
	return merged
}

// Err reports a malformed specification an observer was asked to watch;
// currently reserved for future validation-at-start wiring.
type Err struct{ Reason string }

func (e *Err) Error() string { return fmt.Sprintf("observer error: %s", e.Reason) }
