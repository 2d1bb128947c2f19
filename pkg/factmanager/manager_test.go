package factmanager

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"factum/pkg/auth"
	"factum/pkg/authz"
	"factum/pkg/fact"
	"factum/pkg/fork"
	"factum/pkg/observe"
	"factum/pkg/query"
	"factum/pkg/queryengine"
	"factum/pkg/store"
)

func TestManagerSaveThenLoad(t *testing.T) {
	m := New(store.NewMemoryStore(), observe.NewSource())
	env := fact.Envelope{Fact: fact.New("Ping", map[string]fact.Value{"n": fact.NumberValue(1)}, nil)}

	written, err := m.Save(context.Background(), []fact.Envelope{env}, fact.Reference{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(written) != 1 {
		t.Fatalf("expected 1 written envelope, got %d", len(written))
	}

	ref, err := fact.RefOf(env.Fact)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := m.Load(context.Background(), []fact.Reference{ref})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Fact.Type != "Ping" {
		t.Fatalf("expected the saved fact back, got %+v", loaded)
	}
}

func TestManagerSaveIsIdempotentOnResubmit(t *testing.T) {
	m := New(store.NewMemoryStore(), observe.NewSource())
	env := fact.Envelope{Fact: fact.New("Ping", map[string]fact.Value{"n": fact.NumberValue(1)}, nil)}

	if _, err := m.Save(context.Background(), []fact.Envelope{env}, fact.Reference{}); err != nil {
		t.Fatal(err)
	}
	written, err := m.Save(context.Background(), []fact.Envelope{env}, fact.Reference{})
	if err != nil {
		t.Fatal(err)
	}
	if len(written) != 0 {
		t.Fatalf("expected resubmission to write nothing new, got %d", len(written))
	}
}

func TestManagerSaveRejectsUnsignedFactWhenSignaturesRequired(t *testing.T) {
	m := New(store.NewMemoryStore(), observe.NewSource())
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keys := auth.NewStaticKeyStore()
	keys.Put(auth.KeyRecord{Kid: "device-1", Signer: "device-1", PublicKey: pub, Status: "active"})
	m.Signatures = keys

	env := fact.Envelope{Fact: fact.New("Ping", nil, nil)}
	_, err = m.Save(context.Background(), []fact.Envelope{env}, fact.Reference{})
	if err == nil {
		t.Fatal("expected an unsigned fact to be rejected")
	}
	if _, ok := err.(*SignatureRejected); !ok {
		t.Fatalf("expected a SignatureRejected error, got %T: %v", err, err)
	}
}

func TestManagerSaveAcceptsSignedFact(t *testing.T) {
	m := New(store.NewMemoryStore(), observe.NewSource())
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keys := auth.NewStaticKeyStore()
	keys.Put(auth.KeyRecord{Kid: "device-1", Signer: "device-1", PublicKey: pub, Status: "active"})
	m.Signatures = keys

	env := fact.Envelope{Fact: fact.New("Ping", nil, nil)}
	sig, err := auth.Sign(env.Fact, "device-1", priv)
	if err != nil {
		t.Fatal(err)
	}
	env.Signatures = []fact.Signature{sig}

	written, err := m.Save(context.Background(), []fact.Envelope{env}, fact.Reference{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(written) != 1 {
		t.Fatalf("expected 1 written envelope, got %d", len(written))
	}
}

func TestManagerSaveEnforcesAuthorization(t *testing.T) {
	memStore := store.NewMemoryStore()
	m := New(memStore, observe.NewSource())
	engine := authz.NewEngine(memStore.GraphReader(), false)
	if err := engine.Register("Secret", authz.Rule{Kind: authz.None}); err != nil {
		t.Fatal(err)
	}
	m.Authz = engine

	env := fact.Envelope{Fact: fact.New("Secret", nil, nil)}
	if _, err := m.Save(context.Background(), []fact.Envelope{env}, fact.Reference{}); err == nil {
		t.Fatal("expected a None-ruled fact type to be rejected")
	}
}

func TestManagerSaveNotifiesWatchers(t *testing.T) {
	memStore := store.NewMemoryStore()
	source := observe.NewSource()
	m := New(memStore, source)

	spec := &query.Specification{
		Given: []query.Label{"root"},
		Matches: []query.Match{{
			Unknown: "task",
			Conditions: []query.Condition{
				query.PathCondition{
					LabelRight: "root",
					RolesLeft:  []query.Role{{Name: "list", Type: "Task"}},
				},
			},
		}},
		Projection: query.LabelProjection{Label: "task"},
	}

	list := fact.New("List", nil, nil)
	if _, err := memStore.Save(context.Background(), []fact.Envelope{{Fact: list}}); err != nil {
		t.Fatal(err)
	}
	listRef, err := fact.RefOf(list)
	if err != nil {
		t.Fatal(err)
	}

	obs, ready := m.Watch(context.Background(), spec, queryengine.Row{"root": listRef},
		func(row queryengine.Row) (interface{}, error) { return nil, nil },
		nil)
	defer obs.Stop()
	<-ready

	task := fact.New("Task", nil, map[string][]fact.Reference{"list": {listRef}})
	if _, err := m.Save(context.Background(), []fact.Envelope{{Fact: task}}, fact.Reference{}); err != nil {
		t.Fatal(err)
	}
}

func TestManagerIngestUsesForkWhenConfigured(t *testing.T) {
	memStore := store.NewMemoryStore()
	m := New(memStore, observe.NewSource())
	m.Fork = fork.New(fork.PassThrough, memStore, nil)

	env := fact.Envelope{Fact: fact.New("Ping", nil, nil)}
	written, err := m.Ingest(context.Background(), "pings", []fact.Envelope{env}, "bookmark-1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(written) != 1 {
		t.Fatalf("expected 1 written envelope, got %d", len(written))
	}
	bookmark, err := m.LoadBookmark(context.Background(), "pings")
	if err != nil {
		t.Fatal(err)
	}
	if bookmark != "bookmark-1" {
		t.Fatalf("expected bookmark to advance, got %q", bookmark)
	}
}

