package audit

import (
	"context"
	"testing"
	"time"
)

func TestWriterRedactsActorAndSigners(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, HashSalt: []byte("salt-1"), Redact: true}

	rec := Record{
		FactType:   "Payment",
		FactHash:   "abc123",
		ActorID:    "user-42",
		Signers:    []string{"device-1", "device-2"},
		Verdict:    VerdictDeny,
		ReasonCode: "NOT_AUTHORIZED",
		CreatedAt:  time.Now().UTC(),
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	storedActor, ok := db.execArgs[3].(string)
	if !ok || storedActor == "user-42" {
		t.Fatalf("expected actor id to be redacted, got %v", db.execArgs[3])
	}
	if storedActor != hashString("user-42", []byte("salt-1")) {
		t.Fatalf("actor hash mismatch: %s", storedActor)
	}

	storedSigners, ok := db.execArgs[4].([]string)
	if !ok || len(storedSigners) != 2 || storedSigners[0] == "device-1" {
		t.Fatalf("expected signers to be redacted, got %v", db.execArgs[4])
	}
}

func TestHashBytesIsSaltSensitive(t *testing.T) {
	a := hashBytes([]byte("value"), []byte("salt-a"))
	b := hashBytes([]byte("value"), []byte("salt-b"))
	if a == b {
		t.Fatal("expected different salts to produce different hashes")
	}
	if hashBytes([]byte("value"), nil) == a {
		t.Fatal("expected an unsalted hash to differ from a salted one")
	}
}

func TestHashStringsHandlesEmpty(t *testing.T) {
	if got := hashStrings(nil, []byte("salt")); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}
