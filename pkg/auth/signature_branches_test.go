package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"factum/pkg/fact"
)

func TestVerifyRejectsUndecodableSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := fact.New("Ping", nil, nil)
	sig := fact.Signature{Signer: "a", Alg: "ed25519", Sig: "not-base64!!"}
	if err := Verify(f, sig, pub); err == nil {
		t.Fatal("expected a malformed signature encoding to be rejected")
	}
}

func TestVerifyRejectsShortSignatureBytes(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	f := fact.New("Ping", nil, nil)
	sig := fact.Signature{Signer: "a", Alg: "ed25519", Sig: "c2hvcnQ="}
	if err := Verify(f, sig, pub); err == nil {
		t.Fatal("expected a truncated signature to fail verification")
	}
}
