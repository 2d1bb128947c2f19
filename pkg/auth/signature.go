package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"factum/pkg/fact"
)

// Sign produces a Signature over f's canonical form using priv, tagged
// with signer as the key identifier a KeyStore later resolves.
func Sign(f fact.Fact, signer string, priv ed25519.PrivateKey) (fact.Signature, error) {
	payload, err := fact.Canonicalize(f)
	if err != nil {
		return fact.Signature{}, fmt.Errorf("canonicalize fact for signing: %w", err)
	}
	sig := ed25519.Sign(priv, payload)
	return fact.Signature{
		Signer: signer,
		Alg:    "ed25519",
		Sig:    base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// Verify checks one signature against f using pub.
func Verify(f fact.Fact, sig fact.Signature, pub ed25519.PublicKey) error {
	if sig.Alg != "ed25519" {
		return fmt.Errorf("unsupported signature alg %q", sig.Alg)
	}
	payload, err := fact.Canonicalize(f)
	if err != nil {
		return fmt.Errorf("canonicalize fact for verification: %w", err)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(pub, payload, sigBytes) {
		return errors.New("auth: invalid signature")
	}
	return nil
}

// VerifyAny reports whether at least one of the given signatures verifies
// against a key store resolves for its signer, returning the Signer field
// of the resolved KeyRecord. A fact with no signatures never verifies.
func VerifyAny(ctx context.Context, f fact.Fact, signatures []fact.Signature, store KeyStore) (signer string, err error) {
	var lastErr error
	for _, sig := range signatures {
		rec, kerr := store.GetKey(ctx, sig.Signer)
		if kerr != nil {
			lastErr = kerr
			continue
		}
		if rec.Status != "active" {
			lastErr = fmt.Errorf("key %q is not active", sig.Signer)
			continue
		}
		if verr := Verify(f, sig, ed25519.PublicKey(rec.PublicKey)); verr != nil {
			lastErr = verr
			continue
		}
		return rec.Signer, nil
	}
	if lastErr == nil {
		lastErr = errors.New("auth: no signatures to verify")
	}
	return "", lastErr
}
