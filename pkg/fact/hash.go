package fact

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash computes the deterministic digest over a fact's canonical form.
func Hash(f Fact) ([]byte, error) {
	canon, err := Canonicalize(f)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canon)
	return sum[:], nil
}

// RefOf computes the (type, hash) pair naming a fact.
func RefOf(f Fact) (Reference, error) {
	h, err := Hash(f)
	if err != nil {
		return Reference{}, err
	}
	return Reference{Type: f.Type, Hash: hex.EncodeToString(h)}, nil
}

// MustRefOf panics on an invalid fact. Reserved for tests and callers that
// have already validated the fact via Canonicalize.
func MustRefOf(f Fact) Reference {
	ref, err := RefOf(f)
	if err != nil {
		panic(err)
	}
	return ref
}
