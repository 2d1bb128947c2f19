package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

func redactRecord(rec Record, salt []byte) Record {
	rec.ActorID = hashString(rec.ActorID, salt)
	rec.Signers = hashStrings(rec.Signers, salt)
	return rec
}

func hashStrings(values []string, salt []byte) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, hashString(v, salt))
	}
	return out
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
