package canon

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the lowercase-hex SHA-256 digest of v's canonical form.
func Hash(v any) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashRaw returns the lowercase-hex SHA-256 digest of already-marshaled
// raw JSON bytes, after canonicalizing them.
func HashRaw(raw []byte) (string, error) {
	b, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
