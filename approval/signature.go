package approval

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/intent-solutions-io/git-with-intent/canon"
)

// ErrSignatureInvalid is returned when a signature fails to verify
// against its registered key, or the key's algorithm is unsupported.
var ErrSignatureInvalid = errors.New("approval: signature invalid")

// ErrIntentMismatch is returned when an approval's intentHash does not
// match the plan/patch currently being executed.
var ErrIntentMismatch = errors.New("approval: intent hash mismatch")

// Verifier verifies Signed Approvals against a KeyStore. Keys live in the registry as JWK values
// (github.com/lestrrat-go/jwx/v2/jwk); verification itself recomputes
// the canonical byte representation of the signed fields and checks
// the signature with the raw public key material the JWK wraps, since
// approvals carry a detached (payload, signature) pair rather than a
// framed JWS envelope.
type Verifier struct {
	keys *KeyStore
}

// NewVerifier constructs a Verifier over keys.
func NewVerifier(keys *KeyStore) *Verifier { return &Verifier{keys: keys} }

// Verify checks that a's (canonicalized fields, signature) verify
// against the registered public key for a.SigningKeyID, that the key
// is neither unknown nor revoked, and that a.IntentHash matches
// wantIntentHash (the hash of the plan the orchestrator is currently
// executing). It returns nil only if every check passes.
func (v *Verifier) Verify(ctx context.Context, a Approval, wantIntentHash string) error {
	if a.IntentHash != wantIntentHash {
		return fmt.Errorf("%w: approval %s", ErrIntentMismatch, a.ApprovalID)
	}

	key, err := v.keys.Lookup(ctx, a.SigningKeyID)
	if err != nil {
		return err
	}

	payload, err := canon.Bytes(a.Signed())
	if err != nil {
		return fmt.Errorf("approval: canonicalize: %w", err)
	}

	sig, err := decodeSignature(a.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if err := verifyRaw(key, payload, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

func decodeSignature(s string) ([]byte, error) {
	if sig, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return sig, nil
	}
	if sig, err := base64.StdEncoding.DecodeString(s); err == nil {
		return sig, nil
	}
	return nil, fmt.Errorf("malformed base64 signature")
}

// verifyRaw dispatches to the crypto package matching key's raw type.
func verifyRaw(key jwk.Key, payload, sig []byte) error {
	var raw any
	if err := key.Raw(&raw); err != nil {
		return fmt.Errorf("extract raw key: %w", err)
	}
	digest := sha256.Sum256(payload)

	switch pub := raw.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, payload, sig) {
			return fmt.Errorf("ed25519 verification failed")
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return fmt.Errorf("ecdsa verification failed")
		}
		return nil
	case *rsa.PublicKey:
		if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil); err != nil {
			return fmt.Errorf("rsa verification failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported key type %T", raw)
	}
}

// Signer produces signatures for the `gwi approval approve` CLI path, signing the canonical bytes of an approval's SignedFields
// directly with the algorithm implied by the private key's type.
type Signer struct{}

// NewSigner constructs a Signer.
func NewSigner() *Signer { return &Signer{} }

// Sign returns the base64url-encoded signature over fields' canonical
// bytes, using priv (an ed25519.PrivateKey, *ecdsa.PrivateKey, or
// *rsa.PrivateKey).
func (s *Signer) Sign(fields SignedFields, priv any) (string, error) {
	payload, err := canon.Bytes(fields)
	if err != nil {
		return "", fmt.Errorf("approval: canonicalize: %w", err)
	}
	digest := sha256.Sum256(payload)

	var sig []byte
	switch k := priv.(type) {
	case ed25519.PrivateKey:
		sig = ed25519.Sign(k, payload)
	case *ecdsa.PrivateKey:
		sig, err = ecdsa.SignASN1(rand.Reader, k, digest[:])
		if err != nil {
			return "", fmt.Errorf("approval: ecdsa sign: %w", err)
		}
	case *rsa.PrivateKey:
		sig, err = rsa.SignPSS(rand.Reader, k, crypto.SHA256, digest[:], nil)
		if err != nil {
			return "", fmt.Errorf("approval: rsa sign: %w", err)
		}
	default:
		return "", fmt.Errorf("approval: unsupported private key type %T", priv)
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}
