// Package identity wraps Ed25519 public keys used as both record authors
// and permission principals, and verifies signatures made with them.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Size is the length of an encoded identity in bytes.
const Size = ed25519.PublicKeySize

// Identity is a public signing key. It is comparable with == and safe to
// use as a map key. It never holds secret material.
type Identity [Size]byte

// FromPublicKey converts an ed25519 public key into an Identity.
func FromPublicKey(key ed25519.PublicKey) (Identity, error) {
	var id Identity
	if len(key) != Size {
		return id, fmt.Errorf("public key has %d bytes, want %d", len(key), Size)
	}
	copy(id[:], key)
	return id, nil
}

// ParseIdentity parses the hex form produced by String.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parsing identity: %w", err)
	}
	if len(decoded) != Size {
		return id, fmt.Errorf("identity is %d bytes, want %d", len(decoded), Size)
	}
	copy(id[:], decoded)
	return id, nil
}

// MustParse is like ParseIdentity but panics on error. Use only in tests.
func MustParse(s string) Identity {
	id, err := ParseIdentity(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the lowercase hex encoding.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for log output.
func (id Identity) Short() string {
	return id.String()[:8]
}

// Bytes returns a copy of the raw key bytes.
func (id Identity) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, id[:])
	return b
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// PublicKey returns the identity as an ed25519 public key.
func (id Identity) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id.Bytes())
}

// MarshalText encodes the identity as hex so it round-trips through
// CBOR text strings, JSON and YAML unchanged.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes the hex form.
func (id *Identity) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = Identity{}
		return nil
	}
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Verify reports whether signature is a valid signature of payload by
// signer. Malformed input yields false, never a panic.
func Verify(signer Identity, payload, signature []byte) bool {
	if signer.IsZero() || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(signer.PublicKey(), payload, signature)
}
