package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "signing-key"
	publicKeyFile  = "signing-key.pub"
)

// Signer produces signatures attributable to an Identity.
type Signer interface {
	Identity() Identity
	Sign(payload []byte) []byte
}

// Keypair is an Ed25519 signing keypair.
type Keypair struct {
	public  Identity
	private ed25519.PrivateKey
}

// GenerateKeypair creates a new random keypair.
func GenerateKeypair() (*Keypair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return NewKeypair(public, private)
}

// NewKeypair wraps an existing ed25519 keypair.
func NewKeypair(public ed25519.PublicKey, private ed25519.PrivateKey) (*Keypair, error) {
	id, err := FromPublicKey(public)
	if err != nil {
		return nil, err
	}
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(private), ed25519.PrivateKeySize)
	}
	return &Keypair{public: id, private: private}, nil
}

// KeypairFromSeed derives a keypair deterministically from a 32-byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	private := ed25519.NewKeyFromSeed(seed)
	return NewKeypair(private.Public().(ed25519.PublicKey), private)
}

// Identity returns the public half.
func (k *Keypair) Identity() Identity {
	return k.public
}

// Sign signs payload.
func (k *Keypair) Sign(payload []byte) []byte {
	return ed25519.Sign(k.private, payload)
}

// SaveKeypair writes a keypair to dir. The private key file has 0600
// permissions; the public key file has 0644.
func SaveKeypair(dir string, k *Keypair) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}

	privatePath := filepath.Join(dir, privateKeyFile)
	if err := os.WriteFile(privatePath, k.private, 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	publicPath := filepath.Join(dir, publicKeyFile)
	if err := os.WriteFile(publicPath, []byte(k.public.String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	return nil
}

// LoadKeypair loads a keypair from dir. The public key is recomputed from
// the private key; a mismatching .pub file is treated as corruption.
func LoadKeypair(dir string) (*Keypair, error) {
	privateBytes, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	if len(privateBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(privateBytes), ed25519.PrivateKeySize)
	}
	private := ed25519.PrivateKey(privateBytes)

	k, err := NewKeypair(private.Public().(ed25519.PublicKey), private)
	if err != nil {
		return nil, err
	}

	publicBytes, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err == nil {
		var stored Identity
		if err := stored.UnmarshalText(trimNewline(publicBytes)); err != nil {
			return nil, fmt.Errorf("reading public key: %w", err)
		}
		if stored != k.public {
			return nil, fmt.Errorf("public key file does not match private key")
		}
	}

	return k, nil
}

// LoadOrGenerateKeypair loads an existing keypair from dir, or generates
// and saves a new one if none exists. Returns whether it was generated.
func LoadOrGenerateKeypair(dir string) (*Keypair, bool, error) {
	k, err := LoadKeypair(dir)
	if err == nil {
		return k, false, nil
	}

	// A present-but-unreadable key is corruption, not first boot.
	if _, statErr := os.Stat(filepath.Join(dir, privateKeyFile)); statErr == nil {
		return nil, false, err
	}

	k, err = GenerateKeypair()
	if err != nil {
		return nil, false, err
	}
	if err := SaveKeypair(dir, k); err != nil {
		return nil, false, err
	}
	return k, true, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
