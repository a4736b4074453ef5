package codec

import (
	"errors"
	"fmt"
	"io"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// ErrKeyMismatch is returned when a stored fingerprint cannot be resolved to
// key material, typically after a key rotation outside the grace window.
var ErrKeyMismatch = errors.New("codec: key fingerprint does not resolve")

// KeySource supplies authenticated-encryption key material. Current mints
// material for a fresh payload and returns its fingerprint; Resolve
// reconstructs material for a fingerprint read back from storage.
type KeySource interface {
	Current(context string) (kryptograf.Material, []byte, error)
	Resolve(context string, fingerprint []byte) (kryptograf.Material, error)
	Encrypt(dst io.Writer, material kryptograf.Material) (io.WriteCloser, error)
	Decrypt(src io.Reader, material kryptograf.Material) (io.ReadCloser, error)
}

// Keyring is the kryptograf-backed KeySource. Every payload gets its own DEK
// derived from the root key; the DEK descriptor bytes double as the
// fingerprint persisted in the codec tag, so rotating the payload key never
// requires rewriting stored items.
type Keyring struct {
	kg kryptograf.Kryptograf
}

// NewKeyring constructs a Keyring from a root key.
func NewKeyring(root keymgmt.RootKey) *Keyring {
	return &Keyring{kg: kryptograf.New(root)}
}

// LoadKeyring reads the PEM key bundle at path, ensuring a root key exists.
func LoadKeyring(path string) (*Keyring, error) {
	store, err := keymgmt.LoadPEM(path)
	if err != nil {
		return nil, fmt.Errorf("codec: load key bundle: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return nil, fmt.Errorf("codec: ensure root key: %w", err)
	}
	if err := store.Commit(); err != nil {
		return nil, fmt.Errorf("codec: commit key bundle: %w", err)
	}
	return NewKeyring(root), nil
}

// Current mints fresh material bound to context and returns it with the
// descriptor bytes used as the payload fingerprint.
func (k *Keyring) Current(context string) (kryptograf.Material, []byte, error) {
	mat, err := k.kg.MintDEK([]byte(context))
	if err != nil {
		return kryptograf.Material{}, nil, fmt.Errorf("codec: mint material for %q: %w", context, err)
	}
	fp, err := mat.Descriptor.MarshalBinary()
	if err != nil {
		mat.Zero()
		return kryptograf.Material{}, nil, fmt.Errorf("codec: marshal descriptor for %q: %w", context, err)
	}
	return mat, fp, nil
}

// Resolve reconstructs material from a fingerprint minted earlier under the
// same context.
func (k *Keyring) Resolve(context string, fingerprint []byte) (kryptograf.Material, error) {
	var desc keymgmt.Descriptor
	if err := desc.UnmarshalBinary(fingerprint); err != nil {
		return kryptograf.Material{}, fmt.Errorf("%w: decode descriptor for %q: %v", ErrKeyMismatch, context, err)
	}
	mat, err := k.kg.ReconstructDEK([]byte(context), desc)
	if err != nil {
		return kryptograf.Material{}, fmt.Errorf("%w: reconstruct material for %q: %v", ErrKeyMismatch, context, err)
	}
	return mat, nil
}

// Encrypt wraps dst with an encrypting writer using material.
func (k *Keyring) Encrypt(dst io.Writer, material kryptograf.Material) (io.WriteCloser, error) {
	return k.kg.EncryptWriter(dst, material)
}

// Decrypt wraps src with a decrypting reader using material.
func (k *Keyring) Decrypt(src io.Reader, material kryptograf.Material) (io.ReadCloser, error) {
	return k.kg.DecryptReader(src, material)
}
