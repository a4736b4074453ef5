// Package codec turns plaintext payloads into the compressed, authenticated
// ciphertext blobs the store persists, and back. Compression runs before
// encryption; ciphertext is incompressible. The codec tag persisted beside a
// blob records the compression algorithm and the key fingerprint so algorithm
// rollover and key rotation never require rewriting stored items.
package codec

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"pkt.systems/kryptograf"
)

// Blob versions; the leading byte of every stored payload.
const blobVersion = 1

var (
	// ErrAuthFailure is returned when ciphertext fails authentication.
	ErrAuthFailure = errors.New("codec: payload authentication failed")
	// ErrBadBlob is returned when a stored blob has an unknown envelope.
	ErrBadBlob = errors.New("codec: malformed payload blob")
)

// Config selects the compression behaviour of a Codec.
type Config struct {
	// Algo is applied to payloads at or above Threshold bytes.
	Algo Algo
	// Threshold is the minimum plaintext size for compression. Payloads
	// below it are stored identity-coded (still encrypted).
	Threshold int
}

// Codec compresses and seals payloads through a KeySource.
type Codec struct {
	keys KeySource
	cfg  Config
}

// New constructs a Codec. The KeySource is required.
func New(keys KeySource, cfg Config) (*Codec, error) {
	if keys == nil {
		return nil, errors.New("codec: key source required")
	}
	if cfg.Threshold < 0 {
		cfg.Threshold = 0
	}
	return &Codec{keys: keys, cfg: cfg}, nil
}

// Encode compresses plaintext per configuration, seals it under material
// minted for context, and returns the versioned blob plus its codec tag.
func (c *Codec) Encode(context string, plaintext []byte) ([]byte, Tag, error) {
	algo := c.cfg.Algo
	if len(plaintext) < c.cfg.Threshold {
		algo = AlgoIdentity
	}
	compressed, err := compress(algo, plaintext)
	if err != nil {
		return nil, Tag{}, err
	}

	mat, fp, err := c.keys.Current(context)
	if err != nil {
		return nil, Tag{}, err
	}
	defer mat.Zero()

	var buf bytes.Buffer
	buf.Grow(len(compressed) + 64)
	buf.WriteByte(blobVersion)
	w, err := c.keys.Encrypt(&buf, mat)
	if err != nil {
		return nil, Tag{}, fmt.Errorf("codec: encrypt %q: %w", context, err)
	}
	if _, err := w.Write(compressed); err != nil {
		w.Close()
		return nil, Tag{}, fmt.Errorf("codec: encrypt write %q: %w", context, err)
	}
	if err := w.Close(); err != nil {
		return nil, Tag{}, fmt.Errorf("codec: encrypt close %q: %w", context, err)
	}

	tag := Tag{Algo: algo, NonceLen: defaultNonceLen, KeyCheck: keyCheck(mat), Fingerprint: fp}
	return buf.Bytes(), tag, nil
}

// Decode unseals and decompresses a blob produced by Encode. It fails with
// ErrKeyMismatch when the tag's fingerprint does not resolve or resolves to
// different key material than the payload was sealed under, ErrAlgoUnknown
// when the tag names an unknown algorithm, and ErrAuthFailure when the
// ciphertext does not authenticate.
func (c *Codec) Decode(context string, blob []byte, tag Tag) ([]byte, error) {
	if len(blob) == 0 || blob[0] != blobVersion {
		return nil, fmt.Errorf("%w: context %q", ErrBadBlob, context)
	}
	if _, err := decompressProbe(tag.Algo); err != nil {
		return nil, err
	}
	mat, err := c.keys.Resolve(context, tag.Fingerprint)
	if err != nil {
		return nil, err
	}
	defer mat.Zero()
	if keyCheck(mat) != tag.KeyCheck {
		return nil, fmt.Errorf("%w: context %q", ErrKeyMismatch, context)
	}

	r, err := c.keys.Decrypt(bytes.NewReader(blob[1:]), mat)
	if err != nil {
		return nil, fmt.Errorf("%w: context %q: %v", ErrAuthFailure, context, err)
	}
	compressed, err := io.ReadAll(r)
	closeErr := r.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: context %q: %v", ErrAuthFailure, context, err)
	}
	return decompress(tag.Algo, compressed)
}

// decompressProbe validates the algorithm id before any key work happens so
// unknown algorithms surface as ErrAlgoUnknown rather than a key error.
func decompressProbe(algo Algo) (Algo, error) {
	switch algo {
	case AlgoIdentity, AlgoS2, AlgoZstd:
		return algo, nil
	default:
		return algo, fmt.Errorf("%w: id %d", ErrAlgoUnknown, uint8(algo))
	}
}

// keyCheck derives the tag's check value from resolved key material.
// Reconstructing a descriptor under a different root key yields different
// material, so mismatched check values identify a foreign root before any
// decryption is attempted.
func keyCheck(mat kryptograf.Material) [keyCheckLen]byte {
	sum := sha256.Sum256(mat.Key.Bytes())
	var out [keyCheckLen]byte
	copy(out[:], sum[:keyCheckLen])
	return out
}

// PayloadContext returns the encryption context bound to a queue item id.
func PayloadContext(id string) string {
	return "payload:" + id
}
