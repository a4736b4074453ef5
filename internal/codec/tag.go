package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Tag versions; bump when the binary layout changes.
const tagVersion = 1

// aes-gcm nonce size, recorded for algorithm rollover.
const defaultNonceLen = 12

// keyCheckLen is the size of the key check value stored in the tag. The
// fingerprint descriptor carries no root-key identity, so the check value is
// what distinguishes a rotated-away root from corrupted ciphertext.
const keyCheckLen = 8

// ErrBadTag is returned when a stored codec tag cannot be decoded.
var ErrBadTag = errors.New("codec: malformed codec tag")

// Tag describes how a stored payload was encoded: the compression algorithm,
// the nonce length of the sealing cipher, the fingerprint that resolves the
// payload key via the KeySource, and a check value over the resolved key
// material.
type Tag struct {
	Algo        Algo
	NonceLen    uint8
	KeyCheck    [keyCheckLen]byte
	Fingerprint []byte
}

// MarshalBinary encodes the tag as
// version(1) | algo(1) | nonce_len(1) | key_check(8) | fp_len(2 BE) | fingerprint.
func (t Tag) MarshalBinary() ([]byte, error) {
	if len(t.Fingerprint) > 0xffff {
		return nil, fmt.Errorf("%w: fingerprint too long (%d)", ErrBadTag, len(t.Fingerprint))
	}
	out := make([]byte, 5+keyCheckLen+len(t.Fingerprint))
	out[0] = tagVersion
	out[1] = uint8(t.Algo)
	out[2] = t.NonceLen
	copy(out[3:3+keyCheckLen], t.KeyCheck[:])
	binary.BigEndian.PutUint16(out[3+keyCheckLen:5+keyCheckLen], uint16(len(t.Fingerprint)))
	copy(out[5+keyCheckLen:], t.Fingerprint)
	return out, nil
}

// UnmarshalBinary decodes a tag produced by MarshalBinary.
func (t *Tag) UnmarshalBinary(data []byte) error {
	if len(data) < 5+keyCheckLen {
		return fmt.Errorf("%w: %d bytes", ErrBadTag, len(data))
	}
	if data[0] != tagVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadTag, data[0])
	}
	fpLen := int(binary.BigEndian.Uint16(data[3+keyCheckLen : 5+keyCheckLen]))
	if len(data) != 5+keyCheckLen+fpLen {
		return fmt.Errorf("%w: fingerprint length %d does not match payload", ErrBadTag, fpLen)
	}
	t.Algo = Algo(data[1])
	t.NonceLen = data[2]
	copy(t.KeyCheck[:], data[3:3+keyCheckLen])
	t.Fingerprint = append([]byte(nil), data[5+keyCheckLen:]...)
	return nil
}
