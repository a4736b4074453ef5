package codec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// ErrAlgoUnknown is returned when a stored codec tag names a compression
// algorithm this build does not know.
var ErrAlgoUnknown = errors.New("codec: unknown compression algorithm")

// Algo identifies a compression algorithm in the codec tag.
type Algo uint8

const (
	// AlgoIdentity stores the payload uncompressed.
	AlgoIdentity Algo = 0
	// AlgoS2 is the fast path (snappy-compatible s2 framing).
	AlgoS2 Algo = 1
	// AlgoZstd is the high-ratio path.
	AlgoZstd Algo = 2
)

// ParseAlgo maps a configuration string to an Algo.
func ParseAlgo(name string) (Algo, error) {
	switch name {
	case "", "identity", "none":
		return AlgoIdentity, nil
	case "s2", "fast":
		return AlgoS2, nil
	case "zstd", "high":
		return AlgoZstd, nil
	default:
		return AlgoIdentity, fmt.Errorf("%w: %q", ErrAlgoUnknown, name)
	}
}

// String returns the configuration name of the algorithm.
func (a Algo) String() string {
	switch a {
	case AlgoIdentity:
		return "identity"
	case AlgoS2:
		return "s2"
	case AlgoZstd:
		return "zstd"
	default:
		return fmt.Sprintf("algo(%d)", uint8(a))
	}
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

// Shared stateless zstd coders; EncodeAll/DecodeAll are safe for concurrent use.
func zstdCoders() (*zstd.Encoder, *zstd.Decoder) {
	zstdOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil)
		zstdDecoder, _ = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder
}

func compress(algo Algo, plaintext []byte) ([]byte, error) {
	switch algo {
	case AlgoIdentity:
		return plaintext, nil
	case AlgoS2:
		return s2.Encode(nil, plaintext), nil
	case AlgoZstd:
		enc, _ := zstdCoders()
		return enc.EncodeAll(plaintext, nil), nil
	default:
		return nil, fmt.Errorf("%w: id %d", ErrAlgoUnknown, uint8(algo))
	}
}

func decompress(algo Algo, data []byte) ([]byte, error) {
	switch algo {
	case AlgoIdentity:
		return data, nil
	case AlgoS2:
		out, err := s2.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("codec: s2 decode: %w", err)
		}
		return out, nil
	case AlgoZstd:
		_, dec := zstdCoders()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: id %d", ErrAlgoUnknown, uint8(algo))
	}
}
