package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"pkt.systems/kryptograf"
)

func newTestCodec(t *testing.T, cfg Config) *Codec {
	t.Helper()
	keys := NewKeyring(kryptograf.MustGenerateRootKey())
	c, err := New(keys, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, algo := range []Algo{AlgoIdentity, AlgoS2, AlgoZstd} {
		t.Run(algo.String(), func(t *testing.T) {
			c := newTestCodec(t, Config{Algo: algo, Threshold: 0})
			plaintext := []byte(strings.Repeat("pulsearc activity block ", 64))

			blob, tag, err := c.Encode(PayloadContext("item-1"), plaintext)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if bytes.Contains(blob, plaintext[:16]) {
				t.Fatal("blob leaks plaintext")
			}
			if tag.Algo != algo {
				t.Fatalf("tag algo: got %v want %v", tag.Algo, algo)
			}

			got, err := c.Decode(PayloadContext("item-1"), blob, tag)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Fatal("round trip mismatch")
			}
		})
	}
}

func TestEncodeBelowThresholdSkipsCompression(t *testing.T) {
	c := newTestCodec(t, Config{Algo: AlgoZstd, Threshold: 1 << 20})
	_, tag, err := c.Encode(PayloadContext("small"), []byte("tiny"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if tag.Algo != AlgoIdentity {
		t.Fatalf("expected identity below threshold, got %v", tag.Algo)
	}
}

func TestDecodeWrongKeyReportsKeyMismatch(t *testing.T) {
	c := newTestCodec(t, Config{})
	other := newTestCodec(t, Config{})

	blob, tag, err := c.Encode(PayloadContext("x"), []byte("payload"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := other.Decode(PayloadContext("x"), blob, tag); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
}

func TestDecodeTamperedBlobFailsAuthentication(t *testing.T) {
	c := newTestCodec(t, Config{})
	blob, tag, err := c.Encode(PayloadContext("x"), []byte("payload payload payload"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	blob[len(blob)-1] ^= 0xff
	if _, err := c.Decode(PayloadContext("x"), blob, tag); !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
}

func TestDecodeUnknownAlgorithm(t *testing.T) {
	c := newTestCodec(t, Config{})
	blob, tag, err := c.Encode(PayloadContext("x"), []byte("payload"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	tag.Algo = Algo(99)
	if _, err := c.Decode(PayloadContext("x"), blob, tag); !errors.Is(err, ErrAlgoUnknown) {
		t.Fatalf("expected ErrAlgoUnknown, got %v", err)
	}
}

func TestDecodeRejectsWrongBlobVersion(t *testing.T) {
	c := newTestCodec(t, Config{})
	blob, tag, err := c.Encode(PayloadContext("x"), []byte("payload"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	blob[0] = 0x7f
	if _, err := c.Decode(PayloadContext("x"), blob, tag); !errors.Is(err, ErrBadBlob) {
		t.Fatalf("expected ErrBadBlob, got %v", err)
	}
}

func TestTagRoundTrip(t *testing.T) {
	in := Tag{
		Algo:        AlgoZstd,
		NonceLen:    12,
		KeyCheck:    [keyCheckLen]byte{0xde, 0xad, 0xbe, 0xef, 5, 6, 7, 8},
		Fingerprint: []byte{1, 2, 3, 4},
	}
	raw, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var out Tag
	if err := out.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if out.Algo != in.Algo || out.NonceLen != in.NonceLen || out.KeyCheck != in.KeyCheck || !bytes.Equal(out.Fingerprint, in.Fingerprint) {
		t.Fatalf("tag mismatch: %+v vs %+v", out, in)
	}
	var truncated Tag
	if err := truncated.UnmarshalBinary(raw[:3]); !errors.Is(err, ErrBadTag) {
		t.Fatalf("expected ErrBadTag for truncated input, got %v", err)
	}
}

func TestParseAlgo(t *testing.T) {
	cases := []struct {
		name string
		want Algo
		ok   bool
	}{
		{"", AlgoIdentity, true},
		{"identity", AlgoIdentity, true},
		{"s2", AlgoS2, true},
		{"fast", AlgoS2, true},
		{"zstd", AlgoZstd, true},
		{"high", AlgoZstd, true},
		{"lzma", AlgoIdentity, false},
	}
	for _, tc := range cases {
		got, err := ParseAlgo(tc.name)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("ParseAlgo(%q) = %v, %v", tc.name, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ParseAlgo(%q): expected error", tc.name)
		}
	}
}
