package crypto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	// DigestSize is the size of a content digest in bytes.
	DigestSize = 32

	// PublicKeySize is the size of an authority identity key in bytes.
	PublicKeySize = ed25519.PublicKeySize
)

// Digest is a BLAKE3 content address.
type Digest [DigestSize]byte

// Hash computes the BLAKE3 digest of the concatenation of parts.
func Hash(parts ...[]byte) Digest {
	h := blake3.New()
	for _, p := range parts {
		h.Write(p)
	}

	var d Digest
	h.Sum(d[:0])

	return d
}

// DigestFromBytes copies b into a Digest.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("invalid digest size: %d", len(b))
	}

	copy(d[:], b)

	return d, nil
}

// Bytes returns the digest as a byte slice.
func (d Digest) Bytes() []byte {
	return d[:]
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the first 8 bytes in hex, enough to tell digests apart in logs.
func (d Digest) String() string {
	return hex.EncodeToString(d[:8])
}

// PublicKey is an authority's Ed25519 identity.
type PublicKey [PublicKeySize]byte

// PublicKeyFromBytes copies b into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != PublicKeySize {
		return k, fmt.Errorf("invalid public key size: %d", len(b))
	}

	copy(k[:], b)

	return k, nil
}

// PublicKeyFromHex decodes a hex-encoded identity key.
func PublicKeyFromHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode public key:\n%w", err)
	}

	return PublicKeyFromBytes(b)
}

// Bytes returns the key as a byte slice.
func (k PublicKey) Bytes() []byte {
	return k[:]
}

// Hex returns the full hex encoding of the key.
func (k PublicKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// String returns the first 8 bytes in hex.
func (k PublicKey) String() string {
	return hex.EncodeToString(k[:8])
}

// Compare orders keys bytewise.
func (k PublicKey) Compare(other PublicKey) int {
	return bytes.Compare(k[:], other[:])
}
