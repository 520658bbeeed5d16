package crypto

import (
	"encoding/hex"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// BLSPublicKeySize is the size of a compressed BLS public key in bytes.
	BLSPublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature in bytes.
	SignatureSize = 96
)

var (
	// blsDST is the domain separation tag for consensus signatures.
	blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

	// popDST tags proofs of possession so they never verify as consensus
	// signatures.
	popDST = []byte("BLS_POP_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")
)

// Signature is a compressed BLS signature, either from one signer or aggregated.
type Signature [SignatureSize]byte

// SignatureFromBytes copies b into a Signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	var s Signature
	if len(b) != SignatureSize {
		return s, fmt.Errorf("invalid signature size: %d", len(b))
	}

	copy(s[:], b)

	return s, nil
}

// SignatureFromHex decodes a hex-encoded signature.
func SignatureFromHex(s string) (Signature, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Signature{}, fmt.Errorf("decode signature:\n%w", err)
	}

	return SignatureFromBytes(b)
}

// Hex returns the hex encoding of the signature.
func (s Signature) Hex() string {
	return hex.EncodeToString(s[:])
}

// Bytes returns the signature as a byte slice.
func (s Signature) Bytes() []byte {
	return s[:]
}

// BLSPublicKey is a validated BLS verification key.
// The decompressed point is cached so verification does not pay for it.
type BLSPublicKey struct {
	raw   [BLSPublicKeySize]byte // raw is the compressed encoding
	point *blst.P1Affine         // point is the decompressed key
}

// ParseBLSPublicKey decodes and validates a compressed BLS public key.
func ParseBLSPublicKey(b []byte) (*BLSPublicKey, error) {
	if len(b) != BLSPublicKeySize {
		return nil, fmt.Errorf("invalid BLS public key size: %d", len(b))
	}

	point := new(blst.P1Affine).Uncompress(b)
	if point == nil || !point.KeyValidate() {
		return nil, fmt.Errorf("invalid BLS public key")
	}

	pk := &BLSPublicKey{point: point}
	copy(pk.raw[:], b)

	return pk, nil
}

// BLSPublicKeyFromHex decodes a hex-encoded BLS public key.
func BLSPublicKeyFromHex(s string) (*BLSPublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode BLS public key:\n%w", err)
	}

	return ParseBLSPublicKey(b)
}

// Bytes returns the compressed key.
func (pk *BLSPublicKey) Bytes() []byte {
	return pk.raw[:]
}

// Hex returns the hex encoding of the compressed key.
func (pk *BLSPublicKey) Hex() string {
	return hex.EncodeToString(pk.raw[:])
}

// Verify checks a single-signer signature over message.
func (pk *BLSPublicKey) Verify(sig Signature, message []byte) bool {
	s := new(blst.P2Affine).Uncompress(sig[:])
	if s == nil {
		return false
	}

	return s.Verify(true, pk.point, false, message, blsDST)
}

// VerifyPossession checks that proof is a signature of the key over its own
// compressed encoding. Aggregate verification is only sound for keys whose
// possession was proven.
func (pk *BLSPublicKey) VerifyPossession(proof Signature) bool {
	s := new(blst.P2Affine).Uncompress(proof[:])
	if s == nil {
		return false
	}

	return s.Verify(true, pk.point, false, pk.raw[:], popDST)
}

// blsSecretKey holds a BLS private key and its public counterpart.
type blsSecretKey struct {
	secret *blst.SecretKey // secret is the private scalar
	public *BLSPublicKey   // public is the verification key
}

// deriveBLS derives a deterministic BLS key from an Ed25519 seed.
// The BLS key is bound to the identity via BLAKE3("dagbft-bls-keygen" || seed).
func deriveBLS(seed []byte) (*blsSecretKey, error) {
	h := blake3.New()
	h.Write([]byte("dagbft-bls-keygen"))
	h.Write(seed)

	var derived [32]byte
	h.Sum(derived[:0])

	secret := blst.KeyGen(derived[:])
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	point := new(blst.P1Affine).From(secret)
	public := &BLSPublicKey{point: point}
	copy(public.raw[:], point.Compress())

	return &blsSecretKey{secret: secret, public: public}, nil
}

// sign creates a BLS signature over message.
func (k *blsSecretKey) sign(message []byte) Signature {
	var s Signature
	copy(s[:], new(blst.P2Affine).Sign(k.secret, message, blsDST).Compress())

	return s
}

// prove signs the compressed public key under the possession tag.
func (k *blsSecretKey) prove() Signature {
	var s Signature
	copy(s[:], new(blst.P2Affine).Sign(k.secret, k.public.raw[:], popDST).Compress())

	return s
}

// AggregateSignatures combines signatures over the same message into one.
func AggregateSignatures(signatures []Signature) (Signature, error) {
	var out Signature
	if len(signatures) == 0 {
		return out, fmt.Errorf("no signatures to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i := range signatures {
		sig := new(blst.P2Affine).Uncompress(signatures[i][:])
		if sig == nil {
			return out, fmt.Errorf("invalid signature at index %d", i)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return out, fmt.Errorf("signature aggregation failed")
	}

	copy(out[:], agg.ToAffine().Compress())

	return out, nil
}

// VerifyAggregate verifies an aggregated signature over message under keys.
// Every key must have passed VerifyPossession.
func VerifyAggregate(sig Signature, message []byte, keys []*BLSPublicKey) bool {
	if len(keys) == 0 {
		return false
	}

	s := new(blst.P2Affine).Uncompress(sig[:])
	if s == nil {
		return false
	}

	points := make([]*blst.P1Affine, len(keys))
	for i, k := range keys {
		points[i] = k.point
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(points, false) {
		return false
	}

	return s.Verify(true, aggPk.ToAffine(), false, message, blsDST)
}

// BuildSignerBitmap creates a bitmap indicating which authorities signed.
// indices are committee positions, total is the committee size.
func BuildSignerBitmap(indices []int, total int) []byte {
	bitmap := make([]byte, (total+7)/8)

	for _, idx := range indices {
		if idx >= 0 && idx < total {
			bitmap[idx/8] |= 1 << (idx % 8)
		}
	}

	return bitmap
}

// ParseSignerBitmap extracts the committee positions set in a bitmap.
func ParseSignerBitmap(bitmap []byte) []int {
	var indices []int

	for byteIdx, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}

	return indices
}
