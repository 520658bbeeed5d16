package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// KeyPair is an authority's secret material: the Ed25519 identity used for
// transport and naming, and the BLS key derived from it used for consensus.
type KeyPair struct {
	Name   PublicKey          // Name is the Ed25519 identity
	Secret ed25519.PrivateKey // Secret is the Ed25519 private key
	bls    *blsSecretKey      // bls is the derived consensus key
}

// GenerateKeyPair creates a fresh random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return KeyPairFromSeed(seed)
}

// KeyPairFromSeed rebuilds a key pair from its 32-byte Ed25519 seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}

	secret := ed25519.NewKeyFromSeed(seed)

	bls, err := deriveBLS(seed)
	if err != nil {
		return nil, fmt.Errorf("derive BLS key:\n%w", err)
	}

	kp := &KeyPair{Secret: secret, bls: bls}
	copy(kp.Name[:], secret.Public().(ed25519.PublicKey))

	return kp, nil
}

// Seed returns the Ed25519 seed the key pair was built from.
func (k *KeyPair) Seed() []byte {
	return k.Secret.Seed()
}

// BLSPublic returns the BLS verification key registered in the committee.
func (k *KeyPair) BLSPublic() *BLSPublicKey {
	return k.bls.public
}

// ProofOfPossession returns the BLS signature over the BLS public key that
// committee files carry next to it.
func (k *KeyPair) ProofOfPossession() Signature {
	return k.bls.prove()
}
