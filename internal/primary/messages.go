package primary

import (
	"context"
	"encoding/binary"
	"fmt"

	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
)

// batchRefSize is the size of one payload entry in the header digest.
const batchRefSize = crypto.DigestSize + 4

// BatchRef points to a batch held by one of the author's workers.
type BatchRef struct {
	Digest crypto.Digest   // Digest is the batch content address
	Worker config.WorkerID // Worker is the worker that stores it
}

// Header is the proposal of the leader of one round.
type Header struct {
	Author    crypto.PublicKey // Author is the proposing authority
	Round     uint64           // Round is the round the header proposes for
	Payload   []BatchRef       // Payload lists the batches to order
	Parents   []crypto.Digest  // Parents are the certificates justifying Round
	Signature crypto.Signature // Signature is the author's signature over Digest
}

// NewHeader builds and signs a header.
func NewHeader(ctx context.Context, author crypto.PublicKey, round uint64, payload []BatchRef, parents []crypto.Digest, signer *crypto.SignatureService) (*Header, error) {
	h := &Header{
		Author:  author,
		Round:   round,
		Payload: payload,
		Parents: parents,
	}

	sig, err := signer.RequestSignature(ctx, h.Digest())
	if err != nil {
		return nil, fmt.Errorf("sign header:\n%w", err)
	}

	h.Signature = sig

	return h, nil
}

// Digest is the BLAKE3 hash of everything but the signature.
func (h *Header) Digest() crypto.Digest {
	buf := make([]byte, 0, crypto.PublicKeySize+16+len(h.Payload)*batchRefSize+len(h.Parents)*crypto.DigestSize)
	buf = append(buf, h.Author[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.Round)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.Payload)))
	for _, ref := range h.Payload {
		buf = append(buf, ref.Digest[:]...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(ref.Worker))
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.Parents)))
	for _, p := range h.Parents {
		buf = append(buf, p[:]...)
	}

	return crypto.Hash([]byte("header"), buf)
}

// Verify checks membership of the author and its signature.
func (h *Header) Verify(committee *config.Committee) error {
	key, err := committee.BLSKey(h.Author)
	if err != nil {
		return err
	}

	if !key.Verify(h.Signature, h.Digest().Bytes()) {
		return fmt.Errorf("%w: header %s by %s", ErrInvalidSignature, h.Digest(), h.Author)
	}

	return nil
}

// String implements fmt.Stringer.
func (h *Header) String() string {
	return fmt.Sprintf("B%d(%s)", h.Round, h.Digest())
}

// Vote endorses one header.
type Vote struct {
	Digest    crypto.Digest    // Digest is the voted header
	Round     uint64           // Round is the header's round
	Origin    crypto.PublicKey // Origin is the header's author
	Author    crypto.PublicKey // Author is the voter
	Signature crypto.Signature // Signature is over Digest
}

// NewVote signs a vote for h.
func NewVote(ctx context.Context, h *Header, author crypto.PublicKey, signer *crypto.SignatureService) (*Vote, error) {
	v := &Vote{
		Digest: h.Digest(),
		Round:  h.Round,
		Origin: h.Author,
		Author: author,
	}

	sig, err := signer.RequestSignature(ctx, v.Digest)
	if err != nil {
		return nil, fmt.Errorf("sign vote:\n%w", err)
	}

	v.Signature = sig

	return v, nil
}

// Verify checks membership of the voter and its signature.
func (v *Vote) Verify(committee *config.Committee) error {
	key, err := committee.BLSKey(v.Author)
	if err != nil {
		return err
	}

	if !key.Verify(v.Signature, v.Digest.Bytes()) {
		return fmt.Errorf("%w: vote by %s for %s", ErrInvalidSignature, v.Author, v.Digest)
	}

	return nil
}

// Certificate proves that a quorum voted for one header.
type Certificate struct {
	Digest    crypto.Digest    // Digest is the certified header
	Round     uint64           // Round is the header's round
	Origin    crypto.PublicKey // Origin is the header's author
	Signature crypto.Signature // Signature aggregates the signers' votes
	Signers   []byte           // Signers is a bitmap over committee order
}

// Verify checks the signer quorum and the aggregate signature.
func (c *Certificate) Verify(committee *config.Committee) error {
	if !committee.Contains(c.Origin) {
		return fmt.Errorf("%w: certificate origin %s", ErrUnknownAuthority, c.Origin)
	}

	return verifyQuorum(committee, c.Digest, c.Signature, c.Signers)
}

// Timeout is an authority's evidence that a round made no progress.
type Timeout struct {
	Round     uint64           // Round is the round that timed out
	Author    crypto.PublicKey // Author is the sender
	Signature crypto.Signature // Signature is over TimeoutDigest(Round)
}

// TimeoutDigest is the message every authority signs to time out round.
func TimeoutDigest(round uint64) crypto.Digest {
	return crypto.Hash([]byte("timeout"), binary.BigEndian.AppendUint64(nil, round))
}

// NewTimeout signs a timeout for round.
func NewTimeout(ctx context.Context, round uint64, author crypto.PublicKey, signer *crypto.SignatureService) (*Timeout, error) {
	sig, err := signer.RequestSignature(ctx, TimeoutDigest(round))
	if err != nil {
		return nil, fmt.Errorf("sign timeout:\n%w", err)
	}

	return &Timeout{Round: round, Author: author, Signature: sig}, nil
}

// Verify checks membership of the author and its signature.
func (t *Timeout) Verify(committee *config.Committee) error {
	key, err := committee.BLSKey(t.Author)
	if err != nil {
		return err
	}

	if !key.Verify(t.Signature, TimeoutDigest(t.Round).Bytes()) {
		return fmt.Errorf("%w: timeout by %s for round %d", ErrInvalidSignature, t.Author, t.Round)
	}

	return nil
}

// TimeoutCertificate proves that a quorum timed out one round.
type TimeoutCertificate struct {
	Round     uint64           // Round is the round that timed out
	Signature crypto.Signature // Signature aggregates the timeouts
	Signers   []byte           // Signers is a bitmap over committee order
}

// Verify checks the signer quorum and the aggregate signature.
func (tc *TimeoutCertificate) Verify(committee *config.Committee) error {
	return verifyQuorum(committee, TimeoutDigest(tc.Round), tc.Signature, tc.Signers)
}

// Certified is a header together with its certificate.
type Certified struct {
	Header      *Header
	Certificate *Certificate
}

// Digest returns the certified header's digest.
func (c *Certified) Digest() crypto.Digest {
	return c.Certificate.Digest
}

// Round returns the certified header's round.
func (c *Certified) Round() uint64 {
	return c.Header.Round
}

// Verify checks that the certificate covers the header and is valid.
func (c *Certified) Verify(committee *config.Committee) error {
	if c.Header == nil || c.Certificate == nil {
		return fmt.Errorf("%w: incomplete certified header", ErrMalformed)
	}

	cert := c.Certificate
	if cert.Digest != c.Header.Digest() || cert.Round != c.Header.Round || cert.Origin != c.Header.Author {
		return fmt.Errorf("%w: certificate does not match header %s", ErrInvalidSignature, c.Header)
	}

	if err := c.Header.Verify(committee); err != nil {
		return err
	}

	return cert.Verify(committee)
}

// Proposal is what the leader broadcasts: its header, the certificates the
// header's parents refer to, and the timeout certificate of the previous
// round when that round made no progress.
type Proposal struct {
	Header             *Header
	Parents            []*Certified
	TimeoutCertificate *TimeoutCertificate
}

// CertificatesRequest asks a primary for certified headers it stores.
type CertificatesRequest struct {
	Digests   []crypto.Digest  // Digests are the wanted headers
	Requestor crypto.PublicKey // Requestor receives the answers
}

// verifyQuorum checks that signers holds a quorum and that sig aggregates
// their signatures over digest.
func verifyQuorum(committee *config.Committee, digest crypto.Digest, sig crypto.Signature, signers []byte) error {
	if len(signers) != (committee.Size()+7)/8 {
		return fmt.Errorf("%w: signer bitmap size %d", ErrMalformed, len(signers))
	}

	indices := crypto.ParseSignerBitmap(signers)
	if len(indices) < committee.QuorumThreshold() {
		return fmt.Errorf("%w: %d signers, need %d", ErrInvalidSignature, len(indices), committee.QuorumThreshold())
	}

	keys := make([]*crypto.BLSPublicKey, 0, len(indices))

	for _, idx := range indices {
		if idx >= committee.Size() {
			return fmt.Errorf("%w: signer index %d out of range", ErrMalformed, idx)
		}

		key, err := committee.BLSKey(committee.At(idx))
		if err != nil {
			return err
		}

		keys = append(keys, key)
	}

	if !crypto.VerifyAggregate(sig, digest.Bytes(), keys) {
		return fmt.Errorf("%w: aggregate signature over %s", ErrInvalidSignature, digest)
	}

	return nil
}
