package primary

import (
	"encoding/binary"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
	"DagBFT/internal/types"
)

// Message types exchanged between primaries.
const (
	msgTypeProposal            = 0x01 // Proposal of the round leader
	msgTypeVote                = 0x02 // Vote for a header
	msgTypeCertified           = 0x03 // Certified header
	msgTypeTimeout             = 0x04 // Timeout for a round
	msgTypeCertificatesRequest = 0x05 // Request for stored certified headers
)

// EncodeProposal encodes a proposal.
// Format: [1B type] [Proposal flatbuffer]
func EncodeProposal(p *Proposal) []byte {
	b := flatbuffers.NewBuilder(1024)

	header := buildHeader(b, p.Header)

	parents := make([]flatbuffers.UOffsetT, len(p.Parents))
	for i, c := range p.Parents {
		parents[i] = buildCertified(b, c)
	}

	types.ProposalStartParentsVector(b, len(parents))
	for i := len(parents) - 1; i >= 0; i-- {
		b.PrependUOffsetT(parents[i])
	}
	parentsVec := b.EndVector(len(parents))

	var tc flatbuffers.UOffsetT
	if p.TimeoutCertificate != nil {
		tc = buildTimeoutCertificate(b, p.TimeoutCertificate)
	}

	types.ProposalStart(b)
	types.ProposalAddHeader(b, header)
	types.ProposalAddParents(b, parentsVec)
	if p.TimeoutCertificate != nil {
		types.ProposalAddTimeoutCertificate(b, tc)
	}
	types.FinishProposalBuffer(b, types.ProposalEnd(b))

	return frame(msgTypeProposal, b.FinishedBytes())
}

// EncodeVote encodes a vote.
// Format: [1B type] [Vote flatbuffer]
func EncodeVote(v *Vote) []byte {
	b := flatbuffers.NewBuilder(256)

	digest := b.CreateByteVector(v.Digest[:])
	origin := b.CreateByteVector(v.Origin[:])
	author := b.CreateByteVector(v.Author[:])
	sig := b.CreateByteVector(v.Signature[:])

	types.VoteStart(b)
	types.VoteAddDigest(b, digest)
	types.VoteAddRound(b, v.Round)
	types.VoteAddOrigin(b, origin)
	types.VoteAddAuthor(b, author)
	types.VoteAddSignature(b, sig)
	types.FinishVoteBuffer(b, types.VoteEnd(b))

	return frame(msgTypeVote, b.FinishedBytes())
}

// EncodeCertified encodes a certified header.
// Format: [1B type] [Certified flatbuffer]
func EncodeCertified(c *Certified) []byte {
	b := flatbuffers.NewBuilder(1024)
	types.FinishCertifiedBuffer(b, buildCertified(b, c))

	return frame(msgTypeCertified, b.FinishedBytes())
}

// EncodeTimeout encodes a timeout.
// Format: [1B type] [Timeout flatbuffer]
func EncodeTimeout(t *Timeout) []byte {
	b := flatbuffers.NewBuilder(192)

	author := b.CreateByteVector(t.Author[:])
	sig := b.CreateByteVector(t.Signature[:])

	types.TimeoutStart(b)
	types.TimeoutAddRound(b, t.Round)
	types.TimeoutAddAuthor(b, author)
	types.TimeoutAddSignature(b, sig)
	types.FinishTimeoutBuffer(b, types.TimeoutEnd(b))

	return frame(msgTypeTimeout, b.FinishedBytes())
}

// EncodeCertificatesRequest encodes a certificates request.
// Format: [1B type] [32B requestor] [4B count] [count x 32B digest]
func EncodeCertificatesRequest(req *CertificatesRequest) []byte {
	buf := make([]byte, 1+crypto.PublicKeySize+4, 1+crypto.PublicKeySize+4+len(req.Digests)*crypto.DigestSize)
	buf[0] = msgTypeCertificatesRequest
	copy(buf[1:33], req.Requestor[:])
	binary.BigEndian.PutUint32(buf[33:37], uint32(len(req.Digests)))

	for _, d := range req.Digests {
		buf = append(buf, d[:]...)
	}

	return buf
}

// DecodePrimaryMessage decodes any primary-to-primary message. The result
// is one of *Proposal, *Vote, *Certified, *Timeout or *CertificatesRequest.
func DecodePrimaryMessage(data []byte) (msg any, err error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	if data[0] == msgTypeCertificatesRequest {
		return decodeCertificatesRequest(data)
	}

	body := data[1:]
	if len(body) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: message too short: %d", ErrMalformed, len(data))
	}

	// The generated accessors index the buffer directly and panic on
	// out-of-range offsets.
	defer func() {
		if r := recover(); r != nil {
			msg, err = nil, fmt.Errorf("%w: corrupt flatbuffer: %v", ErrMalformed, r)
		}
	}()

	switch data[0] {
	case msgTypeProposal:
		return readProposal(types.GetRootAsProposal(body, 0))
	case msgTypeVote:
		return readVote(types.GetRootAsVote(body, 0))
	case msgTypeCertified:
		return readCertified(types.GetRootAsCertified(body, 0))
	case msgTypeTimeout:
		return readTimeout(types.GetRootAsTimeout(body, 0))
	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrMalformed, data[0])
	}
}

// encodeStoredCertified encodes a certified header for the store (no type byte).
func encodeStoredCertified(c *Certified) []byte {
	b := flatbuffers.NewBuilder(1024)
	types.FinishCertifiedBuffer(b, buildCertified(b, c))

	return b.FinishedBytes()
}

// decodeStoredCertified decodes a certified header read from the store.
func decodeStoredCertified(data []byte) (c *Certified, err error) {
	if len(data) < flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: stored certificate too short", ErrMalformed)
	}

	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("%w: corrupt stored certificate: %v", ErrMalformed, r)
		}
	}()

	return readCertified(types.GetRootAsCertified(data, 0))
}

// frame prepends the message type.
func frame(msgType byte, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = msgType
	copy(out[1:], body)

	return out
}

// buildHeader writes a header table.
func buildHeader(b *flatbuffers.Builder, h *Header) flatbuffers.UOffsetT {
	refs := make([]flatbuffers.UOffsetT, len(h.Payload))
	for i, ref := range h.Payload {
		digest := b.CreateByteVector(ref.Digest[:])

		types.BatchRefStart(b)
		types.BatchRefAddDigest(b, digest)
		types.BatchRefAddWorkerId(b, uint32(ref.Worker))
		refs[i] = types.BatchRefEnd(b)
	}

	types.HeaderStartPayloadVector(b, len(refs))
	for i := len(refs) - 1; i >= 0; i-- {
		b.PrependUOffsetT(refs[i])
	}
	payload := b.EndVector(len(refs))

	parentBytes := make([]byte, 0, len(h.Parents)*crypto.DigestSize)
	for _, p := range h.Parents {
		parentBytes = append(parentBytes, p[:]...)
	}

	author := b.CreateByteVector(h.Author[:])
	parents := b.CreateByteVector(parentBytes)
	sig := b.CreateByteVector(h.Signature[:])

	types.HeaderStart(b)
	types.HeaderAddAuthor(b, author)
	types.HeaderAddRound(b, h.Round)
	types.HeaderAddPayload(b, payload)
	types.HeaderAddParents(b, parents)
	types.HeaderAddSignature(b, sig)

	return types.HeaderEnd(b)
}

// buildCertificate writes a certificate table.
func buildCertificate(b *flatbuffers.Builder, c *Certificate) flatbuffers.UOffsetT {
	digest := b.CreateByteVector(c.Digest[:])
	origin := b.CreateByteVector(c.Origin[:])
	sig := b.CreateByteVector(c.Signature[:])
	signers := b.CreateByteVector(c.Signers)

	types.CertificateStart(b)
	types.CertificateAddDigest(b, digest)
	types.CertificateAddRound(b, c.Round)
	types.CertificateAddOrigin(b, origin)
	types.CertificateAddSignature(b, sig)
	types.CertificateAddSigners(b, signers)

	return types.CertificateEnd(b)
}

// buildCertified writes a certified table.
func buildCertified(b *flatbuffers.Builder, c *Certified) flatbuffers.UOffsetT {
	header := buildHeader(b, c.Header)
	cert := buildCertificate(b, c.Certificate)

	types.CertifiedStart(b)
	types.CertifiedAddHeader(b, header)
	types.CertifiedAddCertificate(b, cert)

	return types.CertifiedEnd(b)
}

// buildTimeoutCertificate writes a timeout certificate table.
func buildTimeoutCertificate(b *flatbuffers.Builder, tc *TimeoutCertificate) flatbuffers.UOffsetT {
	sig := b.CreateByteVector(tc.Signature[:])
	signers := b.CreateByteVector(tc.Signers)

	types.TimeoutCertificateStart(b)
	types.TimeoutCertificateAddRound(b, tc.Round)
	types.TimeoutCertificateAddSignature(b, sig)
	types.TimeoutCertificateAddSigners(b, signers)

	return types.TimeoutCertificateEnd(b)
}

// readProposal converts a proposal table.
func readProposal(p *types.Proposal) (*Proposal, error) {
	fh := p.Header(nil)
	if fh == nil {
		return nil, fmt.Errorf("%w: proposal without header", ErrMalformed)
	}

	header, err := readHeader(fh)
	if err != nil {
		return nil, err
	}

	out := &Proposal{Header: header}

	var fc types.Certified
	for i := 0; i < p.ParentsLength(); i++ {
		p.Parents(&fc, i)

		c, err := readCertified(&fc)
		if err != nil {
			return nil, err
		}

		out.Parents = append(out.Parents, c)
	}

	if ftc := p.TimeoutCertificate(nil); ftc != nil {
		tc, err := readTimeoutCertificate(ftc)
		if err != nil {
			return nil, err
		}

		out.TimeoutCertificate = tc
	}

	return out, nil
}

// readHeader converts a header table.
func readHeader(fh *types.Header) (*Header, error) {
	author, err := crypto.PublicKeyFromBytes(fh.AuthorBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: header author: %v", ErrMalformed, err)
	}

	sig, err := crypto.SignatureFromBytes(fh.SignatureBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: header signature: %v", ErrMalformed, err)
	}

	parentBytes := fh.ParentsBytes()
	if len(parentBytes)%crypto.DigestSize != 0 {
		return nil, fmt.Errorf("%w: header parents length %d", ErrMalformed, len(parentBytes))
	}

	h := &Header{
		Author:    author,
		Round:     fh.Round(),
		Signature: sig,
	}

	for i := 0; i < len(parentBytes); i += crypto.DigestSize {
		var d crypto.Digest
		copy(d[:], parentBytes[i:i+crypto.DigestSize])
		h.Parents = append(h.Parents, d)
	}

	var ref types.BatchRef
	for i := 0; i < fh.PayloadLength(); i++ {
		fh.Payload(&ref, i)

		d, err := crypto.DigestFromBytes(ref.DigestBytes())
		if err != nil {
			return nil, fmt.Errorf("%w: payload digest: %v", ErrMalformed, err)
		}

		h.Payload = append(h.Payload, BatchRef{Digest: d, Worker: config.WorkerID(ref.WorkerId())})
	}

	return h, nil
}

// readVote converts a vote table.
func readVote(fv *types.Vote) (*Vote, error) {
	digest, err := crypto.DigestFromBytes(fv.DigestBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: vote digest: %v", ErrMalformed, err)
	}

	origin, err := crypto.PublicKeyFromBytes(fv.OriginBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: vote origin: %v", ErrMalformed, err)
	}

	author, err := crypto.PublicKeyFromBytes(fv.AuthorBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: vote author: %v", ErrMalformed, err)
	}

	sig, err := crypto.SignatureFromBytes(fv.SignatureBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: vote signature: %v", ErrMalformed, err)
	}

	return &Vote{
		Digest:    digest,
		Round:     fv.Round(),
		Origin:    origin,
		Author:    author,
		Signature: sig,
	}, nil
}

// readCertified converts a certified table.
func readCertified(fc *types.Certified) (*Certified, error) {
	fh := fc.Header(nil)
	fcert := fc.Certificate(nil)

	if fh == nil || fcert == nil {
		return nil, fmt.Errorf("%w: incomplete certified header", ErrMalformed)
	}

	header, err := readHeader(fh)
	if err != nil {
		return nil, err
	}

	cert, err := readCertificate(fcert)
	if err != nil {
		return nil, err
	}

	return &Certified{Header: header, Certificate: cert}, nil
}

// readCertificate converts a certificate table.
func readCertificate(fc *types.Certificate) (*Certificate, error) {
	digest, err := crypto.DigestFromBytes(fc.DigestBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: certificate digest: %v", ErrMalformed, err)
	}

	origin, err := crypto.PublicKeyFromBytes(fc.OriginBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: certificate origin: %v", ErrMalformed, err)
	}

	sig, err := crypto.SignatureFromBytes(fc.SignatureBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: certificate signature: %v", ErrMalformed, err)
	}

	return &Certificate{
		Digest:    digest,
		Round:     fc.Round(),
		Origin:    origin,
		Signature: sig,
		Signers:   append([]byte(nil), fc.SignersBytes()...),
	}, nil
}

// readTimeout converts a timeout table.
func readTimeout(ft *types.Timeout) (*Timeout, error) {
	author, err := crypto.PublicKeyFromBytes(ft.AuthorBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: timeout author: %v", ErrMalformed, err)
	}

	sig, err := crypto.SignatureFromBytes(ft.SignatureBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: timeout signature: %v", ErrMalformed, err)
	}

	return &Timeout{Round: ft.Round(), Author: author, Signature: sig}, nil
}

// readTimeoutCertificate converts a timeout certificate table.
func readTimeoutCertificate(ft *types.TimeoutCertificate) (*TimeoutCertificate, error) {
	sig, err := crypto.SignatureFromBytes(ft.SignatureBytes())
	if err != nil {
		return nil, fmt.Errorf("%w: timeout certificate signature: %v", ErrMalformed, err)
	}

	return &TimeoutCertificate{
		Round:     ft.Round(),
		Signature: sig,
		Signers:   append([]byte(nil), ft.SignersBytes()...),
	}, nil
}

// decodeCertificatesRequest decodes a certificates request.
func decodeCertificatesRequest(data []byte) (*CertificatesRequest, error) {
	const headerSize = 1 + crypto.PublicKeySize + 4

	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: certificates request too short: %d < %d", ErrMalformed, len(data), headerSize)
	}

	count := int(binary.BigEndian.Uint32(data[33:37]))
	if len(data) != headerSize+count*crypto.DigestSize {
		return nil, fmt.Errorf("%w: certificates request length %d for %d digests", ErrMalformed, len(data), count)
	}

	req := &CertificatesRequest{Digests: make([]crypto.Digest, count)}
	copy(req.Requestor[:], data[1:33])

	for i := range req.Digests {
		off := headerSize + i*crypto.DigestSize
		copy(req.Digests[i][:], data[off:off+crypto.DigestSize])
	}

	return req, nil
}
