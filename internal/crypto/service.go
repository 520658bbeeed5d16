package crypto

import "context"

// signRequest is one pending call to RequestSignature.
type signRequest struct {
	digest Digest         // digest is the message to sign
	reply  chan Signature // reply receives the signature
}

// SignatureService signs digests with the authority's BLS key on a dedicated
// goroutine. Holders of the service can obtain signatures but never the key.
type SignatureService struct {
	requests chan signRequest
}

// NewSignatureService starts the signing goroutine; it stops when ctx is done.
func NewSignatureService(ctx context.Context, keys *KeyPair) *SignatureService {
	s := &SignatureService{requests: make(chan signRequest, 100)}

	go s.run(ctx, keys.bls)

	return s
}

// RequestSignature returns the signature of digest.
func (s *SignatureService) RequestSignature(ctx context.Context, digest Digest) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return Signature{}, err
	}

	req := signRequest{digest: digest, reply: make(chan Signature, 1)}

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return Signature{}, ctx.Err()
	}

	select {
	case sig := <-req.reply:
		return sig, nil
	case <-ctx.Done():
		return Signature{}, ctx.Err()
	}
}

// run serves signing requests until ctx is done.
func (s *SignatureService) run(ctx context.Context, key *blsSecretKey) {
	for {
		select {
		case req := <-s.requests:
			req.reply <- key.sign(req.digest[:])
		case <-ctx.Done():
			return
		}
	}
}
