package primary

import (
	"fmt"

	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
)

// signerSet accumulates distinct signatures over one digest.
type signerSet struct {
	indices    []int              // indices are committee positions of the signers
	signatures []crypto.Signature // signatures are in the same order as indices
	certified  bool               // certified is set once a certificate was produced
}

// add records one signature and reports whether the quorum was just reached.
func (s *signerSet) add(index int, sig crypto.Signature, quorum int) bool {
	s.indices = append(s.indices, index)
	s.signatures = append(s.signatures, sig)

	if s.certified || len(s.indices) < quorum {
		return false
	}

	s.certified = true

	return true
}

// voteRound is the vote state of one round.
type voteRound struct {
	voted   map[crypto.PublicKey]*Vote   // voted is the first vote of each authority
	digests map[crypto.Digest]*signerSet // digests holds signers per header digest
}

// timeoutRound is the timeout state of one round.
type timeoutRound struct {
	signers map[crypto.PublicKey]struct{} // signers are the authorities that timed out
	set     signerSet                     // set holds their signatures
}

// Aggregator turns votes into certificates and timeouts into timeout
// certificates. It is owned by the Core goroutine and is not safe for
// concurrent use.
type Aggregator struct {
	committee *config.Committee
	votes     map[uint64]*voteRound
	timeouts  map[uint64]*timeoutRound
	gcRound   uint64 // gcRound is the lowest round still tracked
}

// NewAggregator creates an empty aggregator.
func NewAggregator(committee *config.Committee) *Aggregator {
	return &Aggregator{
		committee: committee,
		votes:     make(map[uint64]*voteRound),
		timeouts:  make(map[uint64]*timeoutRound),
	}
}

// AddVote records a vote. It returns a certificate exactly once, when the
// distinct voters for the vote's digest reach the quorum threshold.
func (a *Aggregator) AddVote(v *Vote) (*Certificate, error) {
	if v.Round < a.gcRound {
		return nil, nil
	}

	index, ok := a.committee.Index(v.Author)
	if !ok {
		return nil, fmt.Errorf("%w: voter %s", ErrUnknownAuthority, v.Author)
	}

	if err := v.Verify(a.committee); err != nil {
		return nil, err
	}

	r := a.votes[v.Round]
	if r == nil {
		r = &voteRound{
			voted:   make(map[crypto.PublicKey]*Vote),
			digests: make(map[crypto.Digest]*signerSet),
		}
		a.votes[v.Round] = r
	}

	if prev, ok := r.voted[v.Author]; ok {
		if prev.Digest == v.Digest {
			return nil, nil
		}

		return nil, &EquivocationError{First: prev, Second: v}
	}

	r.voted[v.Author] = v

	set := r.digests[v.Digest]
	if set == nil {
		set = &signerSet{}
		r.digests[v.Digest] = set
	}

	if !set.add(index, v.Signature, a.committee.QuorumThreshold()) {
		return nil, nil
	}

	sig, err := crypto.AggregateSignatures(set.signatures)
	if err != nil {
		return nil, fmt.Errorf("aggregate votes:\n%w", err)
	}

	return &Certificate{
		Digest:    v.Digest,
		Round:     v.Round,
		Origin:    v.Origin,
		Signature: sig,
		Signers:   crypto.BuildSignerBitmap(set.indices, a.committee.Size()),
	}, nil
}

// AddTimeout records a timeout. It returns a timeout certificate exactly
// once, when the distinct authorities that timed out the round reach the
// quorum threshold. A timeout has a single digest per round, so a repeated
// timeout from the same authority is a no-op.
func (a *Aggregator) AddTimeout(t *Timeout) (*TimeoutCertificate, error) {
	if t.Round < a.gcRound {
		return nil, nil
	}

	index, ok := a.committee.Index(t.Author)
	if !ok {
		return nil, fmt.Errorf("%w: timeout author %s", ErrUnknownAuthority, t.Author)
	}

	if err := t.Verify(a.committee); err != nil {
		return nil, err
	}

	r := a.timeouts[t.Round]
	if r == nil {
		r = &timeoutRound{signers: make(map[crypto.PublicKey]struct{})}
		a.timeouts[t.Round] = r
	}

	if _, ok := r.signers[t.Author]; ok {
		return nil, nil
	}

	r.signers[t.Author] = struct{}{}

	if !r.set.add(index, t.Signature, a.committee.QuorumThreshold()) {
		return nil, nil
	}

	sig, err := crypto.AggregateSignatures(r.set.signatures)
	if err != nil {
		return nil, fmt.Errorf("aggregate timeouts:\n%w", err)
	}

	return &TimeoutCertificate{
		Round:     t.Round,
		Signature: sig,
		Signers:   crypto.BuildSignerBitmap(r.set.indices, a.committee.Size()),
	}, nil
}

// TimeoutWeight returns how many distinct authorities timed out round.
func (a *Aggregator) TimeoutWeight(round uint64) int {
	if r := a.timeouts[round]; r != nil {
		return len(r.signers)
	}

	return 0
}

// Cleanup drops all state for rounds strictly below round. Later votes and
// timeouts for those rounds are ignored.
func (a *Aggregator) Cleanup(round uint64) {
	if round <= a.gcRound {
		return
	}

	for r := range a.votes {
		if r < round {
			delete(a.votes, r)
		}
	}

	for r := range a.timeouts {
		if r < round {
			delete(a.timeouts, r)
		}
	}

	a.gcRound = round
}
