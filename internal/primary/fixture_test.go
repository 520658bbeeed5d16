package primary

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
)

// fixture is a committee whose secret keys are all known to the test.
// keys[i] and signers[i] belong to committee.At(i).
type fixture struct {
	committee *config.Committee
	keys      []*crypto.KeyPair
	signers   []*crypto.SignatureService
	ctx       context.Context
}

// newFixture creates a committee of n authorities with one worker each.
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	byName := make(map[crypto.PublicKey]*crypto.KeyPair, n)
	authorities := make([]*config.Authority, 0, n)

	for i := 0; i < n; i++ {
		kp, err := crypto.KeyPairFromSeed(bytes.Repeat([]byte{byte(i + 1)}, 32))
		if err != nil {
			t.Fatalf("key pair: %v", err)
		}

		byName[kp.Name] = kp
		authorities = append(authorities, &config.Authority{
			Name:   kp.Name,
			BLSKey: kp.BLSPublic(),
			BLSPoP: kp.ProofOfPossession(),
			Primary: config.PrimaryAddresses{
				PrimaryToPrimary: fmt.Sprintf("primary-%s", kp.Name),
				WorkerToPrimary:  fmt.Sprintf("primary-workers-%s", kp.Name),
			},
			Workers: map[config.WorkerID]config.WorkerAddresses{
				0: {
					PrimaryToWorker: fmt.Sprintf("worker-%s", kp.Name),
					Transactions:    fmt.Sprintf("transactions-%s", kp.Name),
					WorkerToWorker:  fmt.Sprintf("worker-peers-%s", kp.Name),
				},
			},
		})
	}

	committee, err := config.NewCommittee(0, authorities)
	if err != nil {
		t.Fatalf("committee: %v", err)
	}

	f := &fixture{committee: committee, ctx: ctx}

	for i := 0; i < n; i++ {
		kp := byName[committee.At(i)]
		f.keys = append(f.keys, kp)
		f.signers = append(f.signers, crypto.NewSignatureService(ctx, kp))
	}

	return f
}

// name returns the identity of authority i.
func (f *fixture) name(i int) crypto.PublicKey {
	return f.committee.At(i)
}

// leader returns the index of the leader of round.
func (f *fixture) leader(round uint64) int {
	idx, _ := f.committee.Index(NewLeaderElector(f.committee).Leader(round))
	return idx
}

// header builds a header by authority i.
func (f *fixture) header(t *testing.T, i int, round uint64, payload []BatchRef, parents []crypto.Digest) *Header {
	t.Helper()

	h, err := NewHeader(f.ctx, f.name(i), round, payload, parents, f.signers[i])
	if err != nil {
		t.Fatalf("header: %v", err)
	}

	return h
}

// vote builds a vote by authority i for h.
func (f *fixture) vote(t *testing.T, i int, h *Header) *Vote {
	t.Helper()

	v, err := NewVote(f.ctx, h, f.name(i), f.signers[i])
	if err != nil {
		t.Fatalf("vote: %v", err)
	}

	return v
}

// certify certifies h with the votes of voters.
func (f *fixture) certify(t *testing.T, h *Header, voters []int) *Certified {
	t.Helper()

	agg := NewAggregator(f.committee)

	var cert *Certificate
	for _, i := range voters {
		c, err := agg.AddVote(f.vote(t, i, h))
		if err != nil {
			t.Fatalf("add vote: %v", err)
		}
		if c != nil {
			cert = c
		}
	}

	if cert == nil {
		t.Fatalf("no certificate from %d voters", len(voters))
	}

	return &Certified{Header: h, Certificate: cert}
}

// quorum returns the indices of the first 2f+1 authorities.
func (f *fixture) quorum() []int {
	q := make([]int, f.committee.QuorumThreshold())
	for i := range q {
		q[i] = i
	}

	return q
}

// timeout builds a timeout by authority i.
func (f *fixture) timeout(t *testing.T, i int, round uint64) *Timeout {
	t.Helper()

	to, err := NewTimeout(f.ctx, round, f.name(i), f.signers[i])
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}

	return to
}

// timeoutCert builds a timeout certificate for round from a quorum.
func (f *fixture) timeoutCert(t *testing.T, round uint64) *TimeoutCertificate {
	t.Helper()

	agg := NewAggregator(f.committee)

	for _, i := range f.quorum() {
		tc, err := agg.AddTimeout(f.timeout(t, i, round))
		if err != nil {
			t.Fatalf("add timeout: %v", err)
		}
		if tc != nil {
			return tc
		}
	}

	t.Fatal("no timeout certificate from a quorum")

	return nil
}

// chain certifies one leader header per round from 0 to last, each
// pointing at the previous one.
func (f *fixture) chain(t *testing.T, last uint64) []*Certified {
	t.Helper()

	var out []*Certified
	var parents []crypto.Digest

	for r := uint64(0); r <= last; r++ {
		h := f.header(t, f.leader(r), r, nil, parents)
		c := f.certify(t, h, f.quorum())
		out = append(out, c)
		parents = []crypto.Digest{c.Digest()}
	}

	return out
}
