package primary

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"DagBFT/internal/crypto"
)

// TestCoreVotesForLeaderGenesis tests a vote for the round 0 leader, sent once.
func TestCoreVotesForLeaderGenesis(t *testing.T) {
	f := newFixture(t, 4)
	leader := f.leader(0)
	me := (leader + 1) % 4
	tc := newTestCore(t, f, me, testParams(), nil)

	h := f.header(t, leader, 0, nil, nil)
	p := &Proposal{Header: h}

	for i := 0; i < 2; i++ {
		if err := tc.core.processProposal(f.ctx, p); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	sent := tc.reliable.messages()
	if len(sent) != 1 {
		t.Fatalf("messages sent: got %d, want 1", len(sent))
	}

	addr, _ := f.committee.Primary(f.name(leader))
	if sent[0].address != addr.PrimaryToPrimary {
		t.Errorf("vote sent to %s, want the leader", sent[0].address)
	}

	votes := decodeAll[*Vote](t, sent)
	if len(votes) != 1 {
		t.Fatal("expected one vote")
	}

	v := votes[0]
	if v.Digest != h.Digest() || v.Author != f.name(me) || v.Origin != h.Author {
		t.Errorf("unexpected vote %+v", v)
	}
	if err := v.Verify(f.committee); err != nil {
		t.Errorf("vote should verify: %v", err)
	}
}

// TestCoreRejectsNonLeaderHeader tests that only the round leader gets votes.
func TestCoreRejectsNonLeaderHeader(t *testing.T) {
	f := newFixture(t, 4)

	for round := uint64(0); round < 4; round++ {
		leader := f.leader(round)
		author := (leader + 1) % 4
		me := (leader + 2) % 4
		tc := newTestCore(t, f, me, testParams(), nil)
		tc.core.round = round

		h := f.header(t, author, round, nil, nil)

		err := tc.core.processProposal(f.ctx, &Proposal{Header: h})
		if !errors.Is(err, ErrInvalidHeader) {
			t.Fatalf("round %d: got %v, want ErrInvalidHeader", round, err)
		}

		if len(tc.reliable.messages()) != 0 {
			t.Fatalf("round %d: voted for a non-leader", round)
		}
	}
}

// TestCoreParentQuorum tests the justification rules for headers of round r > 0.
func TestCoreParentQuorum(t *testing.T) {
	f := newFixture(t, 4)
	chain := f.chain(t, 1)

	cases := []struct {
		name    string
		round   uint64
		parents []*Certified
		tc      *TimeoutCertificate
		valid   bool
	}{
		{name: "no parents", round: 1},
		{name: "parent from previous round", round: 2, parents: chain, valid: true},
		{name: "parent too old", round: 3, parents: chain},
		{name: "parent too old with timeout certificate", round: 3, parents: chain, tc: f.timeoutCert(t, 2), valid: true},
		{name: "timeout certificate for wrong round", round: 3, parents: chain, tc: f.timeoutCert(t, 1)},
		{name: "no parents with timeout certificate", round: 1, tc: f.timeoutCert(t, 0), valid: true},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			leader := f.leader(tt.round)
			me := (leader + 1) % 4
			tc := newTestCore(t, f, me, testParams(), nil)

			var digests []crypto.Digest
			if len(tt.parents) > 0 {
				digests = []crypto.Digest{tt.parents[len(tt.parents)-1].Digest()}
			}

			h := f.header(t, leader, tt.round, nil, digests)
			err := tc.core.processProposal(f.ctx, &Proposal{Header: h, Parents: tt.parents, TimeoutCertificate: tt.tc})

			votes := decodeAll[*Vote](t, tc.reliable.messages())

			if tt.valid {
				if err != nil {
					t.Fatalf("valid header rejected: %v", err)
				}
				if len(votes) != 1 || votes[0].Digest != h.Digest() {
					t.Fatalf("expected one vote for the header, got %d", len(votes))
				}
				return
			}

			if !errors.Is(err, ErrInvalidHeader) {
				t.Fatalf("got %v, want ErrInvalidHeader", err)
			}
			if len(votes) != 0 {
				t.Fatal("voted for an unjustified header")
			}
		})
	}
}

// TestCoreRejectsGenesisWithParents tests that round 0 has no parents.
func TestCoreRejectsGenesisWithParents(t *testing.T) {
	f := newFixture(t, 4)
	leader := f.leader(0)
	tc := newTestCore(t, f, (leader+1)%4, testParams(), nil)

	h := f.header(t, leader, 0, nil, []crypto.Digest{crypto.Hash([]byte("x"))})

	if err := tc.core.processProposal(f.ctx, &Proposal{Header: h}); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("got %v, want ErrInvalidHeader", err)
	}
}

// TestCoreFetchesMissingParent tests that an unknown parent is requested and
// the header is voted once the parent arrives.
func TestCoreFetchesMissingParent(t *testing.T) {
	f := newFixture(t, 4)
	chain := f.chain(t, 0)
	leader := f.leader(1)
	tc := newTestCore(t, f, (leader+1)%4, testParams(), nil)

	h := f.header(t, leader, 1, nil, []crypto.Digest{chain[0].Digest()})

	if err := tc.core.processProposal(f.ctx, &Proposal{Header: h}); err != nil {
		t.Fatalf("proposal: %v", err)
	}

	reqs := decodeAll[*CertificatesRequest](t, tc.simple.messages())
	if len(reqs) != 1 || len(reqs[0].Digests) != 1 || reqs[0].Digests[0] != chain[0].Digest() {
		t.Fatalf("expected a request for the parent, got %+v", reqs)
	}

	addr, _ := f.committee.Primary(f.name(leader))
	if tc.simple.messages()[0].address != addr.PrimaryToPrimary {
		t.Error("request should go to the header author")
	}

	if len(decodeAll[*Vote](t, tc.reliable.messages())) != 0 {
		t.Fatal("voted before the parent was known")
	}

	if err := tc.core.processCertified(f.ctx, chain[0]); err != nil {
		t.Fatalf("parent: %v", err)
	}

	votes := decodeAll[*Vote](t, tc.reliable.messages())
	if len(votes) != 1 || votes[0].Digest != h.Digest() {
		t.Fatalf("expected a vote once the parent arrived, got %d", len(votes))
	}
}

// TestCoreCertifiesOwnHeader tests the leader path from proposal to certificate.
func TestCoreCertifiesOwnHeader(t *testing.T) {
	f := newFixture(t, 4)
	me := f.leader(0)
	tc := newTestCore(t, f, me, testParams(), nil)

	h := f.header(t, me, 0, nil, nil)
	if err := tc.core.processOwnProposal(f.ctx, &Proposal{Header: h}); err != nil {
		t.Fatalf("own proposal: %v", err)
	}

	if got := len(decodeAll[*Proposal](t, tc.reliable.messages())); got != 3 {
		t.Fatalf("proposal sent to %d primaries, want 3", got)
	}

	voters := 0
	for i := 0; i < 4 && voters < 2; i++ {
		if i == me {
			continue
		}

		if err := tc.core.processVote(f.ctx, f.vote(t, i, h)); err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
		voters++
	}

	certified := decodeAll[*Certified](t, tc.reliable.messages())
	if len(certified) != 3 {
		t.Fatalf("certificate sent to %d primaries, want 3", len(certified))
	}
	if err := certified[0].Verify(f.committee); err != nil {
		t.Errorf("broadcast certificate should verify: %v", err)
	}

	out := tc.drainOutput()
	if len(out) != 1 || out[0].Digest() != h.Digest() {
		t.Fatalf("expected the header on the output, got %d headers", len(out))
	}

	if tc.core.round != 1 {
		t.Errorf("round: got %d, want 1", tc.core.round)
	}

	u := tc.lastUpdate(t)
	if u.Round != 1 || len(u.Parents) != 1 || u.Parents[0].Digest() != h.Digest() || u.TC != nil {
		t.Errorf("unexpected proposer update %+v", u)
	}

	stored, err := tc.store.Read(certKey(h.Digest()))
	if err != nil || stored == nil {
		t.Fatalf("certificate not stored: %v", err)
	}

	latest, _ := tc.store.Read(latestKey)
	if !bytes.Equal(latest, h.Digest().Bytes()) {
		t.Error("latest certificate not recorded")
	}
}

// TestCoreIgnoresVotesForOthers tests that votes are aggregated only by the header author.
func TestCoreIgnoresVotesForOthers(t *testing.T) {
	f := newFixture(t, 4)
	leader := f.leader(0)
	tc := newTestCore(t, f, (leader+1)%4, testParams(), nil)

	h := f.header(t, leader, 0, nil, nil)
	for i := 0; i < 4; i++ {
		if err := tc.core.processVote(f.ctx, f.vote(t, i, h)); err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
	}

	if len(tc.drainOutput()) != 0 || tc.core.round != 0 {
		t.Fatal("votes for another author must not certify")
	}
}

// TestCoreBroadcastVotes tests certification by every primary when votes are broadcast.
func TestCoreBroadcastVotes(t *testing.T) {
	f := newFixture(t, 4)
	leader := f.leader(0)
	me := (leader + 1) % 4

	params := testParams()
	params.BroadcastVotes = true
	tc := newTestCore(t, f, me, params, nil)

	h := f.header(t, leader, 0, nil, nil)
	if err := tc.core.processProposal(f.ctx, &Proposal{Header: h}); err != nil {
		t.Fatalf("proposal: %v", err)
	}

	if got := len(decodeAll[*Vote](t, tc.reliable.messages())); got != 3 {
		t.Fatalf("vote sent to %d primaries, want 3", got)
	}

	others := 0
	for i := 0; i < 4 && others < 2; i++ {
		if i == me {
			continue
		}
		if err := tc.core.processVote(f.ctx, f.vote(t, i, h)); err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
		others++
	}

	if tc.core.round != 1 {
		t.Fatalf("round: got %d, want 1", tc.core.round)
	}

	if len(decodeAll[*Certified](t, tc.reliable.messages())) != 0 {
		t.Error("only the author broadcasts its certificate")
	}
}

// TestCoreOrderedOutput tests that certificates delivered out of order are
// emitted in increasing round order.
func TestCoreOrderedOutput(t *testing.T) {
	f := newFixture(t, 4)
	chain := f.chain(t, 3)
	tc := newTestCore(t, f, 0, testParams(), nil)

	for _, i := range []int{3, 1, 2} {
		if err := tc.core.processCertified(f.ctx, chain[i]); err != nil {
			t.Fatalf("certificate %d: %v", i, err)
		}
	}

	if len(tc.drainOutput()) != 0 {
		t.Fatal("emitted certificates with missing ancestors")
	}

	if len(decodeAll[*CertificatesRequest](t, tc.simple.messages())) == 0 {
		t.Error("missing ancestors were not requested")
	}

	if err := tc.core.processCertified(f.ctx, chain[0]); err != nil {
		t.Fatalf("certificate 0: %v", err)
	}

	out := tc.drainOutput()
	if len(out) != 4 {
		t.Fatalf("emitted %d headers, want 4", len(out))
	}

	for i, h := range out {
		if h.Round != uint64(i) || h.Digest() != chain[i].Digest() {
			t.Errorf("position %d: got %s", i, h)
		}
	}

	if tc.core.round != 4 {
		t.Errorf("round: got %d, want 4", tc.core.round)
	}
	if len(tc.core.pending) != 0 {
		t.Errorf("pending not drained: %d", len(tc.core.pending))
	}
}

// TestCoreLateCertificateEmitted tests that a certificate appended after a
// later round is still emitted, once, after its parents.
func TestCoreLateCertificateEmitted(t *testing.T) {
	f := newFixture(t, 4)
	c0 := f.chain(t, 0)[0]

	c1 := f.certify(t, f.header(t, f.leader(1), 1, nil, []crypto.Digest{c0.Digest()}), f.quorum())
	c2 := f.certify(t, f.header(t, f.leader(2), 2, nil, []crypto.Digest{c0.Digest()}), f.quorum())

	tc := newTestCore(t, f, 0, testParams(), nil)

	for _, c := range []*Certified{c0, c2, c1, c2, c1} {
		if err := tc.core.processCertified(f.ctx, c); err != nil {
			t.Fatalf("certificate %s: %v", c.Header, err)
		}
	}

	out := tc.drainOutput()
	if len(out) != 3 || out[0].Round != 0 || out[1].Round != 2 || out[2].Round != 1 {
		t.Fatalf("unexpected output %v", out)
	}

	if tc.core.round != 3 {
		t.Errorf("round: got %d, want 3", tc.core.round)
	}
}

// TestCoreCertificateEmittedOnce tests that a certificate assembled from votes
// after the same certified header arrived from the network is not emitted again.
func TestCoreCertificateEmittedOnce(t *testing.T) {
	f := newFixture(t, 4)
	leader := f.leader(0)
	me := (leader + 1) % 4

	params := testParams()
	params.BroadcastVotes = true
	tc := newTestCore(t, f, me, params, nil)

	h := f.header(t, leader, 0, nil, nil)
	if err := tc.core.processCertified(f.ctx, f.certify(t, h, f.quorum())); err != nil {
		t.Fatalf("certified: %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := tc.core.processVote(f.ctx, f.vote(t, i, h)); err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
	}

	if out := tc.drainOutput(); len(out) != 1 {
		t.Fatalf("emitted %d headers, want 1", len(out))
	}

	if len(tc.core.unmatched) != 0 {
		t.Error("known certificate kept as unmatched")
	}
}

// TestCoreVotesBeforeHeader tests that with broadcast votes a quorum reached
// before the header arrives certifies the header once it does.
func TestCoreVotesBeforeHeader(t *testing.T) {
	f := newFixture(t, 4)
	leader := f.leader(0)
	me := (leader + 1) % 4

	params := testParams()
	params.BroadcastVotes = true
	tc := newTestCore(t, f, me, params, nil)

	h := f.header(t, leader, 0, nil, nil)

	for i := 0; i < 4; i++ {
		if i == me {
			continue
		}
		if err := tc.core.processVote(f.ctx, f.vote(t, i, h)); err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
	}

	if len(tc.drainOutput()) != 0 {
		t.Fatal("certified a header that was never seen")
	}

	if err := tc.core.processProposal(f.ctx, &Proposal{Header: h}); err != nil {
		t.Fatalf("proposal: %v", err)
	}

	out := tc.drainOutput()
	if len(out) != 1 || out[0].Digest() != h.Digest() {
		t.Fatalf("expected the header on the output, got %d headers", len(out))
	}

	if tc.core.round != 1 {
		t.Errorf("round: got %d, want 1", tc.core.round)
	}

	stored, err := tc.core.lookup(h.Digest())
	if err != nil || stored == nil {
		t.Fatalf("certificate not stored: %v", err)
	}
	if err := stored.Verify(f.committee); err != nil {
		t.Errorf("stored certificate should verify: %v", err)
	}
}

// TestCoreRoundWindow tests that votes, timeouts and proposals for rounds far
// ahead of the current one leave no state behind.
func TestCoreRoundWindow(t *testing.T) {
	f := newFixture(t, 4)
	me := 0
	tc := newTestCore(t, f, me, testParams(), nil)

	for i := uint64(0); i < 50; i++ {
		round := 1_000_000 + i

		own := f.header(t, me, round, nil, nil)
		if err := tc.core.processVote(f.ctx, f.vote(t, 1, own)); err != nil {
			t.Fatalf("vote round %d: %v", round, err)
		}

		if err := tc.core.processTimeout(f.ctx, f.timeout(t, 1, round)); err != nil {
			t.Fatalf("timeout round %d: %v", round, err)
		}

		leader := f.leader(round)
		if leader == me {
			continue
		}

		h := f.header(t, leader, round, nil, []crypto.Digest{crypto.Hash([]byte{byte(i)})})
		if err := tc.core.processProposal(f.ctx, &Proposal{Header: h}); err != nil {
			t.Fatalf("proposal round %d: %v", round, err)
		}
	}

	if n := len(tc.core.aggregator.votes); n != 0 {
		t.Errorf("vote rounds retained: %d", n)
	}
	if n := len(tc.core.aggregator.timeouts); n != 0 {
		t.Errorf("timeout rounds retained: %d", n)
	}
	if n := len(tc.core.pending); n != 0 {
		t.Errorf("parked proposals: %d", n)
	}
	if n := len(tc.simple.messages()); n != 0 {
		t.Errorf("sent %d messages for far future rounds", n)
	}

	// The next round is still accepted.
	if err := tc.core.processTimeout(f.ctx, f.timeout(t, 1, 1)); err != nil {
		t.Fatalf("timeout round 1: %v", err)
	}
	if _, ok := tc.core.aggregator.timeouts[1]; !ok {
		t.Error("timeout for the next round dropped")
	}
}

// TestCoreRejectsBadCertificate tests certificate validation.
func TestCoreRejectsBadCertificate(t *testing.T) {
	f := newFixture(t, 4)
	tc := newTestCore(t, f, 0, testParams(), nil)

	good := f.chain(t, 0)[0]

	tampered := &Certified{Header: good.Header, Certificate: &Certificate{
		Digest:    good.Certificate.Digest,
		Round:     good.Certificate.Round,
		Origin:    good.Certificate.Origin,
		Signature: good.Certificate.Signature,
		Signers:   crypto.BuildSignerBitmap([]int{0, 1, 3}, 4),
	}}
	if err := tc.core.processCertified(f.ctx, tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("tampered signers: got %v, want ErrInvalidSignature", err)
	}

	nonLeader := f.certify(t, f.header(t, (f.leader(0)+1)%4, 0, nil, nil), f.quorum())
	if err := tc.core.processCertified(f.ctx, nonLeader); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("non-leader certificate: got %v, want ErrInvalidHeader", err)
	}

	if len(tc.drainOutput()) != 0 || tc.core.round != 0 {
		t.Fatal("invalid certificates changed the DAG")
	}
}

// TestCoreTimeoutAmplification tests that f+1 timeouts make a primary time out,
// and that the resulting timeout certificate advances the round.
func TestCoreTimeoutAmplification(t *testing.T) {
	f := newFixture(t, 4)
	me := 0
	tc := newTestCore(t, f, me, testParams(), nil)

	if err := tc.core.processTimeout(f.ctx, f.timeout(t, 1, 0)); err != nil {
		t.Fatalf("timeout 1: %v", err)
	}
	if len(tc.simple.messages()) != 0 {
		t.Fatal("timed out after a single timeout")
	}

	if err := tc.core.processTimeout(f.ctx, f.timeout(t, 2, 0)); err != nil {
		t.Fatalf("timeout 2: %v", err)
	}

	own := decodeAll[*Timeout](t, tc.simple.messages())
	if len(own) != 3 || own[0].Author != f.name(me) || own[0].Round != 0 {
		t.Fatalf("expected own timeout broadcast to 3 primaries, got %d", len(own))
	}

	if tc.core.round != 1 {
		t.Fatalf("round: got %d, want 1", tc.core.round)
	}

	u := tc.lastUpdate(t)
	if u.Round != 1 || u.TC == nil || u.TC.Round != 0 {
		t.Errorf("unexpected proposer update %+v", u)
	}
	if err := u.TC.Verify(f.committee); err != nil {
		t.Errorf("timeout certificate should verify: %v", err)
	}
}

// TestCoreTimeoutsDisabled tests that the timeout path can be switched off.
func TestCoreTimeoutsDisabled(t *testing.T) {
	f := newFixture(t, 4)
	params := testParams()
	params.Timeouts = false
	tc := newTestCore(t, f, 0, params, nil)

	for i := 1; i <= 2; i++ {
		if err := tc.core.processTimeout(f.ctx, f.timeout(t, i, 0)); err != nil {
			t.Fatalf("timeout %d: %v", i, err)
		}
	}

	if err := tc.core.localTimeout(f.ctx); err != nil {
		t.Fatalf("local timeout: %v", err)
	}

	if len(tc.simple.messages()) != 0 || tc.core.round != 0 {
		t.Fatal("timeout path ran while disabled")
	}
}

// TestCoreNoVoteAfterTimeout tests that a primary does not vote in a round it timed out.
func TestCoreNoVoteAfterTimeout(t *testing.T) {
	f := newFixture(t, 4)
	leader := f.leader(0)
	tc := newTestCore(t, f, (leader+1)%4, testParams(), nil)

	if err := tc.core.localTimeout(f.ctx); err != nil {
		t.Fatalf("local timeout: %v", err)
	}

	h := f.header(t, leader, 0, nil, nil)
	if err := tc.core.processProposal(f.ctx, &Proposal{Header: h}); err != nil {
		t.Fatalf("proposal: %v", err)
	}

	if len(decodeAll[*Vote](t, tc.reliable.messages())) != 0 {
		t.Fatal("voted in a timed out round")
	}
}

// TestCorePayloadWait tests that headers with unknown batches go to the header waiter.
func TestCorePayloadWait(t *testing.T) {
	f := newFixture(t, 4)
	leader := f.leader(0)
	tc := newTestCore(t, f, (leader+1)%4, testParams(), nil)

	ref := BatchRef{Digest: crypto.Hash([]byte("batch")), Worker: 0}
	p := &Proposal{Header: f.header(t, leader, 0, []BatchRef{ref}, nil)}

	if err := tc.core.processProposal(f.ctx, p); err != nil {
		t.Fatalf("proposal: %v", err)
	}

	select {
	case msg := <-tc.waiter:
		if msg != p {
			t.Fatalf("waiter got %T", msg)
		}
	default:
		t.Fatal("proposal not handed to the header waiter")
	}

	if len(tc.reliable.messages()) != 0 {
		t.Fatal("voted without the payload")
	}

	if err := tc.store.Write(payloadKey(ref), ref.Digest.Bytes()); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	if err := tc.core.processProposal(f.ctx, p); err != nil {
		t.Fatalf("reprocess: %v", err)
	}

	if len(decodeAll[*Vote](t, tc.reliable.messages())) != 1 {
		t.Fatal("expected a vote once the payload is stored")
	}
}

// TestCoreGarbageCollection tests cleanup orders sent to workers and the waiter.
func TestCoreGarbageCollection(t *testing.T) {
	f := newFixture(t, 4)
	params := testParams()
	params.GCDepth = 2
	tc := newTestCore(t, f, 0, params, nil)

	for _, c := range f.chain(t, 4) {
		if err := tc.core.processCertified(f.ctx, c); err != nil {
			t.Fatalf("certificate %s: %v", c.Header, err)
		}
	}

	w, _ := f.committee.Worker(f.name(0), 0)

	var last *Cleanup
	for _, m := range tc.simple.messages() {
		if m.address != w.PrimaryToWorker {
			continue
		}

		msg, err := DecodeWorkerOrder(m.data)
		if err != nil {
			t.Fatalf("decode worker order: %v", err)
		}
		last = msg.(*Cleanup)
	}

	if last == nil || last.Round != 3 {
		t.Fatalf("last cleanup: got %+v, want round 3", last)
	}

	var waiterCleanup *Cleanup
	for len(tc.waiter) > 0 {
		if c, ok := (<-tc.waiter).(*Cleanup); ok {
			waiterCleanup = c
		}
	}

	if waiterCleanup == nil || waiterCleanup.Round != 3 {
		t.Errorf("header waiter cleanup: got %+v, want round 3", waiterCleanup)
	}

	if _, ok := tc.core.aggregator.votes[0]; ok {
		t.Error("aggregator kept old rounds")
	}
}

// TestCoreRecovery tests that a restarted core resumes after the stored DAG.
func TestCoreRecovery(t *testing.T) {
	f := newFixture(t, 4)
	store := newTestStore(t)
	chain := f.chain(t, 2)

	first := newTestCore(t, f, 0, testParams(), store)
	for _, c := range chain {
		if err := first.core.processCertified(f.ctx, c); err != nil {
			t.Fatalf("certificate %s: %v", c.Header, err)
		}
	}

	second := newIdleCore(t, f, 0, testParams(), store)
	if err := second.core.recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if second.core.round != 3 {
		t.Errorf("round: got %d, want 3", second.core.round)
	}
	if second.core.highCert == nil || second.core.highCert.Digest() != chain[2].Digest() {
		t.Error("highest certificate not restored")
	}
	if !second.core.hasVoted || second.core.lastVoted != 2 {
		t.Errorf("voted round: got %d", second.core.lastVoted)
	}

	for _, c := range chain {
		if !second.core.certs.Contains(c.Digest()) {
			t.Errorf("certificate %s not loaded into the cache", c.Header)
		}
	}

	// Stored certificates are known and not emitted again.
	if err := second.core.processCertified(f.ctx, chain[2]); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(second.drainOutput()) != 0 {
		t.Error("recovered core emitted a stored certificate")
	}
}

// TestCoreRecoveryKeepsVotedRound tests that a restarted core does not vote
// a second time in a round it voted in before the restart.
func TestCoreRecoveryKeepsVotedRound(t *testing.T) {
	f := newFixture(t, 4)
	store := newTestStore(t)
	c0 := f.chain(t, 0)[0]

	leader := f.leader(1)
	me := (leader + 1) % 4

	first := newTestCore(t, f, me, testParams(), store)
	if err := first.core.processCertified(f.ctx, c0); err != nil {
		t.Fatalf("certificate: %v", err)
	}

	h := f.header(t, leader, 1, nil, []crypto.Digest{c0.Digest()})
	if err := first.core.processProposal(f.ctx, &Proposal{Header: h}); err != nil {
		t.Fatalf("proposal: %v", err)
	}
	if len(decodeAll[*Vote](t, first.reliable.messages())) != 1 {
		t.Fatal("expected a vote before the restart")
	}

	second := newTestCore(t, f, me, testParams(), store)
	if err := second.core.recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if second.core.round != 1 || second.core.lastVoted != 1 {
		t.Fatalf("recovered round %d voted %d, want 1 and 1", second.core.round, second.core.lastVoted)
	}

	// An equivocating leader sends a different header for the same round,
	// with a payload the node already stores.
	ref := BatchRef{Digest: crypto.Hash([]byte("batch")), Worker: 0}
	if err := store.Write(payloadKey(ref), ref.Digest.Bytes()); err != nil {
		t.Fatalf("write payload marker: %v", err)
	}
	other := f.header(t, leader, 1, []BatchRef{ref}, []crypto.Digest{c0.Digest()})

	if err := second.core.processProposal(f.ctx, &Proposal{Header: other}); err != nil {
		t.Fatalf("proposal: %v", err)
	}
	if len(decodeAll[*Vote](t, second.reliable.messages())) != 0 {
		t.Fatal("voted twice in the same round across a restart")
	}
}

// TestCoreRunTimer tests the round timer through the run loop.
func TestCoreRunTimer(t *testing.T) {
	f := newFixture(t, 4)
	tc := newIdleCore(t, f, 0, testParams(), nil)

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- tc.core.Run(ctx) }()

	u := <-tc.proposer
	if u.Round != 0 || len(u.Parents) != 0 {
		t.Fatalf("unexpected initial update %+v", u)
	}

	tc.clock.Advance(testParams().TimeoutDelay.Duration)

	eventually(t, "timeout broadcast", func() bool {
		return len(decodeAll[*Timeout](t, tc.simple.messages())) == 3
	})

	// Messages from the network are processed by the same loop.
	tc.primaries <- f.timeout(t, 1, 0)
	tc.primaries <- f.timeout(t, 2, 0)

	eventually(t, "round change", func() bool {
		select {
		case u := <-tc.proposer:
			return u.Round == 1
		default:
			return false
		}
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

// TestCoreRunErrors tests that Run reports startup failures and stays quiet
// when cancelled before the proposer takes the first round.
func TestCoreRunErrors(t *testing.T) {
	f := newFixture(t, 4)

	t.Run("missing latest certificate", func(t *testing.T) {
		store := newTestStore(t)
		if err := store.Write(latestKey, crypto.Hash([]byte("lost")).Bytes()); err != nil {
			t.Fatalf("write: %v", err)
		}

		tc := newIdleCore(t, f, 0, testParams(), store)
		if err := tc.core.Run(f.ctx); err == nil {
			t.Fatal("expected an error for a dangling latest certificate")
		}
	})

	t.Run("cancelled before the first update", func(t *testing.T) {
		tc := newIdleCore(t, f, 0, testParams(), nil)
		tc.core.ch.toProposer = make(chan roundUpdate)

		ctx, cancel := context.WithCancel(f.ctx)
		done := make(chan error, 1)
		go func() { done <- tc.core.Run(ctx) }()

		cancel()
		if err := <-done; err != nil {
			t.Fatalf("run: %v", err)
		}
	})
}
