package primary

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
	"DagBFT/internal/logger"
	"DagBFT/internal/metrics"
	"DagBFT/internal/network"
	"DagBFT/internal/storage"
)

const (
	// certCacheSize is the number of certified headers kept in memory.
	certCacheSize = 10_000

	// tracerName identifies the primary's spans.
	tracerName = "DagBFT/internal/primary"

	// roundWindow is how far ahead of the current round votes, timeouts and
	// proposals are kept.
	roundWindow = 1
)

// Store key prefixes.
var (
	certPrefix    = []byte("c:") // certified header by digest
	payloadPrefix = []byte("p:") // batch availability marker by digest and worker
	latestKey     = []byte("m:latest")
	votedKey      = []byte("m:voted") // highest round voted or timed out
)

// certKey returns the store key of a certified header.
func certKey(d crypto.Digest) []byte {
	return append(append([]byte(nil), certPrefix...), d[:]...)
}

// payloadKey returns the store key marking a batch as available.
func payloadKey(ref BatchRef) []byte {
	key := make([]byte, 0, len(payloadPrefix)+batchRefSize)
	key = append(key, payloadPrefix...)
	key = append(key, ref.Digest[:]...)

	return binary.BigEndian.AppendUint32(key, uint32(ref.Worker))
}

// roundUpdate tells the proposer that the core entered a new round.
type roundUpdate struct {
	Round   uint64              // Round is the round just entered
	Parents []*Certified        // Parents justify headers of Round
	TC      *TimeoutCertificate // TC is set when Round was entered by timeout
}

// pendingItem is a message waiting for a missing certified header.
type pendingItem struct {
	round uint64
	msg   any
}

// coreChannels connects the core to the other primary goroutines.
type coreChannels struct {
	fromPrimaries <-chan any         // decoded messages from other primaries
	fromWaiter    <-chan *Proposal   // proposals whose payload became available
	fromProposer  <-chan *Proposal   // own proposals
	toProposer    chan<- roundUpdate // round changes
	toWaiter      chan<- any         // *Proposal to synchronize, *Cleanup to cancel
	output        chan<- *Header     // certified headers in DAG order
}

// core drives the DAG: it votes on leader headers, assembles certificates,
// moves through rounds and emits certified headers. A single goroutine owns
// all of its state.
type core struct {
	name      crypto.PublicKey
	committee *config.Committee
	params    config.Parameters
	signer    *crypto.SignatureService
	store     *storage.Store
	simple    Sender
	reliable  ReliableSender
	clock     clockwork.Clock
	tracer    trace.Tracer
	ch        coreChannels

	elector    *LeaderElector
	aggregator *Aggregator
	certs      *lru.Cache // certs caches certified headers by digest

	round       uint64              // round is the current round
	lastVoted   uint64              // lastVoted is the highest round voted or timed out
	hasVoted    bool                // hasVoted is false until the first vote
	highCert    *Certified          // highCert is the highest round certified header
	lastGC      uint64              // lastGC is the last cleanup round sent to workers
	timedOut    map[uint64]struct{} // timedOut holds rounds this authority timed out

	headers   map[crypto.Digest]*Header           // headers are proposals of live rounds
	unmatched map[crypto.Digest]*Certificate      // certificates formed before their header arrived
	pending   map[crypto.Digest][]pendingItem     // pending messages by missing parent
	requested map[crypto.Digest]crypto.PublicKey  // requested digests and who was asked
	handlers  map[uint64][]*network.CancelHandler // reliable sends by round

	timer clockwork.Timer
	span  trace.Span
}

// newCore creates the core. Run starts it.
func newCore(name crypto.PublicKey, committee *config.Committee, params config.Parameters, signer *crypto.SignatureService, store *storage.Store, simple Sender, reliable ReliableSender, clock clockwork.Clock, ch coreChannels) (*core, error) {
	cache, err := lru.New(certCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create certificate cache:\n%w", err)
	}

	return &core{
		name:       name,
		committee:  committee,
		params:     params,
		signer:     signer,
		store:      store,
		simple:     simple,
		reliable:   reliable,
		clock:      clock,
		tracer:     otel.Tracer(tracerName),
		ch:         ch,
		elector:    NewLeaderElector(committee),
		aggregator: NewAggregator(committee),
		certs:      cache,
		timedOut:   make(map[uint64]struct{}),
		headers:    make(map[crypto.Digest]*Header),
		unmatched:  make(map[crypto.Digest]*Certificate),
		pending:    make(map[crypto.Digest][]pendingItem),
		requested:  make(map[crypto.Digest]crypto.PublicKey),
		handlers:   make(map[uint64][]*network.CancelHandler),
	}, nil
}

// Run processes messages until ctx is cancelled.
func (c *core) Run(ctx context.Context) error {
	if err := c.recover(); err != nil {
		return err
	}

	_, c.span = c.tracer.Start(ctx, "round", trace.WithAttributes(attribute.Int64("round", int64(c.round))))
	defer func() { c.span.End() }()

	c.timer = c.clock.NewTimer(c.params.TimeoutDelay.Duration)
	defer c.timer.Stop()

	metrics.Round.Set(float64(c.round))

	var parents []*Certified
	if c.highCert != nil {
		parents = []*Certified{c.highCert}
	}

	if err := c.notifyProposer(ctx, roundUpdate{Round: c.round, Parents: parents}); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		var err error

		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.ch.fromPrimaries:
			err = c.handle(ctx, msg)
		case p := <-c.ch.fromWaiter:
			err = c.processProposal(ctx, p)
		case p := <-c.ch.fromProposer:
			err = c.processOwnProposal(ctx, p)
		case <-c.timer.Chan():
			err = c.localTimeout(ctx)
		}

		if err != nil {
			c.report(err)
		}
	}
}

// recover restores the round from the highest stored certified header and
// the last voted round, and warms the certificate cache with the rounds
// still above the garbage collection depth.
func (c *core) recover() error {
	voted, err := c.store.Read(votedKey)
	if err != nil {
		return fmt.Errorf("read voted round:\n%w", err)
	}

	if len(voted) == 8 {
		c.lastVoted, c.hasVoted = binary.BigEndian.Uint64(voted), true
	}

	data, err := c.store.Read(latestKey)
	if err != nil {
		return fmt.Errorf("read latest certificate:\n%w", err)
	}

	if data == nil {
		return nil
	}

	d, err := crypto.DigestFromBytes(data)
	if err != nil {
		return fmt.Errorf("decode latest certificate digest:\n%w", err)
	}

	cd, err := c.lookup(d)
	if err != nil {
		return err
	}

	if cd == nil {
		return fmt.Errorf("latest certificate %s missing from store", d)
	}

	c.highCert = cd
	c.round = cd.Round() + 1

	if !c.hasVoted || c.lastVoted < cd.Round() {
		c.lastVoted, c.hasVoted = cd.Round(), true
	}

	if err := c.warmCache(); err != nil {
		return err
	}

	logger.Info("recovered from store", "round", c.round, "voted", c.lastVoted, "certificate", cd.Header)

	return nil
}

// warmCache loads the stored certified headers of live rounds.
func (c *core) warmCache() error {
	var floor uint64
	if c.round > c.params.GCDepth {
		floor = c.round - c.params.GCDepth
	}

	return c.store.IteratePrefix(certPrefix, func(key, value []byte) error {
		cd, err := decodeStoredCertified(append([]byte(nil), value...))
		if err != nil {
			return fmt.Errorf("decode stored certificate %x:\n%w", key, err)
		}

		if cd.Round() >= floor {
			c.certs.Add(cd.Digest(), cd)
		}

		return nil
	})
}

// handle dispatches one message from another primary.
func (c *core) handle(ctx context.Context, msg any) error {
	switch m := msg.(type) {
	case *Proposal:
		return c.processProposal(ctx, m)
	case *Vote:
		return c.processVote(ctx, m)
	case *Certified:
		return c.processCertified(ctx, m)
	case *Timeout:
		return c.processTimeout(ctx, m)
	default:
		return fmt.Errorf("%w: unexpected message %T", ErrMalformed, msg)
	}
}

// processOwnProposal broadcasts a header built by the proposer and votes on it.
func (c *core) processOwnProposal(ctx context.Context, p *Proposal) error {
	h := p.Header

	if h.Round != c.round {
		logger.Debug("dropping own header of past round", "header", h, "round", c.round)
		return nil
	}

	handlers := c.reliable.Broadcast(c.otherPrimaries(), EncodeProposal(p))
	c.track(h.Round, handlers...)

	metrics.HeadersProposed.Inc()

	return c.processProposal(ctx, p)
}

// processProposal validates a leader proposal and votes for it.
func (c *core) processProposal(ctx context.Context, p *Proposal) error {
	h := p.Header

	if h.Author != c.elector.Leader(h.Round) {
		return invalidHeader(h, "author %s is not the leader of round %d", h.Author, h.Round)
	}

	if err := h.Verify(c.committee); err != nil {
		return invalidHeader(h, "%w", err)
	}

	if h.Round == 0 && len(h.Parents) != 0 {
		return invalidHeader(h, "genesis header with %d parents", len(h.Parents))
	}

	tc := p.TimeoutCertificate
	if tc != nil {
		if err := tc.Verify(c.committee); err != nil {
			return invalidHeader(h, "timeout certificate: %w", err)
		}

		if err := c.processTimeoutCertificate(ctx, tc); err != nil {
			return err
		}
	}

	for _, parent := range p.Parents {
		if err := c.processCertified(ctx, parent); err != nil {
			return invalidHeader(h, "parent %s: %w", parent.Digest(), err)
		}
	}

	if h.Round < c.round || h.Round > c.round+roundWindow {
		logger.Debug("ignoring header outside the round window", "header", h, "round", c.round)
		return nil
	}

	parents, missing, err := c.lookupAll(h.Parents)
	if err != nil {
		return err
	}

	if len(missing) > 0 {
		c.requestCertificates(missing, h.Author)
		c.park(missing[0], h.Round, p)
		return nil
	}

	if err := c.checkParents(h, parents, tc); err != nil {
		return err
	}

	if h.Round != c.round {
		logger.Debug("ignoring header outside current round", "header", h, "round", c.round)
		return nil
	}

	c.headers[h.Digest()] = h

	if cert, ok := c.unmatched[h.Digest()]; ok {
		delete(c.unmatched, h.Digest())
		return c.appendCertified(ctx, &Certified{Header: h, Certificate: cert})
	}

	if c.hasVoted && h.Round <= c.lastVoted {
		return nil
	}

	available, err := c.payloadAvailable(h)
	if err != nil {
		return err
	}

	if !available {
		return send[any](ctx, c.ch.toWaiter, p)
	}

	return c.vote(ctx, h)
}

// checkParents verifies that the parents of h justify its round. A header of
// round r > 0 needs parents from round r-1 signed by a quorum, or a timeout
// certificate for round r-1. Round 0 has no parents.
func (c *core) checkParents(h *Header, parents []*Certified, tc *TimeoutCertificate) error {
	if h.Round == 0 {
		return nil
	}

	signers := make(map[int]struct{})

	for _, parent := range parents {
		if parent.Round() >= h.Round {
			return invalidHeader(h, "parent %s is not from an earlier round", parent.Header)
		}

		if parent.Round() != h.Round-1 {
			continue
		}

		for _, idx := range crypto.ParseSignerBitmap(parent.Certificate.Signers) {
			signers[idx] = struct{}{}
		}
	}

	if len(signers) >= c.committee.QuorumThreshold() {
		return nil
	}

	if tc != nil && tc.Round == h.Round-1 {
		return nil
	}

	return invalidHeader(h, "parents carry %d signers from round %d and no timeout certificate", len(signers), h.Round-1)
}

// payloadAvailable reports whether every batch of h is stored by our workers.
func (c *core) payloadAvailable(h *Header) (bool, error) {
	if h.Author == c.name {
		return true, nil
	}

	for _, ref := range h.Payload {
		v, err := c.store.Read(payloadKey(ref))
		if err != nil {
			return false, fmt.Errorf("read payload marker:\n%w", err)
		}

		if v == nil {
			return false, nil
		}
	}

	return true, nil
}

// vote signs a vote for h and sends it to its author.
func (c *core) vote(ctx context.Context, h *Header) error {
	v, err := NewVote(ctx, h, c.name, c.signer)
	if err != nil {
		return err
	}

	if err := c.markVoted(h.Round); err != nil {
		return err
	}

	metrics.VotesSent.Inc()
	logger.Debug("voted", "header", h)

	if h.Author == c.name {
		return c.processVote(ctx, v)
	}

	data := EncodeVote(v)

	if c.params.BroadcastVotes {
		c.track(h.Round, c.reliable.Broadcast(c.otherPrimaries(), data)...)
		return c.processVote(ctx, v)
	}

	addr, err := c.committee.Primary(h.Author)
	if err != nil {
		return err
	}

	c.track(h.Round, c.reliable.Send(addr.PrimaryToPrimary, data))

	return nil
}

// processVote aggregates a vote and certifies the header on quorum.
func (c *core) processVote(ctx context.Context, v *Vote) error {
	if !c.params.BroadcastVotes && v.Origin != c.name {
		return nil
	}

	if v.Round > c.round+roundWindow {
		return nil
	}

	cert, err := c.aggregator.AddVote(v)
	if err != nil {
		return err
	}

	if cert == nil {
		return nil
	}

	if known, err := c.lookup(cert.Digest); err != nil || known != nil {
		return err
	}

	h, ok := c.headers[cert.Digest]
	if !ok {
		logger.Debug("certificate waiting for its header", "digest", cert.Digest, "round", cert.Round)
		c.unmatched[cert.Digest] = cert
		return nil
	}

	cd := &Certified{Header: h, Certificate: cert}

	logger.Debug("assembled certificate", "header", h)

	if h.Author == c.name {
		c.track(h.Round, c.reliable.Broadcast(c.otherPrimaries(), EncodeCertified(cd))...)
	}

	return c.appendCertified(ctx, cd)
}

// processCertified verifies a certified header from the network.
func (c *core) processCertified(ctx context.Context, cd *Certified) error {
	if cd.Header == nil || cd.Certificate == nil {
		return fmt.Errorf("%w: incomplete certified header", ErrMalformed)
	}

	if cached, err := c.lookup(cd.Digest()); err != nil || cached != nil {
		return err
	}

	if cd.Header.Author != c.elector.Leader(cd.Round()) {
		return invalidHeader(cd.Header, "certified header from non-leader %s", cd.Header.Author)
	}

	if err := cd.Verify(c.committee); err != nil {
		return err
	}

	return c.appendCertified(ctx, cd)
}

// appendCertified adds a certified header to the DAG once its parents are
// known and emits it. Every certified header is emitted exactly once, after
// all of its parents.
func (c *core) appendCertified(ctx context.Context, cd *Certified) error {
	if known, err := c.lookup(cd.Digest()); err != nil || known != nil {
		return err
	}

	_, missing, err := c.lookupAll(cd.Header.Parents)
	if err != nil {
		return err
	}

	if len(missing) > 0 {
		c.requestCertificates(missing, cd.Header.Author)
		c.park(missing[0], cd.Round(), cd)
		return nil
	}

	d := cd.Digest()

	pairs := []storage.KeyValue{{Key: certKey(d), Value: encodeStoredCertified(cd)}}

	if c.highCert == nil || cd.Round() > c.highCert.Round() {
		c.highCert = cd
		pairs = append(pairs, storage.KeyValue{Key: latestKey, Value: d.Bytes()})
	}

	if err := c.store.WriteBatch(pairs); err != nil {
		return fmt.Errorf("store certificate %s:\n%w", d, err)
	}

	c.certs.Add(d, cd)
	delete(c.requested, d)
	delete(c.unmatched, d)

	metrics.CertificatesFormed.Inc()
	c.span.AddEvent("certified", trace.WithAttributes(
		attribute.Int64("round", int64(cd.Round())),
		attribute.String("digest", d.String()),
	))

	if err := send(ctx, c.ch.output, cd.Header); err != nil {
		return err
	}

	if cd.Round() >= c.round {
		if err := c.advance(ctx, cd.Round()+1, []*Certified{cd}, nil); err != nil {
			return err
		}
	}

	items := c.pending[d]
	delete(c.pending, d)

	for _, item := range items {
		if err := c.handle(ctx, item.msg); err != nil {
			c.report(err)
		}
	}

	return nil
}

// processTimeout aggregates a timeout. Timeouts from a validity threshold for
// the current round make this authority time out as well.
func (c *core) processTimeout(ctx context.Context, t *Timeout) error {
	if t.Round > c.round+roundWindow {
		return nil
	}

	tc, err := c.aggregator.AddTimeout(t)
	if err != nil {
		return err
	}

	if tc != nil {
		return c.processTimeoutCertificate(ctx, tc)
	}

	if !c.params.Timeouts || t.Round != c.round {
		return nil
	}

	if _, done := c.timedOut[c.round]; done {
		return nil
	}

	if c.aggregator.TimeoutWeight(c.round) >= c.committee.ValidityThreshold() {
		return c.localTimeout(ctx)
	}

	return nil
}

// processTimeoutCertificate moves past the timed out round. tc must be verified.
func (c *core) processTimeoutCertificate(ctx context.Context, tc *TimeoutCertificate) error {
	if tc.Round < c.round {
		return nil
	}

	logger.Debug("timeout certificate", "round", tc.Round)
	metrics.TimeoutCertificates.Inc()

	var parents []*Certified
	if c.highCert != nil {
		parents = []*Certified{c.highCert}
	}

	return c.advance(ctx, tc.Round+1, parents, tc)
}

// localTimeout handles an expiry of the round timer. The timeout is
// broadcast again on every expiry until the round changes.
func (c *core) localTimeout(ctx context.Context) error {
	c.timer.Reset(c.params.TimeoutDelay.Duration)

	c.retryRequests()

	if !c.params.Timeouts {
		return nil
	}

	logger.Warn("Timeout reached for round", "round", c.round)
	metrics.Timeouts.Inc()

	c.timedOut[c.round] = struct{}{}
	if !c.hasVoted || c.lastVoted < c.round {
		if err := c.markVoted(c.round); err != nil {
			return err
		}
	}

	t, err := NewTimeout(ctx, c.round, c.name, c.signer)
	if err != nil {
		return err
	}

	c.simple.Broadcast(c.otherPrimaries(), EncodeTimeout(t))

	return c.processTimeout(ctx, t)
}

// advance enters round and garbage collects older state.
func (c *core) advance(ctx context.Context, round uint64, parents []*Certified, tc *TimeoutCertificate) error {
	if round <= c.round {
		return nil
	}

	c.round = round
	metrics.Round.Set(float64(round))
	logger.Debug("moved to round", "round", round)

	c.span.End()
	_, c.span = c.tracer.Start(ctx, "round", trace.WithAttributes(attribute.Int64("round", int64(round))))

	c.timer.Reset(c.params.TimeoutDelay.Duration)
	c.aggregator.Cleanup(round - 1)

	for d, h := range c.headers {
		if h.Round+1 < round {
			delete(c.headers, d)
		}
	}

	for r := range c.timedOut {
		if r < round {
			delete(c.timedOut, r)
		}
	}

	for d, cert := range c.unmatched {
		if cert.Round+1 < round {
			delete(c.unmatched, d)
		}
	}

	if err := c.cleanup(ctx); err != nil {
		return err
	}

	return c.notifyProposer(ctx, roundUpdate{Round: round, Parents: parents, TC: tc})
}

// cleanup drops state below the garbage collection round and tells the
// workers and the header waiter about it.
func (c *core) cleanup(ctx context.Context) error {
	if c.round <= c.params.GCDepth {
		return nil
	}

	gc := c.round - c.params.GCDepth
	if gc <= c.lastGC {
		return nil
	}

	c.lastGC = gc

	for r, handlers := range c.handlers {
		if r >= gc {
			continue
		}

		for _, h := range handlers {
			h.Cancel()
		}
		delete(c.handlers, r)
	}

	for d, items := range c.pending {
		kept := items[:0]
		for _, item := range items {
			if item.round >= gc {
				kept = append(kept, item)
			}
		}

		if len(kept) == 0 {
			delete(c.pending, d)
			delete(c.requested, d)
			continue
		}
		c.pending[d] = kept
	}

	workers, err := c.committee.OurWorkers(c.name)
	if err != nil {
		return err
	}

	order := EncodeCleanup(&Cleanup{Round: gc})
	for _, w := range workers {
		c.simple.Send(w.PrimaryToWorker, order)
	}

	return send[any](ctx, c.ch.toWaiter, &Cleanup{Round: gc})
}

// markVoted persists round as the highest round voted or timed out, so a
// restarted authority never votes twice in it.
func (c *core) markVoted(round uint64) error {
	if err := c.store.Write(votedKey, binary.BigEndian.AppendUint64(nil, round)); err != nil {
		return fmt.Errorf("store voted round %d:\n%w", round, err)
	}

	c.lastVoted, c.hasVoted = round, true

	return nil
}

// lookup returns a known certified header, or nil.
func (c *core) lookup(d crypto.Digest) (*Certified, error) {
	if v, ok := c.certs.Get(d); ok {
		return v.(*Certified), nil
	}

	data, err := c.store.Read(certKey(d))
	if err != nil {
		return nil, fmt.Errorf("read certificate %s:\n%w", d, err)
	}

	if data == nil {
		return nil, nil
	}

	cd, err := decodeStoredCertified(data)
	if err != nil {
		return nil, fmt.Errorf("decode certificate %s:\n%w", d, err)
	}

	c.certs.Add(d, cd)

	return cd, nil
}

// lookupAll returns the known certified headers among digests and the
// digests that are missing.
func (c *core) lookupAll(digests []crypto.Digest) ([]*Certified, []crypto.Digest, error) {
	var found []*Certified
	var missing []crypto.Digest

	for _, d := range digests {
		cd, err := c.lookup(d)
		if err != nil {
			return nil, nil, err
		}

		if cd == nil {
			missing = append(missing, d)
			continue
		}

		found = append(found, cd)
	}

	return found, missing, nil
}

// park suspends msg until the certified header d is appended.
func (c *core) park(d crypto.Digest, round uint64, msg any) {
	c.pending[d] = append(c.pending[d], pendingItem{round: round, msg: msg})
}

// requestCertificates asks target for the digests not already requested.
func (c *core) requestCertificates(digests []crypto.Digest, target crypto.PublicKey) {
	var fresh []crypto.Digest

	for _, d := range digests {
		if _, ok := c.requested[d]; ok {
			continue
		}

		c.requested[d] = target
		fresh = append(fresh, d)
	}

	if len(fresh) > 0 {
		c.sendRequest(fresh, target)
	}
}

// retryRequests asks again for every certified header still missing.
func (c *core) retryRequests() {
	byTarget := make(map[crypto.PublicKey][]crypto.Digest)
	for d, target := range c.requested {
		byTarget[target] = append(byTarget[target], d)
	}

	for target, digests := range byTarget {
		c.sendRequest(digests, target)
	}
}

// sendRequest sends a certificates request to target.
func (c *core) sendRequest(digests []crypto.Digest, target crypto.PublicKey) {
	addr, err := c.committee.Primary(target)
	if err != nil {
		logger.Warn("cannot request certificates", "target", target, "error", err)
		return
	}

	logger.Debug("requesting certificates", "count", len(digests), "target", target)

	c.simple.Send(addr.PrimaryToPrimary, EncodeCertificatesRequest(&CertificatesRequest{
		Digests:   digests,
		Requestor: c.name,
	}))
}

// track keeps reliable send handlers until their round is collected.
func (c *core) track(round uint64, handlers ...*network.CancelHandler) {
	c.handlers[round] = append(c.handlers[round], handlers...)
}

// otherPrimaries returns the primary-to-primary addresses of every other authority.
func (c *core) otherPrimaries() []string {
	others := c.committee.OthersPrimaries(c.name)
	addrs := make([]string, len(others))

	for i, a := range others {
		addrs[i] = a.Primary.PrimaryToPrimary
	}

	return addrs
}

// notifyProposer sends a round change to the proposer.
func (c *core) notifyProposer(ctx context.Context, u roundUpdate) error {
	return send(ctx, c.ch.toProposer, u)
}

// report logs and counts a rejected message.
func (c *core) report(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	var eq *EquivocationError

	switch {
	case errors.As(err, &eq):
		metrics.Equivocations.Inc()
		metrics.Reject(metrics.ReasonDuplicateVote)
		logger.Warn("equivocation", "author", eq.Second.Author, "round", eq.Second.Round,
			"first", eq.First.Digest, "second", eq.Second.Digest)
		return
	case errors.Is(err, ErrInvalidHeader):
		metrics.Reject(metrics.ReasonInvalidHeader)
	case errors.Is(err, ErrInvalidSignature):
		metrics.Reject(metrics.ReasonSignature)
	case errors.Is(err, ErrUnknownAuthority):
		metrics.Reject(metrics.ReasonUnknown)
	case errors.Is(err, ErrMalformed):
		metrics.Reject(metrics.ReasonMalformed)
	}

	logger.Warn("message rejected", "error", err)
}

// send delivers v on ch unless ctx ends first.
func send[T any](ctx context.Context, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
