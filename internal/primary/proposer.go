package primary

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"DagBFT/internal/crypto"
	"DagBFT/internal/logger"
)

// proposer builds this authority's header for every round it leads. It
// proposes once the payload reaches headerSize bytes or maxDelay passed
// since the last proposal.
type proposer struct {
	name        crypto.PublicKey
	signer      *crypto.SignatureService
	elector     *LeaderElector
	headerSize  int
	maxDelay    time.Duration
	clock       clockwork.Clock
	fromCore    <-chan roundUpdate
	fromWorkers <-chan BatchRef
	toCore      chan<- *Proposal

	started  bool                  // started is set by the first round update
	round    uint64                // round is the latest round entered by the core
	parents  []*Certified          // parents justify round
	tc       *TimeoutCertificate   // tc is set when round was entered by timeout
	ready    bool                  // ready is set while we lead round and have not proposed
	digests  []BatchRef            // digests are batches not yet proposed
	size     int                   // size is the payload size of digests
	inflight map[uint64][]BatchRef // inflight is the payload proposed per round
}

// newProposer creates a proposer.
func newProposer(name crypto.PublicKey, signer *crypto.SignatureService, elector *LeaderElector, headerSize int, maxDelay time.Duration, clock clockwork.Clock, fromCore <-chan roundUpdate, fromWorkers <-chan BatchRef, toCore chan<- *Proposal) *proposer {
	return &proposer{
		name:        name,
		signer:      signer,
		elector:     elector,
		headerSize:  headerSize,
		maxDelay:    maxDelay,
		clock:       clock,
		fromCore:    fromCore,
		fromWorkers: fromWorkers,
		toCore:      toCore,
		inflight:    make(map[uint64][]BatchRef),
	}
}

// Run proposes headers until ctx is cancelled.
func (p *proposer) Run(ctx context.Context) error {
	timer := p.clock.NewTimer(p.maxDelay)
	defer timer.Stop()

	expired := false

	for {
		if p.ready && (p.size >= p.headerSize || expired) {
			if err := p.propose(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("failed to propose", "round", p.round, "error", err)
			}

			expired = false
			timer.Reset(p.maxDelay)
		}

		select {
		case <-ctx.Done():
			return nil
		case u := <-p.fromCore:
			p.update(u)
		case ref := <-p.fromWorkers:
			p.digests = append(p.digests, ref)
			p.size += batchRefSize
		case <-timer.Chan():
			expired = true
		}
	}
}

// update records a round change from the core.
func (p *proposer) update(u roundUpdate) {
	if p.started && u.Round <= p.round {
		return
	}

	p.started = true
	p.round = u.Round
	p.parents = u.Parents
	p.tc = u.TC
	p.ready = p.elector.Leader(u.Round) == p.name

	// A timed out header was not ordered; its batches go back in front.
	if u.TC != nil {
		if stale, ok := p.inflight[u.TC.Round]; ok {
			p.digests = append(append([]BatchRef(nil), stale...), p.digests...)
			p.size += len(stale) * batchRefSize
		}
	}

	for r := range p.inflight {
		if r < u.Round {
			delete(p.inflight, r)
		}
	}
}

// propose signs a header with every pending digest and hands it to the core.
func (p *proposer) propose(ctx context.Context) error {
	parents := make([]crypto.Digest, len(p.parents))
	for i, c := range p.parents {
		parents[i] = c.Digest()
	}

	payload := p.digests

	h, err := NewHeader(ctx, p.name, p.round, payload, parents, p.signer)
	if err != nil {
		return fmt.Errorf("create header for round %d:\n%w", p.round, err)
	}

	p.digests = nil
	p.size = 0
	p.ready = false
	p.inflight[p.round] = payload

	logger.Debug("proposing", "header", h, "batches", len(payload))

	for _, ref := range payload {
		logger.Info(fmt.Sprintf("Created %s -> %s", h, ref.Digest))
	}

	return send(ctx, p.toCore, &Proposal{Header: h, Parents: p.parents, TimeoutCertificate: p.tc})
}
