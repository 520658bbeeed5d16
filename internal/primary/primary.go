package primary

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
	"DagBFT/internal/logger"
	"DagBFT/internal/metrics"
	"DagBFT/internal/network"
	"DagBFT/internal/storage"
)

// Sender delivers messages best effort.
type Sender interface {
	Send(address string, data []byte)
	Broadcast(addresses []string, data []byte)
}

// ReliableSender delivers messages until the receiver acknowledges them or
// the returned handler is cancelled.
type ReliableSender interface {
	Send(address string, data []byte) *network.CancelHandler
	Broadcast(addresses []string, data []byte) []*network.CancelHandler
}

// Primary runs the consensus side of one authority: it receives messages
// from other primaries and from its own workers, and emits certified
// headers in DAG order.
type Primary struct {
	keys      *crypto.KeyPair
	committee *config.Committee
	params    config.Parameters
	store     *storage.Store
	clock     clockwork.Clock

	simple          *network.SimpleSender
	reliable        *network.ReliableSender
	primaryReceiver *network.Receiver
	workerReceiver  *network.Receiver

	toCore     chan any
	toHelper   chan *CertificatesRequest
	ourBatches chan BatchRef
	output     chan *Header
}

// New creates a primary and binds its listening addresses.
func New(keys *crypto.KeyPair, committee *config.Committee, params config.Parameters, store *storage.Store) (*Primary, error) {
	addrs, err := committee.Primary(keys.Name)
	if err != nil {
		return nil, fmt.Errorf("find own primary:\n%w", err)
	}

	p := &Primary{
		keys:       keys,
		committee:  committee,
		params:     params,
		store:      store,
		clock:      clockwork.NewRealClock(),
		toCore:     make(chan any, params.ChannelCapacity),
		toHelper:   make(chan *CertificatesRequest, params.ChannelCapacity),
		ourBatches: make(chan BatchRef, params.ChannelCapacity),
		output:     make(chan *Header, params.ChannelCapacity),
	}

	if err := p.initNetwork(addrs); err != nil {
		p.Close()
		return nil, err
	}

	params.Log()
	logger.Info(fmt.Sprintf("Primary %s successfully booted on %s", keys.Name, p.primaryReceiver.Addr()))

	return p, nil
}

// initNetwork creates the senders and binds both receivers.
func (p *Primary) initNetwork(addrs config.PrimaryAddresses) error {
	var err error

	if p.simple, err = network.NewSimpleSender(p.keys.Secret); err != nil {
		return fmt.Errorf("create sender:\n%w", err)
	}

	if p.reliable, err = network.NewReliableSender(p.keys.Secret); err != nil {
		return fmt.Errorf("create reliable sender:\n%w", err)
	}

	p.primaryReceiver, err = network.NewReceiver(addrs.PrimaryToPrimary, p.keys.Secret,
		network.HandlerFunc(p.dispatchPrimary), network.WithDedup(network.DefaultDedupTTL))
	if err != nil {
		return fmt.Errorf("create primary receiver:\n%w", err)
	}

	if err := p.primaryReceiver.Listen(); err != nil {
		return err
	}

	p.workerReceiver, err = network.NewReceiver(addrs.WorkerToPrimary, p.keys.Secret,
		network.HandlerFunc(p.dispatchWorker))
	if err != nil {
		return fmt.Errorf("create worker receiver:\n%w", err)
	}

	return p.workerReceiver.Listen()
}

// Output returns the certified headers in the order they join the DAG.
func (p *Primary) Output() <-chan *Header {
	return p.output
}

// Run starts every primary goroutine and blocks until ctx is cancelled or
// one of them fails.
func (p *Primary) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	signer := crypto.NewSignatureService(ctx, p.keys)
	elector := NewLeaderElector(p.committee)

	toProposer := make(chan roundUpdate, p.params.ChannelCapacity)
	fromProposer := make(chan *Proposal, p.params.ChannelCapacity)
	toWaiter := make(chan any, p.params.ChannelCapacity)
	fromWaiter := make(chan *Proposal, p.params.ChannelCapacity)

	c, err := newCore(p.keys.Name, p.committee, p.params, signer, p.store, p.simple, p.reliable, p.clock, coreChannels{
		fromPrimaries: p.toCore,
		fromWaiter:    fromWaiter,
		fromProposer:  fromProposer,
		toProposer:    toProposer,
		toWaiter:      toWaiter,
		output:        p.output,
	})
	if err != nil {
		return err
	}

	prop := newProposer(p.keys.Name, signer, elector, p.params.HeaderSize, p.params.MaxHeaderDelay.Duration,
		p.clock, toProposer, p.ourBatches, fromProposer)
	waiter := newHeaderWaiter(p.keys.Name, p.committee, p.store, p.simple, toWaiter, fromWaiter)
	helper := newCertificateHelper(p.committee, p.store, p.simple, p.toHelper)

	g.Go(func() error { return p.primaryReceiver.Run(ctx) })
	g.Go(func() error { return p.workerReceiver.Run(ctx) })
	g.Go(func() error { return c.Run(ctx) })
	g.Go(func() error { return prop.Run(ctx) })
	g.Go(func() error { return waiter.Run(ctx) })
	g.Go(func() error { return helper.Run(ctx) })

	return g.Wait()
}

// Close releases the network senders. The store is owned by the caller.
func (p *Primary) Close() {
	if p.simple != nil {
		p.simple.Close()
	}

	if p.reliable != nil {
		p.reliable.Close()
	}
}

// dispatchPrimary routes a message from another primary.
func (p *Primary) dispatchPrimary(ctx context.Context, data []byte) error {
	msg, err := DecodePrimaryMessage(data)
	if err != nil {
		metrics.Reject(metrics.ReasonMalformed)
		return err
	}

	if req, ok := msg.(*CertificatesRequest); ok {
		return send(ctx, p.toHelper, req)
	}

	return send(ctx, p.toCore, msg)
}

// dispatchWorker records a batch reported by one of our workers. Batches
// sealed by our own workers become payload for our next header.
func (p *Primary) dispatchWorker(ctx context.Context, data []byte) error {
	report, err := DecodeBatchDigest(data)
	if err != nil {
		metrics.Reject(metrics.ReasonMalformed)
		return err
	}

	ref := BatchRef{Digest: report.Digest, Worker: report.Worker}

	if err := p.store.Write(payloadKey(ref), ref.Digest.Bytes()); err != nil {
		return fmt.Errorf("store payload marker:\n%w", err)
	}

	if !report.Own {
		return nil
	}

	return send(ctx, p.ourBatches, ref)
}
