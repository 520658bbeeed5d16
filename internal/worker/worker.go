package worker

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
	"DagBFT/internal/primary"
	"DagBFT/internal/storage"
)

// Sender delivers messages best effort.
type Sender interface {
	Send(address string, data []byte)
	Broadcast(addresses []string, data []byte)
	LuckyBroadcast(addresses []string, data []byte, n int)
}

// ReliableSender delivers messages until the receiver acknowledges them or
// the returned handler is cancelled.
type ReliableSender interface {
	Send(address string, data []byte) *network.CancelHandler
	Broadcast(addresses []string, data []byte) []*network.CancelHandler
}

// Worker runs one worker of an authority: it batches client transactions,
// disseminates batches to the same-id workers of other authorities, stores
// batches and serves them to peers.
type Worker struct {
	keys      *crypto.KeyPair
	id        config.WorkerID
	committee *config.Committee
	params    config.Parameters
	store     *storage.Store
	clock     clockwork.Clock

	simple          *network.SimpleSender
	reliable        *network.ReliableSender
	primaryReceiver *network.Receiver
	txReceiver      *network.Receiver
	peerReceiver    *network.Receiver

	toBatchMaker  chan []byte
	toSynchronize chan any
	toHelper      chan *BatchRequest
	othersBatches chan []byte
}

// New creates a worker and binds its listening addresses.
func New(keys *crypto.KeyPair, id config.WorkerID, committee *config.Committee, params config.Parameters, store *storage.Store) (*Worker, error) {
	addrs, err := committee.Worker(keys.Name, id)
	if err != nil {
		return nil, fmt.Errorf("find own worker:\n%w", err)
	}

	w := &Worker{
		keys:          keys,
		id:            id,
		committee:     committee,
		params:        params,
		store:         store,
		clock:         clockwork.NewRealClock(),
		toBatchMaker:  make(chan []byte, params.ChannelCapacity),
		toSynchronize: make(chan any, params.ChannelCapacity),
		toHelper:      make(chan *BatchRequest, params.ChannelCapacity),
		othersBatches: make(chan []byte, params.ChannelCapacity),
	}

	if err := w.initNetwork(addrs); err != nil {
		w.Close()
		return nil, err
	}

	params.Log()
	logger.Info(fmt.Sprintf("Worker %d of %s successfully booted on %s", id, keys.Name, w.txReceiver.Addr()))

	return w, nil
}

// initNetwork creates the senders and binds the three receivers.
func (w *Worker) initNetwork(addrs config.WorkerAddresses) error {
	var err error

	if w.simple, err = network.NewSimpleSender(w.keys.Secret); err != nil {
		return fmt.Errorf("create sender:\n%w", err)
	}

	if w.reliable, err = network.NewReliableSender(w.keys.Secret); err != nil {
		return fmt.Errorf("create reliable sender:\n%w", err)
	}

	receivers := []struct {
		target  **network.Receiver
		address string
		handler network.HandlerFunc
	}{
		{&w.primaryReceiver, addrs.PrimaryToWorker, w.dispatchPrimary},
		{&w.txReceiver, addrs.Transactions, w.dispatchTransaction},
		{&w.peerReceiver, addrs.WorkerToWorker, w.dispatchWorker},
	}

	for _, r := range receivers {
		rcv, err := network.NewReceiver(r.address, w.keys.Secret, r.handler)
		if err != nil {
			return fmt.Errorf("create receiver for %s:\n%w", r.address, err)
		}

		if err := rcv.Listen(); err != nil {
			return err
		}

		*r.target = rcv
	}

	return nil
}

// Run starts every worker goroutine and blocks until ctx is cancelled or
// one of them fails.
func (w *Worker) Run(ctx context.Context) error {
	primaryAddrs, err := w.committee.Primary(w.keys.Name)
	if err != nil {
		return fmt.Errorf("find own primary:\n%w", err)
	}

	peers := w.committee.OthersWorkers(w.keys.Name, w.id)
	peerAddrs := make([]string, len(peers))
	for i, p := range peers {
		peerAddrs[i] = p.Addresses.WorkerToWorker
	}

	toQuorum := make(chan *sealedBatch, w.params.ChannelCapacity)
	ourBatches := make(chan []byte, w.params.ChannelCapacity)

	maker := newBatchMaker(w.params.BatchSize, w.params.MaxBatchDelay.Duration, w.clock, w.reliable,
		peerAddrs, w.toBatchMaker, toQuorum)
	waiter := newQuorumWaiter(w.committee.QuorumThreshold(), toQuorum, ourBatches)
	ours := newProcessor(w.id, w.store, w.reliable, primaryAddrs.WorkerToPrimary, true, ourBatches)
	others := newProcessor(w.id, w.store, w.reliable, primaryAddrs.WorkerToPrimary, false, w.othersBatches)
	syncer := newSynchronizer(w.keys.Name, w.id, w.committee, w.store, w.simple,
		w.params.SyncRetryDelay.Duration, w.params.SyncRetryNodes, w.clock, w.toSynchronize)
	helper := newHelper(w.id, w.committee, w.store, w.simple, w.toHelper)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.primaryReceiver.Run(ctx) })
	g.Go(func() error { return w.txReceiver.Run(ctx) })
	g.Go(func() error { return w.peerReceiver.Run(ctx) })
	g.Go(func() error { return maker.Run(ctx) })
	g.Go(func() error { return waiter.Run(ctx) })
	g.Go(func() error { return ours.Run(ctx) })
	g.Go(func() error { return others.Run(ctx) })
	g.Go(func() error { return syncer.Run(ctx) })
	g.Go(func() error { return helper.Run(ctx) })

	return g.Wait()
}

// Close releases the network senders. The store is owned by the caller.
func (w *Worker) Close() {
	if w.simple != nil {
		w.simple.Close()
	}

	if w.reliable != nil {
		w.reliable.Close()
	}
}

// dispatchPrimary routes an order from our primary.
func (w *Worker) dispatchPrimary(ctx context.Context, data []byte) error {
	order, err := primary.DecodeWorkerOrder(data)
	if err != nil {
		metrics.Reject(metrics.ReasonMalformed)
		return err
	}

	return send(ctx, w.toSynchronize, order)
}

// dispatchTransaction queues one client transaction.
func (w *Worker) dispatchTransaction(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty transaction", ErrMalformed)
	}

	return send(ctx, w.toBatchMaker, data)
}

// dispatchWorker routes a message from another worker.
func (w *Worker) dispatchWorker(ctx context.Context, data []byte) error {
	msg, err := DecodeWorkerMessage(data)
	if err != nil {
		metrics.Reject(metrics.ReasonMalformed)
		return err
	}

	switch m := msg.(type) {
	case *BatchMessage:
		return send(ctx, w.othersBatches, m.Serialized)
	case *BatchRequest:
		return send(ctx, w.toHelper, m)
	default:
		return fmt.Errorf("%w: unexpected message %T", ErrMalformed, msg)
	}
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
