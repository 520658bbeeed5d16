package primary

import (
	"context"
	"sync"

	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
	"DagBFT/internal/logger"
	"DagBFT/internal/storage"
)

// waiting is a proposal suspended until its payload is stored.
type waiting struct {
	round  uint64
	cancel context.CancelFunc
}

// headerWaiter makes the payload of other leaders' headers available. It
// asks our workers to fetch the missing batches from the author's workers,
// waits until every batch is stored and hands the proposal back to the core.
type headerWaiter struct {
	name      crypto.PublicKey
	committee *config.Committee
	store     *storage.Store
	sender    Sender
	fromCore  <-chan any
	toCore    chan<- *Proposal

	pending map[crypto.Digest]waiting // pending proposals by header digest
	done    chan crypto.Digest        // done receives digests of finished waits
	wg      sync.WaitGroup
}

// newHeaderWaiter creates a header waiter.
func newHeaderWaiter(name crypto.PublicKey, committee *config.Committee, store *storage.Store, sender Sender, fromCore <-chan any, toCore chan<- *Proposal) *headerWaiter {
	return &headerWaiter{
		name:      name,
		committee: committee,
		store:     store,
		sender:    sender,
		fromCore:  fromCore,
		toCore:    toCore,
		pending:   make(map[crypto.Digest]waiting),
		done:      make(chan crypto.Digest),
	}
}

// Run serves the core until ctx is cancelled.
func (w *headerWaiter) Run(ctx context.Context) error {
	defer w.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			for _, p := range w.pending {
				p.cancel()
			}
			return nil

		case msg := <-w.fromCore:
			switch m := msg.(type) {
			case *Proposal:
				w.wait(ctx, m)
			case *Cleanup:
				w.cleanup(m.Round)
			}

		case d := <-w.done:
			delete(w.pending, d)
		}
	}
}

// wait starts synchronizing the payload of p.
func (w *headerWaiter) wait(ctx context.Context, p *Proposal) {
	h := p.Header
	d := h.Digest()

	if _, ok := w.pending[d]; ok {
		return
	}

	missing := make(map[config.WorkerID][]crypto.Digest)
	var keys [][]byte

	for _, ref := range h.Payload {
		key := payloadKey(ref)

		v, err := w.store.Read(key)
		if err != nil {
			logger.Warn("read payload marker", "error", err)
		}
		if v != nil {
			continue
		}

		missing[ref.Worker] = append(missing[ref.Worker], ref.Digest)
		keys = append(keys, key)
	}

	for id, digests := range missing {
		addr, err := w.committee.Worker(w.name, id)
		if err != nil {
			logger.Warn("header references unknown worker", "header", h, "worker", id)
			return
		}

		w.sender.Send(addr.PrimaryToWorker, EncodeSynchronize(&Synchronize{
			Digests: digests,
			Target:  h.Author,
			Round:   h.Round,
		}))
	}

	logger.Debug("waiting for payload", "header", h, "missing", len(keys))

	wctx, cancel := context.WithCancel(ctx)
	w.pending[d] = waiting{round: h.Round, cancel: cancel}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()

		for _, key := range keys {
			if _, err := w.store.NotifyRead(wctx, key); err != nil {
				w.finish(ctx, d)
				return
			}
		}

		if err := send(wctx, w.toCore, p); err != nil {
			w.finish(ctx, d)
			return
		}

		w.finish(ctx, d)
	}()
}

// finish reports a completed or cancelled wait to the run loop.
func (w *headerWaiter) finish(ctx context.Context, d crypto.Digest) {
	select {
	case w.done <- d:
	case <-ctx.Done():
	}
}

// cleanup cancels waits for headers below round.
func (w *headerWaiter) cleanup(round uint64) {
	for d, p := range w.pending {
		if p.round < round {
			p.cancel()
			delete(w.pending, d)
		}
	}
}
