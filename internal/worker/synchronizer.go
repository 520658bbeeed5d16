package worker

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
	"DagBFT/internal/logger"
	"DagBFT/internal/metrics"
	"DagBFT/internal/primary"
	"DagBFT/internal/storage"
)

// retryResolution is the period of the retry scan.
const retryResolution = time.Second

// pendingBatch is a batch requested from another worker.
type pendingBatch struct {
	round     uint64
	requested time.Time
	cancel    context.CancelFunc
}

// synchronizer fetches the batches our primary needs to vote on a header.
// Missing batches are requested from the header author's worker first and,
// after retryDelay, from retryNodes random other workers.
type synchronizer struct {
	name       crypto.PublicKey
	id         config.WorkerID
	committee  *config.Committee
	store      *storage.Store
	sender     Sender
	retryDelay time.Duration
	retryNodes int
	clock      clockwork.Clock
	orders     <-chan any

	pending map[crypto.Digest]pendingBatch
	gcRound uint64
	done    chan crypto.Digest
	wg      sync.WaitGroup
}

// newSynchronizer creates a synchronizer.
func newSynchronizer(name crypto.PublicKey, id config.WorkerID, committee *config.Committee, store *storage.Store, sender Sender, retryDelay time.Duration, retryNodes int, clock clockwork.Clock, orders <-chan any) *synchronizer {
	return &synchronizer{
		name:       name,
		id:         id,
		committee:  committee,
		store:      store,
		sender:     sender,
		retryDelay: retryDelay,
		retryNodes: retryNodes,
		clock:      clock,
		orders:     orders,
		pending:    make(map[crypto.Digest]pendingBatch),
		done:       make(chan crypto.Digest),
	}
}

// Run serves orders from the primary until ctx is cancelled.
func (s *synchronizer) Run(ctx context.Context) error {
	defer s.wg.Wait()

	ticker := s.clock.NewTicker(retryResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, p := range s.pending {
				p.cancel()
			}
			return nil

		case order := <-s.orders:
			switch o := order.(type) {
			case *primary.Synchronize:
				s.synchronize(ctx, o)
			case *primary.Cleanup:
				s.cleanup(o.Round)
			}

		case d := <-s.done:
			if p, ok := s.pending[d]; ok {
				p.cancel()
				delete(s.pending, d)
			}

		case <-ticker.Chan():
			s.retry()
		}
	}
}

// synchronize requests the batches of o that are neither stored nor already requested.
func (s *synchronizer) synchronize(ctx context.Context, o *primary.Synchronize) {
	if o.Round < s.gcRound {
		logger.Debug("ignoring synchronize order below gc round", "round", o.Round, "gc", s.gcRound)
		return
	}

	var missing []crypto.Digest

	for _, d := range o.Digests {
		if _, ok := s.pending[d]; ok {
			continue
		}

		key := batchKey(d)

		v, err := s.store.Read(key)
		if err != nil {
			logger.Warn("read batch", "digest", d, "error", err)
			continue
		}
		if v != nil {
			continue
		}

		wctx, cancel := context.WithCancel(ctx)
		s.pending[d] = pendingBatch{round: o.Round, requested: s.clock.Now(), cancel: cancel}
		missing = append(missing, d)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			if _, err := s.store.NotifyRead(wctx, key); err != nil {
				return
			}

			select {
			case s.done <- d:
			case <-wctx.Done():
			}
		}()
	}

	if len(missing) == 0 {
		return
	}

	addr, err := s.committee.Worker(o.Target, s.id)
	if err != nil {
		logger.Warn("cannot synchronize from target", "target", o.Target, "error", err)
		return
	}

	metrics.BatchesRequested.Add(float64(len(missing)))
	logger.Debug("requesting batches", "count", len(missing), "target", o.Target)

	s.sender.Send(addr.WorkerToWorker, EncodeBatchRequest(&BatchRequest{Digests: missing, Requestor: s.name}))
}

// retry asks random workers for batches requested more than retryDelay ago.
func (s *synchronizer) retry() {
	now := s.clock.Now()

	var late []crypto.Digest

	for d, p := range s.pending {
		if now.Sub(p.requested) < s.retryDelay {
			continue
		}

		late = append(late, d)
		p.requested = now
		s.pending[d] = p
	}

	if len(late) == 0 {
		return
	}

	peers := s.committee.OthersWorkers(s.name, s.id)
	addrs := make([]string, len(peers))
	for i, p := range peers {
		addrs[i] = p.Addresses.WorkerToWorker
	}

	logger.Debug("retrying batch requests", "count", len(late), "nodes", s.retryNodes)

	s.sender.LuckyBroadcast(addrs, EncodeBatchRequest(&BatchRequest{Digests: late, Requestor: s.name}), s.retryNodes)
}

// cleanup drops requests for rounds below round.
func (s *synchronizer) cleanup(round uint64) {
	if round <= s.gcRound {
		return
	}

	s.gcRound = round

	for d, p := range s.pending {
		if p.round < round {
			p.cancel()
			delete(s.pending, d)
		}
	}
}
