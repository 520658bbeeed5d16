package worker

import (
	"context"

	"DagBFT/internal/logger"
)

// quorumWaiter holds each sealed batch until a quorum of authorities (this
// one included) acknowledged it, then passes it to the processor. Peers
// slower than the quorum are no longer waited for; their sends keep going.
type quorumWaiter struct {
	quorum      int
	fromMaker   <-chan *sealedBatch
	toProcessor chan<- []byte
}

// newQuorumWaiter creates a quorum waiter for a committee with the given
// quorum threshold.
func newQuorumWaiter(quorum int, fromMaker <-chan *sealedBatch, toProcessor chan<- []byte) *quorumWaiter {
	return &quorumWaiter{
		quorum:      quorum,
		fromMaker:   fromMaker,
		toProcessor: toProcessor,
	}
}

// Run waits for batches until ctx is cancelled.
func (q *quorumWaiter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-q.fromMaker:
			if !q.wait(ctx, b) {
				return nil
			}

			if err := send(ctx, q.toProcessor, b.serialized); err != nil {
				return nil
			}
		}
	}
}

// wait blocks until enough acknowledgements arrived. It returns false when
// ctx ended first.
func (q *quorumWaiter) wait(ctx context.Context, b *sealedBatch) bool {
	acks := 1
	if acks >= q.quorum {
		return true
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	delivered := make(chan struct{}, len(b.handlers))

	for _, h := range b.handlers {
		go func() {
			if h.Wait(wctx) == nil {
				delivered <- struct{}{}
			}
		}()
	}

	for acks < q.quorum {
		select {
		case <-delivered:
			acks++
		case <-ctx.Done():
			return false
		}
	}

	logger.Debug("batch reached quorum", "digest", b.digest, "acks", acks)

	return true
}
