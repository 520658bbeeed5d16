package worker

import (
	"context"
	"fmt"

	"DagBFT/internal/config"
	"DagBFT/internal/crypto"
	"DagBFT/internal/logger"
	"DagBFT/internal/primary"
	"DagBFT/internal/storage"
)

// processor stores batches by digest and reports them to the primary.
// One processor handles the batches this worker sealed, another the batches
// received from other workers.
type processor struct {
	id       config.WorkerID
	store    *storage.Store
	reliable ReliableSender
	primary  string // primary is our primary's worker-to-primary address
	own      bool
	batches  <-chan []byte
}

// newProcessor creates a processor.
func newProcessor(id config.WorkerID, store *storage.Store, reliable ReliableSender, primaryAddress string, own bool, batches <-chan []byte) *processor {
	return &processor{
		id:       id,
		store:    store,
		reliable: reliable,
		primary:  primaryAddress,
		own:      own,
		batches:  batches,
	}
}

// Run processes batches until ctx is cancelled.
func (p *processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case serialized := <-p.batches:
			if err := p.process(serialized); err != nil {
				logger.Error("failed to process batch", "error", err)
			}
		}
	}
}

// process stores one serialized batch and reports its digest.
func (p *processor) process(serialized []byte) error {
	d := crypto.Hash(serialized)

	if err := p.store.Write(batchKey(d), serialized); err != nil {
		return fmt.Errorf("store batch %s:\n%w", d, err)
	}

	p.reliable.Send(p.primary, primary.EncodeBatchDigest(&primary.BatchDigest{
		Digest: d,
		Worker: p.id,
		Own:    p.own,
	}))

	return nil
}
