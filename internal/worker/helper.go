package worker

import (
	"context"
	"fmt"

	"DagBFT/internal/config"
	"DagBFT/internal/logger"
	"DagBFT/internal/metrics"
	"DagBFT/internal/storage"
)

// helper answers other workers' batch requests from the store. Replies are
// best effort: missing batches are skipped and sends are never retried.
type helper struct {
	id        config.WorkerID
	committee *config.Committee
	store     *storage.Store
	sender    Sender
	requests  <-chan *BatchRequest
}

// newHelper creates a helper.
func newHelper(id config.WorkerID, committee *config.Committee, store *storage.Store, sender Sender, requests <-chan *BatchRequest) *helper {
	return &helper{
		id:        id,
		committee: committee,
		store:     store,
		sender:    sender,
		requests:  requests,
	}
}

// Run serves requests until ctx is cancelled.
func (h *helper) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-h.requests:
			if err := h.serve(req); err != nil {
				metrics.Reject(metrics.ReasonUnknownRequest)
				logger.Warn("unexpected batch request", "error", err)
			}
		}
	}
}

// serve sends every stored batch of req to the requestor's worker.
func (h *helper) serve(req *BatchRequest) error {
	addr, err := h.committee.Worker(req.Requestor, h.id)
	if err != nil {
		return fmt.Errorf("%w: %s/%d:\n%w", ErrUnknownPeer, req.Requestor, h.id, err)
	}

	for _, d := range req.Digests {
		serialized, err := h.store.Read(batchKey(d))
		if err != nil {
			logger.Error("read batch", "digest", d, "error", err)
			continue
		}

		if serialized == nil {
			logger.Debug("requested batch not in store", "digest", d)
			continue
		}

		metrics.BatchesServed.Inc()
		h.sender.Send(addr.WorkerToWorker, EncodeBatch(serialized))
	}

	return nil
}
