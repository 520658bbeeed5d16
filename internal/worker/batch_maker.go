package worker

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"DagBFT/internal/crypto"
	"DagBFT/internal/logger"
	"DagBFT/internal/metrics"
	"DagBFT/internal/network"
)

// sampleTxMarker is the first byte of transactions the benchmark client tracks.
const sampleTxMarker = 0

// sealedBatch is a batch broadcast to the other workers, waiting for a quorum
// of acknowledgements.
type sealedBatch struct {
	serialized []byte
	digest     crypto.Digest
	handlers   []*network.CancelHandler // handlers of the broadcast, one per peer
}

// batchMaker groups client transactions into batches. A batch is sealed
// once it reaches batchSize bytes or maxDelay passed since the last seal,
// then broadcast to the same-id workers of every other authority.
type batchMaker struct {
	batchSize   int
	maxDelay    time.Duration
	clock       clockwork.Clock
	reliable    ReliableSender
	peers       []string // peers are the worker-to-worker addresses of the other authorities
	fromClients <-chan []byte
	toQuorum    chan<- *sealedBatch

	current Batch
	size    int
}

// newBatchMaker creates a batch maker.
func newBatchMaker(batchSize int, maxDelay time.Duration, clock clockwork.Clock, reliable ReliableSender, peers []string, fromClients <-chan []byte, toQuorum chan<- *sealedBatch) *batchMaker {
	return &batchMaker{
		batchSize:   batchSize,
		maxDelay:    maxDelay,
		clock:       clock,
		reliable:    reliable,
		peers:       peers,
		fromClients: fromClients,
		toQuorum:    toQuorum,
	}
}

// Run seals batches until ctx is cancelled.
func (m *batchMaker) Run(ctx context.Context) error {
	timer := m.clock.NewTimer(m.maxDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case tx := <-m.fromClients:
			m.current = append(m.current, tx)
			m.size += len(tx)

			if m.size < m.batchSize {
				continue
			}

		case <-timer.Chan():
			if len(m.current) == 0 {
				timer.Reset(m.maxDelay)
				continue
			}
		}

		if err := m.seal(ctx); err != nil {
			return nil
		}

		timer.Reset(m.maxDelay)
	}
}

// seal broadcasts the current batch and hands it to the quorum waiter.
func (m *batchMaker) seal(ctx context.Context) error {
	batch := m.current
	size := m.size
	m.current = nil
	m.size = 0

	serialized := batch.Serialize()
	digest := crypto.Hash(serialized)

	// Parsed by the benchmark scripts.
	for _, tx := range batch {
		if len(tx) >= 9 && tx[0] == sampleTxMarker {
			logger.Info(fmt.Sprintf("Batch %s contains sample tx %d", digest, binary.BigEndian.Uint64(tx[1:9])))
		}
	}
	logger.Info(fmt.Sprintf("Batch %s contains %d B", digest, size))

	metrics.BatchesSealed.Inc()

	handlers := m.reliable.Broadcast(m.peers, EncodeBatch(serialized))

	return send(ctx, m.toQuorum, &sealedBatch{serialized: serialized, digest: digest, handlers: handlers})
}
